package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/instapool/internal/models"
)

// PostgresStore implements Store on Postgres via database/sql and lib/pq.
// The radius predicate is a haversine expression evaluated in SQL; the
// conditional matching insert relies on the (ride_id, request_id) unique
// index plus ON CONFLICT DO NOTHING.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// haversineSQL computes great-circle meters between a request pickup and
// the query point ($1 = lat, $2 = lon).
const haversineSQL = `6371000 * 2 * asin(sqrt(
	power(sin(radians(pickup_lat - $1) / 2), 2) +
	cos(radians($1)) * cos(radians(pickup_lat)) *
	power(sin(radians(pickup_lon - $2) / 2), 2)))`

func (p *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	u.Email = models.NormalizeEmail(u.Email)
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users(id, email, first_name, last_name, profile_picture, phone_number, loc_lon, loc_lat)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		u.ID, u.Email, u.FirstName, u.LastName, u.ProfilePicture, u.PhoneNumber, u.Location.Lon, u.Location.Lat)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.Email, ErrDuplicate)
	}
	return err
}

func (p *PostgresStore) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT id, email, first_name, last_name, profile_picture, phone_number, loc_lon, loc_lat
		 FROM users WHERE email = $1`, models.NormalizeEmail(email)))
}

func (p *PostgresStore) UserByID(ctx context.Context, id string) (*models.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT id, email, first_name, last_name, profile_picture, phone_number, loc_lon, loc_lat
		 FROM users WHERE id = $1`, id))
}

func (p *PostgresStore) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.ProfilePicture, &u.PhoneNumber, &u.Location.Lon, &u.Location.Lat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *PostgresStore) UpdateUserLocation(ctx context.Context, id string, pt models.Point) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET loc_lon = $1, loc_lat = $2 WHERE id = $3`, pt.Lon, pt.Lat, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO ride_requests(id, user_id, at_time, before_flex_s, after_flex_s, start_at, end_at,
		 pickup_lon, pickup_lat, dest_lon, dest_lat, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.UserID, r.AtTime, int64(r.BeforeFlex.Seconds()), int64(r.AfterFlex.Seconds()),
		r.Start, r.End, r.Pickup.Lon, r.Pickup.Lat, r.Destination.Lon, r.Destination.Lat, r.CreatedAt)
	return err
}

func (p *PostgresStore) RequestByID(ctx context.Context, id string) (*models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, requestSelect+` WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := scanRequests(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return &out[0], nil
}

func (p *PostgresStore) RequestsByUser(ctx context.Context, userID string) ([]models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, requestSelect+` WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (p *PostgresStore) RequestsNear(ctx context.Context, pt models.Point, radiusM float64) ([]models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, requestSelect+` WHERE `+haversineSQL+` <= $3`, pt.Lat, pt.Lon, radiusM)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (p *PostgresStore) RequestsNearWithinTime(ctx context.Context, pt models.Point, radiusM float64, start, end time.Time) ([]models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		requestSelect+` WHERE `+haversineSQL+` <= $3 AND start_at <= $4 AND end_at >= $5`,
		pt.Lat, pt.Lon, radiusM, end, start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

const requestSelect = `SELECT id, user_id, at_time, before_flex_s, after_flex_s, start_at, end_at,
 pickup_lon, pickup_lat, dest_lon, dest_lat, created_at FROM ride_requests`

func scanRequests(rows *sql.Rows) ([]models.RideRequest, error) {
	var out []models.RideRequest
	for rows.Next() {
		var r models.RideRequest
		var beforeS, afterS int64
		if err := rows.Scan(&r.ID, &r.UserID, &r.AtTime, &beforeS, &afterS, &r.Start, &r.End,
			&r.Pickup.Lon, &r.Pickup.Lat, &r.Destination.Lon, &r.Destination.Lat, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.BeforeFlex = time.Duration(beforeS) * time.Second
		r.AfterFlex = time.Duration(afterS) * time.Second
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO rides(id, driver_id, origin_lon, origin_lat, dest_lon, dest_lat, start_at, end_at, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.DriverID, r.Origin.Lon, r.Origin.Lat, r.Destination.Lon, r.Destination.Lat, r.Start, r.End, r.CreatedAt)
	return err
}

func (p *PostgresStore) RideByID(ctx context.Context, id string) (*models.Ride, error) {
	var r models.Ride
	err := p.db.QueryRowContext(ctx,
		`SELECT id, driver_id, origin_lon, origin_lat, dest_lon, dest_lat, start_at, end_at, created_at
		 FROM rides WHERE id = $1`, id).
		Scan(&r.ID, &r.DriverID, &r.Origin.Lon, &r.Origin.Lat, &r.Destination.Lon, &r.Destination.Lat, &r.Start, &r.End, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) RidesByUser(ctx context.Context, driverID string) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, driver_id, origin_lon, origin_lat, dest_lon, dest_lat, start_at, end_at, created_at
		 FROM rides WHERE driver_id = $1 ORDER BY created_at`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		var r models.Ride
		if err := rows.Scan(&r.ID, &r.DriverID, &r.Origin.Lon, &r.Origin.Lat, &r.Destination.Lon, &r.Destination.Lat, &r.Start, &r.End, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateMatchingIfAbsent(ctx context.Context, m *models.RideMatching) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO ride_matchings(id, driver_id, rider_id, ride_id, request_id, cost, status, payment_ref, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (ride_id, request_id) DO NOTHING`,
		m.ID, m.DriverID, m.RiderID, m.RideID, m.RequestID, m.Cost, string(m.Status), m.PaymentRef, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const matchingSelect = `SELECT id, driver_id, rider_id, ride_id, request_id, cost, status, payment_ref, created_at, updated_at FROM ride_matchings`

func (p *PostgresStore) MatchingByID(ctx context.Context, id string) (*models.RideMatching, error) {
	return p.oneMatching(ctx, matchingSelect+` WHERE id = $1`, id)
}

func (p *PostgresStore) MatchingByRideAndRider(ctx context.Context, rideID, riderID string) (*models.RideMatching, error) {
	return p.oneMatching(ctx, matchingSelect+` WHERE ride_id = $1 AND rider_id = $2`, rideID, riderID)
}

func (p *PostgresStore) oneMatching(ctx context.Context, query string, args ...any) (*models.RideMatching, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := scanMatchings(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("matching: %w", ErrNotFound)
	}
	return &out[0], nil
}

func (p *PostgresStore) MatchingsByRide(ctx context.Context, rideID string, status models.MatchStatus) ([]models.RideMatching, error) {
	return p.listMatchings(ctx, "ride_id", rideID, status)
}

func (p *PostgresStore) MatchingsByRider(ctx context.Context, riderID string, status models.MatchStatus) ([]models.RideMatching, error) {
	return p.listMatchings(ctx, "rider_id", riderID, status)
}

func (p *PostgresStore) MatchingsByDriver(ctx context.Context, driverID string, status models.MatchStatus) ([]models.RideMatching, error) {
	return p.listMatchings(ctx, "driver_id", driverID, status)
}

func (p *PostgresStore) listMatchings(ctx context.Context, column, value string, status models.MatchStatus) ([]models.RideMatching, error) {
	query := matchingSelect + ` WHERE ` + column + ` = $1`
	args := []any{value}
	if status != StatusAny {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatchings(rows)
}

func scanMatchings(rows *sql.Rows) ([]models.RideMatching, error) {
	var out []models.RideMatching
	for rows.Next() {
		var m models.RideMatching
		var status string
		if err := rows.Scan(&m.ID, &m.DriverID, &m.RiderID, &m.RideID, &m.RequestID, &m.Cost, &status, &m.PaymentRef, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Status = models.MatchStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetMatchingStatus(ctx context.Context, id string, from, to models.MatchStatus) (*models.RideMatching, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE ride_matchings SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// lost the race or wrong id; read back to tell which
		current, err := p.MatchingByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("matching %s is %s: %w", id, current.Status, ErrConflict)
	}
	return p.MatchingByID(ctx, id)
}

func (p *PostgresStore) SetMatchingPayment(ctx context.Context, id, ref string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE ride_matchings SET payment_ref = $1, updated_at = now() WHERE id = $2`, ref, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("matching %s: %w", id, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
