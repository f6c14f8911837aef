package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/instapool/internal/models"
)

var (
	// ErrNotFound means the referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate means a uniqueness constraint was violated.
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict means a compare-and-set write lost to a concurrent update.
	ErrConflict = errors.New("conflicting update")
)

// StatusAny disables status filtering on matching queries.
const StatusAny = models.MatchStatus("")

// Store defines persistence for users, rides, requests and matchings.
// It is the sole synchronization point: CreateMatchingIfAbsent and
// SetMatchingStatus carry the conditional-write semantics the matcher and
// lifecycle rely on under concurrency.
type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, id string) (*models.User, error)
	UpdateUserLocation(ctx context.Context, id string, p models.Point) error

	CreateRequest(ctx context.Context, r *models.RideRequest) error
	RequestByID(ctx context.Context, id string) (*models.RideRequest, error)
	RequestsByUser(ctx context.Context, userID string) ([]models.RideRequest, error)
	// RequestsNear returns requests whose pickup lies within radiusM meters
	// of p, great-circle distance.
	RequestsNear(ctx context.Context, p models.Point, radiusM float64) ([]models.RideRequest, error)
	// RequestsNearWithinTime additionally keeps only requests whose
	// [Start, End] window overlaps [start, end] (symmetric overlap).
	RequestsNearWithinTime(ctx context.Context, p models.Point, radiusM float64, start, end time.Time) ([]models.RideRequest, error)

	CreateRide(ctx context.Context, r *models.Ride) error
	RideByID(ctx context.Context, id string) (*models.Ride, error)
	RidesByUser(ctx context.Context, driverID string) ([]models.Ride, error)

	// CreateMatchingIfAbsent inserts m unless a matching for the same
	// (ride, request) pair already exists; created reports whether the
	// insert happened.
	CreateMatchingIfAbsent(ctx context.Context, m *models.RideMatching) (created bool, err error)
	MatchingByID(ctx context.Context, id string) (*models.RideMatching, error)
	MatchingByRideAndRider(ctx context.Context, rideID, riderID string) (*models.RideMatching, error)
	MatchingsByRide(ctx context.Context, rideID string, status models.MatchStatus) ([]models.RideMatching, error)
	MatchingsByRider(ctx context.Context, riderID string, status models.MatchStatus) ([]models.RideMatching, error)
	MatchingsByDriver(ctx context.Context, driverID string, status models.MatchStatus) ([]models.RideMatching, error)
	// SetMatchingStatus transitions id from one status to another and
	// returns the updated record. ErrConflict if the current status is not
	// `from`; ErrNotFound if the matching does not exist.
	SetMatchingStatus(ctx context.Context, id string, from, to models.MatchStatus) (*models.RideMatching, error)
	SetMatchingPayment(ctx context.Context, id, ref string) error
}

// Overlaps is the symmetric interval-overlap test used by the time-window
// predicates: [aStart, aEnd] and [bStart, bEnd] share at least one instant.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aStart.After(bEnd) && !aEnd.Before(bStart)
}
