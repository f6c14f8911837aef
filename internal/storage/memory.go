package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/instapool/internal/geo"
	"github.com/example/instapool/internal/models"
)

// MemoryStore is a mutex-guarded in-memory Store used for local runs and
// tests. Radius queries are a naive haversine scan.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*models.User
	byEmail   map[string]string
	requests  map[string]*models.RideRequest
	rides     map[string]*models.Ride
	matchings map[string]*models.RideMatching
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*models.User),
		byEmail:   make(map[string]string),
		requests:  make(map[string]*models.RideRequest),
		rides:     make(map[string]*models.Ride),
		matchings: make(map[string]*models.RideMatching),
	}
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := models.NormalizeEmail(u.Email)
	if _, ok := m.byEmail[email]; ok {
		return fmt.Errorf("user %s: %w", email, ErrDuplicate)
	}
	u.Email = email
	cp := *u
	m.users[u.ID] = &cp
	m.byEmail[email] = u.ID
	return nil
}

func (m *MemoryStore) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[models.NormalizeEmail(email)]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *MemoryStore) UserByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) UpdateUserLocation(ctx context.Context, id string, p models.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	u.Location = p
	return nil
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) RequestByID(ctx context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) RequestsByUser(ctx context.Context, userID string) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RideRequest
	for _, r := range m.requests {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) RequestsNear(ctx context.Context, p models.Point, radiusM float64) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RideRequest
	for _, r := range m.requests {
		if geo.Distance(p, r.Pickup) <= radiusM {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) RequestsNearWithinTime(ctx context.Context, p models.Point, radiusM float64, start, end time.Time) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RideRequest
	for _, r := range m.requests {
		if geo.Distance(p, r.Pickup) <= radiusM && Overlaps(r.Start, r.End, start, end) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) RideByID(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) RidesByUser(ctx context.Context, driverID string) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Ride
	for _, r := range m.rides {
		if r.DriverID == driverID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateMatchingIfAbsent(ctx context.Context, mt *models.RideMatching) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.matchings {
		if existing.RideID == mt.RideID && existing.RequestID == mt.RequestID {
			return false, nil
		}
	}
	cp := *mt
	m.matchings[mt.ID] = &cp
	return true, nil
}

func (m *MemoryStore) MatchingByID(ctx context.Context, id string) (*models.RideMatching, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.matchings[id]
	if !ok {
		return nil, fmt.Errorf("matching %s: %w", id, ErrNotFound)
	}
	cp := *mt
	return &cp, nil
}

func (m *MemoryStore) MatchingByRideAndRider(ctx context.Context, rideID, riderID string) (*models.RideMatching, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mt := range m.matchings {
		if mt.RideID == rideID && mt.RiderID == riderID {
			cp := *mt
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("matching for ride %s rider %s: %w", rideID, riderID, ErrNotFound)
}

func (m *MemoryStore) MatchingsByRide(ctx context.Context, rideID string, status models.MatchStatus) ([]models.RideMatching, error) {
	return m.filterMatchings(func(mt *models.RideMatching) bool { return mt.RideID == rideID }, status)
}

func (m *MemoryStore) MatchingsByRider(ctx context.Context, riderID string, status models.MatchStatus) ([]models.RideMatching, error) {
	return m.filterMatchings(func(mt *models.RideMatching) bool { return mt.RiderID == riderID }, status)
}

func (m *MemoryStore) MatchingsByDriver(ctx context.Context, driverID string, status models.MatchStatus) ([]models.RideMatching, error) {
	return m.filterMatchings(func(mt *models.RideMatching) bool { return mt.DriverID == driverID }, status)
}

func (m *MemoryStore) filterMatchings(keep func(*models.RideMatching) bool, status models.MatchStatus) ([]models.RideMatching, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RideMatching
	for _, mt := range m.matchings {
		if !keep(mt) {
			continue
		}
		if status != StatusAny && mt.Status != status {
			continue
		}
		out = append(out, *mt)
	}
	return out, nil
}

func (m *MemoryStore) SetMatchingStatus(ctx context.Context, id string, from, to models.MatchStatus) (*models.RideMatching, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.matchings[id]
	if !ok {
		return nil, fmt.Errorf("matching %s: %w", id, ErrNotFound)
	}
	if mt.Status != from {
		return nil, fmt.Errorf("matching %s is %s: %w", id, mt.Status, ErrConflict)
	}
	mt.Status = to
	mt.UpdatedAt = time.Now()
	cp := *mt
	return &cp, nil
}

func (m *MemoryStore) SetMatchingPayment(ctx context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.matchings[id]
	if !ok {
		return fmt.Errorf("matching %s: %w", id, ErrNotFound)
	}
	mt.PaymentRef = ref
	mt.UpdatedAt = time.Now()
	return nil
}
