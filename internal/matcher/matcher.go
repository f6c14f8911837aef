package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/instapool/internal/geo"
	"github.com/example/instapool/internal/models"
	"github.com/example/instapool/internal/notify"
	"github.com/example/instapool/internal/observability"
	"github.com/example/instapool/internal/pricing"
	"github.com/example/instapool/internal/storage"
)

// DefaultRadiusM is the pickup search radius around a ride's origin.
const DefaultRadiusM = 50_000

// notifyTimeout bounds a detached notification delivery, covering the
// full retry schedule of the configured notifier chain.
const notifyTimeout = 30 * time.Second

// PaymentHolder places a hold on a rider's payment method for the match
// cost. Optional; a nil holder skips the payment step.
type PaymentHolder interface {
	Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error)
}

// Service pairs posted rides with pending ride requests and drives the
// matching lifecycle.
type Service struct {
	Store    storage.Store
	Pricer   *pricing.Estimator
	Notifier notify.Notifier
	Payments PaymentHolder
	Logger   *slog.Logger
	RadiusM  float64

	notifyWG sync.WaitGroup
}

func NewService(store storage.Store, pricer *pricing.Estimator, notifier notify.Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:    store,
		Pricer:   pricer,
		Notifier: notifier,
		Logger:   logger,
		RadiusM:  DefaultRadiusM,
	}
}

// MatchRide finds pending requests whose pickup lies within the radius of
// the ride's origin and whose window overlaps the ride's window, creates a
// pending matching per new candidate and notifies each rider. It returns
// every matching currently associated with the ride. Requests that already
// have a matching for this ride are skipped, so a re-run creates no
// duplicates. Rider notifications are delivered off the calling goroutine
// and never delay the matching run.
func (s *Service) MatchRide(ctx context.Context, rideID string) ([]models.RideMatching, error) {
	started := time.Now()
	observability.MatchRunsTotal.Inc()

	ride, err := s.Store.RideByID(ctx, rideID)
	if err != nil {
		return nil, err
	}
	driver, err := s.Store.UserByID(ctx, ride.DriverID)
	if err != nil {
		return nil, fmt.Errorf("driver for ride %s: %w", rideID, err)
	}

	radius := s.RadiusM
	if radius <= 0 {
		radius = DefaultRadiusM
	}
	candidates, err := s.Store.RequestsNearWithinTime(ctx, ride.Origin, radius, ride.Start, ride.End)
	if err != nil {
		return nil, fmt.Errorf("candidate query for ride %s: %w", rideID, err)
	}
	observability.MatchCandidates.Observe(float64(len(candidates)))

	// ascending distance, then start time, for deterministic runs
	sort.Slice(candidates, func(i, j int) bool {
		di := geo.Distance(ride.Origin, candidates[i].Pickup)
		dj := geo.Distance(ride.Origin, candidates[j].Pickup)
		if di != dj {
			return di < dj
		}
		return candidates[i].Start.Before(candidates[j].Start)
	})

	var matchedRiders []string
	for _, req := range candidates {
		cost, err := s.Pricer.Estimate(req.Pickup, req.Destination)
		if err != nil {
			s.Logger.Warn("skipping candidate with bad coordinates", "request_id", req.ID, "error", err)
			continue
		}
		now := time.Now()
		m := &models.RideMatching{
			ID:        models.NewID(),
			DriverID:  ride.DriverID,
			RiderID:   req.UserID,
			RideID:    ride.ID,
			RequestID: req.ID,
			Cost:      cost,
			Status:    models.MatchPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		created, err := s.Store.CreateMatchingIfAbsent(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("create matching for request %s: %w", req.ID, err)
		}
		if !created {
			continue
		}
		observability.MatchingsCreated.Inc()
		matchedRiders = append(matchedRiders, req.UserID)
	}

	if len(matchedRiders) > 0 {
		s.background(ctx, func(nctx context.Context) {
			for _, riderID := range matchedRiders {
				s.notifyRider(nctx, riderID, driver)
			}
		})
	}

	observability.MatchLatency.Observe(time.Since(started).Seconds())
	return s.Store.MatchingsByRide(ctx, rideID, storage.StatusAny)
}

// background runs fn on its own goroutine with a context detached from
// the triggering request, so a slow or retrying delivery cannot hold up
// the caller. Flush waits for these to drain.
func (s *Service) background(ctx context.Context, fn func(context.Context)) {
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		fn(nctx)
	}()
}

// Flush blocks until in-flight notification deliveries finish. Called on
// shutdown so pending texts are not cut off mid-retry.
func (s *Service) Flush() {
	s.notifyWG.Wait()
}

// notifyRider sends the fixed-format match text. Delivery is best-effort:
// errors are logged and never surface to the matching run.
func (s *Service) notifyRider(ctx context.Context, riderID string, driver *models.User) {
	first := riderID
	if rider, err := s.Store.UserByID(ctx, riderID); err == nil {
		first = rider.FirstName
	}
	msg := fmt.Sprintf("%s, we have matched your ride with %s, please confirm your pool", first, driver.FirstName)
	if err := s.Notifier.SendText(ctx, riderID, msg); err != nil {
		observability.NotifyFailuresTotal.Inc()
		s.Logger.Warn("match notification failed", "rider_id", riderID, "error", err)
	}
}
