package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/example/instapool/internal/models"
	"github.com/example/instapool/internal/observability"
	"github.com/example/instapool/internal/storage"
)

// ErrInvalidTransition reports an accept/reject call against a matching
// that is no longer pending. pending -> {accepted, rejected} is the only
// allowed transition and both targets are terminal.
var ErrInvalidTransition = errors.New("invalid state transition")

// Accept resolves a pending matching in the rider's favor. Only the
// matching's rider may accept. After the status write commits a payment
// hold is placed best-effort and the driver is notified off the calling
// goroutine.
func (s *Service) Accept(ctx context.Context, matchingID, actingUserID string) (*models.RideMatching, error) {
	m, err := s.resolve(ctx, matchingID, actingUserID, models.MatchAccepted)
	if err != nil {
		return nil, err
	}
	observability.MatchesAccepted.Inc()
	s.holdPayment(ctx, m)
	s.background(ctx, func(nctx context.Context) { s.notifyDriver(nctx, m) })
	return m, nil
}

// Reject resolves a pending matching against the offer. The record is
// retained with status rejected for audit; it is never deleted.
func (s *Service) Reject(ctx context.Context, matchingID, actingUserID string) (*models.RideMatching, error) {
	m, err := s.resolve(ctx, matchingID, actingUserID, models.MatchRejected)
	if err != nil {
		return nil, err
	}
	observability.MatchesRejected.Inc()
	return m, nil
}

func (s *Service) resolve(ctx context.Context, matchingID, actingUserID string, to models.MatchStatus) (*models.RideMatching, error) {
	m, err := s.Store.MatchingByID(ctx, matchingID)
	if err != nil {
		return nil, err
	}
	if m.RiderID != actingUserID {
		return nil, fmt.Errorf("matching %s for user %s: %w", matchingID, actingUserID, storage.ErrNotFound)
	}
	updated, err := s.Store.SetMatchingStatus(ctx, matchingID, models.MatchPending, to)
	if errors.Is(err, storage.ErrConflict) {
		return nil, fmt.Errorf("matching %s already %s: %w", matchingID, m.Status, ErrInvalidTransition)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// holdPayment places a manual-capture hold for the match cost. Failures are
// logged; the already-committed accept is never rolled back.
func (s *Service) holdPayment(ctx context.Context, m *models.RideMatching) {
	if s.Payments == nil {
		return
	}
	cents := int64(math.Round(m.Cost * 100))
	if cents <= 0 {
		return
	}
	ref, err := s.Payments.Hold(ctx, cents, "usd", m.RiderID)
	if err != nil {
		s.Logger.Warn("payment hold failed", "matching_id", m.ID, "error", err)
		return
	}
	if err := s.Store.SetMatchingPayment(ctx, m.ID, ref); err != nil {
		s.Logger.Warn("recording payment ref failed", "matching_id", m.ID, "error", err)
		return
	}
	m.PaymentRef = ref
}

func (s *Service) notifyDriver(ctx context.Context, m *models.RideMatching) {
	riderName := m.RiderID
	if rider, err := s.Store.UserByID(ctx, m.RiderID); err == nil {
		riderName = rider.FirstName
	}
	msg := fmt.Sprintf("%s accepted your pool offer", riderName)
	if err := s.Notifier.SendText(ctx, m.DriverID, msg); err != nil {
		observability.NotifyFailuresTotal.Inc()
		s.Logger.Warn("accept notification failed", "driver_id", m.DriverID, "error", err)
	}
}
