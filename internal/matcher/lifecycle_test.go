package matcher

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/instapool/internal/models"
	"github.com/example/instapool/internal/storage"
)

type fakePayments struct {
	mu    sync.Mutex
	holds []int64
	fail  bool
}

func (f *fakePayments) Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", assert.AnError
	}
	f.holds = append(f.holds, amountCents)
	return "pi_test_123", nil
}

func pendingMatching(t *testing.T, f *fixture) *models.RideMatching {
	t.Helper()
	req := f.addRequest(t, models.Point{Lon: -76.95, Lat: 38.97}, 1500, 1600)
	got, err := f.svc.MatchRide(context.Background(), f.ride.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	m := got[0]
	require.Equal(t, req.UserID, m.RiderID)
	return &m
}

func TestAcceptTransitionsAndHoldsPayment(t *testing.T) {
	f := newFixture(t)
	payments := &fakePayments{}
	f.svc.Payments = payments
	m := pendingMatching(t, f)

	got, err := f.svc.Accept(context.Background(), m.ID, m.RiderID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchAccepted, got.Status)
	assert.Equal(t, "pi_test_123", got.PaymentRef)
	require.Len(t, payments.holds, 1)
	assert.Equal(t, int64(math.Round(m.Cost*100)), payments.holds[0], "hold amount is the match cost in cents")
}

func TestAcceptPaymentFailureDoesNotUndoAccept(t *testing.T) {
	f := newFixture(t)
	f.svc.Payments = &fakePayments{fail: true}
	m := pendingMatching(t, f)

	got, err := f.svc.Accept(context.Background(), m.ID, m.RiderID)
	require.NoError(t, err, "payment is best-effort after the commit")
	assert.Equal(t, models.MatchAccepted, got.Status)
	assert.Empty(t, got.PaymentRef)
}

func TestRejectRetainsRecord(t *testing.T) {
	f := newFixture(t)
	m := pendingMatching(t, f)

	got, err := f.svc.Reject(context.Background(), m.ID, m.RiderID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchRejected, got.Status)

	// record is kept for audit, never deleted
	kept, err := f.store.MatchingByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchRejected, kept.Status)
}

func TestResolvedMatchingRefusesFurtherTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := pendingMatching(t, f)

	_, err := f.svc.Reject(ctx, m.ID, m.RiderID)
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, m.ID, m.RiderID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.Reject(ctx, m.ID, m.RiderID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// unchanged
	kept, err := f.store.MatchingByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchRejected, kept.Status)
}

func TestAcceptReturnsBeforeDriverNotification(t *testing.T) {
	f := newFixture(t)
	m := pendingMatching(t, f)
	f.svc.Flush()

	stuck := &stuckNotifier{release: make(chan struct{}), sent: make(chan string, 1)}
	f.svc.Notifier = stuck

	// delivery is still blocked here; an in-band send would hang this call
	got, err := f.svc.Accept(context.Background(), m.ID, m.RiderID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchAccepted, got.Status)

	close(stuck.release)
	select {
	case id := <-stuck.sent:
		assert.Equal(t, m.DriverID, id, "the accept text goes to the driver")
	case <-time.After(time.Second):
		t.Fatal("driver notification never completed after release")
	}
	f.svc.Flush()
}

func TestAcceptByNonRiderIsNotFound(t *testing.T) {
	f := newFixture(t)
	m := pendingMatching(t, f)

	_, err := f.svc.Accept(context.Background(), m.ID, f.driver.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	kept, err := f.store.MatchingByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchPending, kept.Status)
}

func TestAcceptUnknownMatching(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Accept(context.Background(), "missing", "whoever")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConcurrentAcceptsExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := pendingMatching(t, f)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Accept(ctx, m.ID, m.RiderID)
		}(i)
	}
	wg.Wait()

	wins, losses := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			assert.ErrorIs(t, err, ErrInvalidTransition)
			losses++
		}
	}
	assert.Equal(t, 1, wins, "exactly one accept must win")
	assert.Equal(t, n-1, losses)
}
