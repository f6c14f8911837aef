package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/instapool/internal/ingest"
	"github.com/example/instapool/internal/models"
)

// fakeIndex implements upserter for tests
type fakeIndex struct {
	failures int
	calls    int
	last     models.Point
}

func (f *fakeIndex) Upsert(ctx context.Context, userID string, p models.Point) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("index fail")
	}
	f.last = p
	return nil
}

func TestUpdateIndexWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeIndex{failures: 2}
	upd := ingest.LocationUpdate{UserID: "u1", Location: models.Point{Lon: -76.94, Lat: 38.98}}
	start := time.Now()
	if err := updateIndexWithRetry(context.Background(), f, upd, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected retries, got calls=%d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.last != upd.Location {
		t.Fatalf("location not written: %+v", f.last)
	}
}

func TestUpdateIndexWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeIndex{failures: 5}
	upd := ingest.LocationUpdate{UserID: "u1", Location: models.Point{Lon: 1, Lat: 2}}
	if err := updateIndexWithRetry(context.Background(), f, upd, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", f.calls)
	}
}
