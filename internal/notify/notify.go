package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Notifier delivers a text/push message to a user. Best-effort: callers of
// state-changing operations never see these errors surfaced.
type Notifier interface {
	SendText(ctx context.Context, userID, message string) error
}

// SMSDispatcher posts JSON to an SMS provider HTTP endpoint.
type SMSDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewSMSDispatcher(endpoint, key string) *SMSDispatcher {
	return &SMSDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (s *SMSDispatcher) SendText(ctx context.Context, userID, message string) error {
	body := map[string]interface{}{"user_id": userID, "text": message}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Key != "" {
		req.Header.Set("Authorization", "Bearer "+s.Key)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms provider status %d", resp.StatusCode)
	}
	return nil
}

// Retrying wraps a Notifier with a small bounded retry and backoff. The
// loop sleeps between attempts, so callers must invoke it off any request
// path. After the attempts are exhausted the failure is logged and
// dropped; no delivery guarantee is made.
type Retrying struct {
	Next     Notifier
	Attempts int
	Delay    time.Duration
	Logger   *slog.Logger
}

func NewRetrying(next Notifier, attempts int, delay time.Duration, logger *slog.Logger) *Retrying {
	if attempts <= 0 {
		attempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{Next: next, Attempts: attempts, Delay: delay, Logger: logger}
}

func (r *Retrying) SendText(ctx context.Context, userID, message string) error {
	delay := r.Delay
	var err error
	for i := 0; i < r.Attempts; i++ {
		if err = r.Next.SendText(ctx, userID, message); err == nil {
			return nil
		}
		if i < r.Attempts-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
	}
	r.Logger.Warn("notification dropped", "user_id", userID, "attempts", r.Attempts, "error", err)
	return err
}

// Fanout tries each notifier in order and stops at the first success, so a
// live websocket session wins over the SMS provider.
type Fanout []Notifier

func (f Fanout) SendText(ctx context.Context, userID, message string) error {
	var err error
	for _, n := range f {
		if err = n.SendText(ctx, userID, message); err == nil {
			return nil
		}
	}
	return err
}

// Nop discards every message; used when no provider is configured.
type Nop struct{}

func (Nop) SendText(ctx context.Context, userID, message string) error { return nil }
