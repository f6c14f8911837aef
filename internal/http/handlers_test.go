package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/instapool/internal/matcher"
	"github.com/example/instapool/internal/models"
	"github.com/example/instapool/internal/notify"
	"github.com/example/instapool/internal/pricing"
	"github.com/example/instapool/internal/storage"
)

func testServer() (*Server, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := matcher.NewService(store, pricing.NewEstimator(0.4), notify.Nop{}, logger)
	return newTestServer(store, m, logger), store
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func registerUser(t *testing.T, s *Server, email string) models.User {
	t.Helper()
	rec := doJSON(t, s, "POST", "/api/v1/users", map[string]string{
		"email": email, "first_name": "Jane", "last_name": "Doe",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status %d body %s", rec.Code, rec.Body.String())
	}
	var u models.User
	if err := json.Unmarshal(rec.Body.Bytes(), &u); err != nil {
		t.Fatal(err)
	}
	return u
}

func TestRegisterAndGetUser(t *testing.T) {
	s, _ := testServer()
	u := registerUser(t, s, "Jane.Doe@Example.com")
	if u.Email != "jane.doe@example.com" {
		t.Fatalf("email not normalized: %q", u.Email)
	}
	if len(u.ID) != 10 {
		t.Fatalf("expected 10-char id, got %q", u.ID)
	}

	rec := doJSON(t, s, "GET", "/api/v1/users/JANE.DOE@example.com", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}

	rec = doJSON(t, s, "GET", "/api/v1/users/nobody@example.com", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	s, _ := testServer()
	registerUser(t, s, "a@b.c")
	rec := doJSON(t, s, "POST", "/api/v1/users", map[string]string{
		"email": "A@B.C", "first_name": "X", "last_name": "Y",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestUpdateLocationValidatesCoordinates(t *testing.T) {
	s, store := testServer()
	u := registerUser(t, s, "a@b.c")

	rec := doJSON(t, s, "PUT", "/api/v1/users/a@b.c/location", map[string]interface{}{
		"location": map[string]float64{"longitude": -76.94, "latitude": 38.98},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	got, err := store.UserByID(context.Background(), u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Location.Lon != -76.94 || got.Location.Lat != 38.98 {
		t.Fatalf("location not stored: %+v", got.Location)
	}

	rec = doJSON(t, s, "PUT", "/api/v1/users/a@b.c/location", map[string]interface{}{
		"location": map[string]float64{"longitude": 999, "latitude": 0},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad coordinates, got %d", rec.Code)
	}
}

func TestCreateRequestDerivesWindow(t *testing.T) {
	s, _ := testServer()
	registerUser(t, s, "rider@x.y")

	rec := doJSON(t, s, "POST", "/api/v1/users/rider@x.y/requests", map[string]interface{}{
		"time": 1500, "before_flex": 100, "after_flex": 200,
		"location":    map[string]float64{"longitude": -76.95, "latitude": 38.97},
		"destination": map[string]float64{"longitude": -77.04, "latitude": 38.90},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var req models.RideRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &req); err != nil {
		t.Fatal(err)
	}
	if req.Start.Unix() != 1400 || req.End.Unix() != 1700 {
		t.Fatalf("window [%d, %d], want [1400, 1700]", req.Start.Unix(), req.End.Unix())
	}

	rec = doJSON(t, s, "POST", "/api/v1/users/rider@x.y/requests", map[string]interface{}{
		"time": 1500, "before_flex": -5, "after_flex": 0,
		"location":    map[string]float64{"longitude": 0, "latitude": 0},
		"destination": map[string]float64{"longitude": 1, "latitude": 1},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative flex must be rejected, got %d", rec.Code)
	}
}

func TestMatchAcceptFlow(t *testing.T) {
	s, _ := testServer()
	registerUser(t, s, "driver@x.y")
	registerUser(t, s, "rider@x.y")

	rec := doJSON(t, s, "POST", "/api/v1/users/rider@x.y/requests", map[string]interface{}{
		"time": 1550, "before_flex": 50, "after_flex": 50,
		"location":    map[string]float64{"longitude": -76.95, "latitude": 38.97},
		"destination": map[string]float64{"longitude": -77.04, "latitude": 38.90},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("request: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, "POST", "/api/v1/users/driver@x.y/rides", map[string]interface{}{
		"start": 1000, "end": 2000,
		"location":    map[string]float64{"longitude": -76.94, "latitude": 38.98},
		"destination": map[string]float64{"longitude": -77.04, "latitude": 38.90},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("ride: %d %s", rec.Code, rec.Body.String())
	}
	var ride models.Ride
	if err := json.Unmarshal(rec.Body.Bytes(), &ride); err != nil {
		t.Fatal(err)
	}

	matchPath := fmt.Sprintf("/api/v1/users/driver@x.y/rides/%s/match", ride.ID)
	rec = doJSON(t, s, "POST", matchPath, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("match: %d %s", rec.Code, rec.Body.String())
	}
	var matches []models.RideMatching
	if err := json.Unmarshal(rec.Body.Bytes(), &matches); err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Status != models.MatchPending {
		t.Fatalf("expected one pending matching, got %+v", matches)
	}

	acceptPath := fmt.Sprintf("/api/v1/users/rider@x.y/rides/%s/match/accept", ride.ID)
	rec = doJSON(t, s, "POST", acceptPath, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body.String())
	}
	var accepted models.RideMatching
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatal(err)
	}
	if accepted.Status != models.MatchAccepted {
		t.Fatalf("expected accepted, got %s", accepted.Status)
	}

	// second resolution attempt conflicts
	rejectPath := fmt.Sprintf("/api/v1/users/rider@x.y/rides/%s/match/reject", ride.ID)
	rec = doJSON(t, s, "POST", rejectPath, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on re-resolution, got %d", rec.Code)
	}

	// rider sees the accepted matching in their feed
	rec = doJSON(t, s, "GET", "/api/v1/users/rider@x.y/matches/rider?status=accepted", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rider matches: %d", rec.Code)
	}
	var feed []models.RideMatching
	if err := json.Unmarshal(rec.Body.Bytes(), &feed); err != nil {
		t.Fatal(err)
	}
	if len(feed) != 1 {
		t.Fatalf("expected 1 accepted matching, got %d", len(feed))
	}
}

func TestMatchRideRequiresOwnership(t *testing.T) {
	s, _ := testServer()
	registerUser(t, s, "driver@x.y")
	registerUser(t, s, "other@x.y")

	rec := doJSON(t, s, "POST", "/api/v1/users/driver@x.y/rides", map[string]interface{}{
		"start": 1000, "end": 2000,
		"location":    map[string]float64{"longitude": 0, "latitude": 0},
		"destination": map[string]float64{"longitude": 1, "latitude": 1},
	})
	var ride models.Ride
	if err := json.Unmarshal(rec.Body.Bytes(), &ride); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, s, "POST", fmt.Sprintf("/api/v1/users/other@x.y/rides/%s/match", ride.ID), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for non-owner, got %d", rec.Code)
	}
}

type captureNotifier struct {
	texts chan string
}

func (n *captureNotifier) SendText(ctx context.Context, userID, message string) error {
	n.texts <- message
	return nil
}

func TestWelcomeTextCapitalizesFirstName(t *testing.T) {
	s, _ := testServer()
	capture := &captureNotifier{texts: make(chan string, 1)}
	s.Notifier = capture

	rec := doJSON(t, s, "POST", "/api/v1/users", map[string]string{
		"email": "dana@x.y", "first_name": "dana", "last_name": "doe",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	select {
	case msg := <-capture.texts:
		if msg != "Hey Dana, thank you for registering on InstaPool!" {
			t.Fatalf("unexpected welcome text %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("welcome text never sent")
	}
}

func TestCapitalize(t *testing.T) {
	cases := map[string]string{
		"dana":   "Dana",
		"DANA":   "Dana",
		"élodie": "Élodie",
		"":       "",
	}
	for in, want := range cases {
		if got := capitalize(in); got != want {
			t.Errorf("capitalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWSDisconnectRemovesSession(t *testing.T) {
	s, _ := testServer()
	srv := httptest.NewServer(s)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/u1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}

	// session is live: a send reaches the client
	if err := s.WSReg.SendText(context.Background(), "u1", "hi"); err != nil {
		t.Fatal(err)
	}
	if _, msg, err := conn.ReadMessage(); err != nil || !strings.Contains(string(msg), "hi") {
		t.Fatalf("read %q, err %v", msg, err)
	}

	conn.Close()

	// the read pump notices the drop and clears the registry
	deadline := time.Now().Add(time.Second)
	for {
		err := s.WSReg.SendText(context.Background(), "u1", "again")
		if errors.Is(err, notify.ErrNoSession) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session not removed after disconnect, last err: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStatusFilterRejectsUnknownValue(t *testing.T) {
	s, _ := testServer()
	registerUser(t, s, "a@b.c")
	rec := doJSON(t, s, "GET", "/api/v1/users/a@b.c/matches/rider?status=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
