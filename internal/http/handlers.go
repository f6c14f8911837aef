package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/instapool/internal/config"
	"github.com/example/instapool/internal/geo"
	"github.com/example/instapool/internal/geocode"
	"github.com/example/instapool/internal/ingest"
	"github.com/example/instapool/internal/matcher"
	"github.com/example/instapool/internal/models"
	"github.com/example/instapool/internal/notify"
	"github.com/example/instapool/internal/payments"
	"github.com/example/instapool/internal/pricing"
	"github.com/example/instapool/internal/storage"
)

type Server struct {
	Store    storage.Store
	Matcher  *matcher.Service
	Notifier notify.Notifier
	Geocoder geocode.Geocoder
	GeoIndex *geo.RedisIndex
	Kafka    *ingest.KafkaProducer
	WSReg    *notify.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the full stack from config: store (postgres or memory),
// notifier chain (websocket first, then SMS, with bounded retry), optional
// kafka producer, redis geo index, geocoder and stripe payments.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	wsreg := notify.NewWSRegistry()
	chain := notify.Fanout{wsreg}
	if cfg.SMSEndpoint != "" {
		chain = append(chain, notify.NewSMSDispatcher(cfg.SMSEndpoint, cfg.SMSKey))
	}
	var notifier notify.Notifier = notify.NewRetrying(chain, cfg.NotifyAttempts, cfg.NotifyBackoff, logger)

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var index *geo.RedisIndex
	if cfg.RedisAddr != "" {
		index = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	}

	var coder geocode.Geocoder
	if cfg.MapsAPIKey != "" {
		gc, err := geocode.NewGoogleGeocoder(cfg.MapsAPIKey)
		if err != nil {
			return nil, err
		}
		coder = gc
	}

	m := matcher.NewService(store, pricing.NewEstimator(cfg.CostPerKM), notifier, logger)
	m.RadiusM = cfg.MatchRadiusM
	if cfg.StripeKey != "" {
		m.Payments = payments.NewStripeClient(cfg.StripeKey)
	}

	s := &Server{
		Store:    store,
		Matcher:  m,
		Notifier: notifier,
		Geocoder: coder,
		GeoIndex: index,
		Kafka:    kp,
		WSReg:    wsreg,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.routes()
	return s, nil
}

// newTestServer wires the handlers against the given collaborators without
// any external backends. Used by the package tests.
func newTestServer(store storage.Store, m *matcher.Service, logger *slog.Logger) *Server {
	s := &Server{
		Store:    store,
		Matcher:  m,
		Notifier: m.Notifier,
		WSReg:    notify.NewWSRegistry(),
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.registerMiddleware()
	s.mux.HandleFunc("/api/v1/users", s.handleRegisterUser).Methods("POST")
	s.mux.HandleFunc("/api/v1/users/{email}", s.handleGetUser).Methods("GET")
	s.mux.HandleFunc("/api/v1/users/{email}/location", s.handleUpdateLocation).Methods("PUT")
	s.mux.HandleFunc("/api/v1/users/{email}/requests", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/users/{email}/requests", s.handleListRequests).Methods("GET")
	s.mux.HandleFunc("/api/v1/users/{email}/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/users/{email}/rides", s.handleListRides).Methods("GET")
	s.mux.HandleFunc("/api/v1/users/{email}/rides/{ride_id}/match", s.handleMatchRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/users/{email}/rides/{ride_id}/match", s.handleListRideMatches).Methods("GET")
	s.mux.HandleFunc("/api/v1/users/{email}/rides/{ride_id}/match/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/users/{email}/rides/{ride_id}/match/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/users/{email}/matches/rider", s.handleRiderMatches).Methods("GET")
	s.mux.HandleFunc("/api/v1/users/{email}/matches/driver", s.handleDriverMatches).Methods("GET")
	s.mux.HandleFunc("/api/v1/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type registerPayload struct {
	Email          string `json:"email"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	ProfilePicture string `json:"profile_picture"`
	PhoneNumber    string `json:"phone_number"`
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var p registerPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.Email == "" || p.FirstName == "" || p.LastName == "" {
		http.Error(w, "email, first_name and last_name are required", http.StatusBadRequest)
		return
	}
	u := &models.User{
		ID:             models.NewID(),
		Email:          models.NormalizeEmail(p.Email),
		FirstName:      p.FirstName,
		LastName:       p.LastName,
		ProfilePicture: p.ProfilePicture,
		PhoneNumber:    p.PhoneNumber,
	}
	if err := s.Store.CreateUser(r.Context(), u); err != nil {
		s.writeError(w, r, err)
		return
	}
	// welcome text, best-effort and off the request path
	if s.Notifier != nil {
		msg := fmt.Sprintf("Hey %s, thank you for registering on InstaPool!", capitalize(u.FirstName))
		nctx := context.WithoutCancel(r.Context())
		go func() {
			if err := s.Notifier.SendText(nctx, u.ID, msg); err != nil {
				s.logger.Warn("welcome text failed", "user_id", u.ID, "error", err)
			}
		}()
	}
	s.writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.Store.UserByEmail(r.Context(), mux.Vars(r)["email"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, u)
}

type locationPayload struct {
	Location models.Point `json:"location"`
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	u, err := s.Store.UserByEmail(r.Context(), mux.Vars(r)["email"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var p locationPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := geo.Validate(p.Location); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Store.UpdateUserLocation(r.Context(), u.ID, p.Location); err != nil {
		s.writeError(w, r, err)
		return
	}
	// feed the location pipeline, best-effort
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(u.ID, p.Location); err != nil {
			s.logger.Warn("location publish failed", "user_id", u.ID, "error", err)
		}
	} else if s.GeoIndex != nil {
		if err := s.GeoIndex.Upsert(r.Context(), u.ID, p.Location); err != nil {
			s.logger.Warn("geo index update failed", "user_id", u.ID, "error", err)
		}
	}
	u.Location = p.Location
	s.writeJSON(w, http.StatusOK, u)
}

type createRequestPayload struct {
	Time        float64      `json:"time"`        // unix seconds
	BeforeFlex  float64      `json:"before_flex"` // seconds
	AfterFlex   float64      `json:"after_flex"`  // seconds
	Location    models.Point `json:"location"`
	Destination models.Point `json:"destination"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	u, err := s.Store.UserByEmail(r.Context(), mux.Vars(r)["email"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var p createRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.BeforeFlex < 0 || p.AfterFlex < 0 {
		http.Error(w, "flex durations must be non-negative", http.StatusBadRequest)
		return
	}
	if err := geo.Validate(p.Location); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := geo.Validate(p.Destination); err != nil {
		s.writeError(w, r, err)
		return
	}
	at := unixTime(p.Time)
	before := secsDuration(p.BeforeFlex)
	after := secsDuration(p.AfterFlex)
	req := &models.RideRequest{
		ID:          models.NewID(),
		UserID:      u.ID,
		AtTime:      at,
		BeforeFlex:  before,
		AfterFlex:   after,
		Start:       at.Add(-before),
		End:         at.Add(after),
		Pickup:      p.Location,
		Destination: p.Destination,
		CreatedAt:   time.Now(),
	}
	if err := s.Store.CreateRequest(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	u, err := s.Store.UserByEmail(r.Context(), mux.Vars(r)["email"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reqs, err := s.Store.RequestsByUser(r.Context(), u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reqs)
}

type createRidePayload struct {
	Start       float64      `json:"start"` // unix seconds
	End         float64      `json:"end"`
	Location    models.Point `json:"location"` // origin
	Destination models.Point `json:"destination"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	u, err := s.Store.UserByEmail(r.Context(), mux.Vars(r)["email"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var p createRidePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.End < p.Start {
		http.Error(w, "ride end must not precede start", http.StatusBadRequest)
		return
	}
	if err := geo.Validate(p.Location); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := geo.Validate(p.Destination); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride := &models.Ride{
		ID:          models.NewID(),
		DriverID:    u.ID,
		Origin:      p.Location,
		Destination: p.Destination,
		Start:       unixTime(p.Start),
		End:         unixTime(p.End),
		CreatedAt:   time.Now(),
	}
	if err := s.Store.CreateRide(r.Context(), ride); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	u, err := s.Store.UserByEmail(r.Context(), mux.Vars(r)["email"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rides, err := s.Store.RidesByUser(r.Context(), u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rides)
}

// rideForDriver resolves {email} and {ride_id} and checks the ride belongs
// to the user.
func (s *Server) rideForDriver(r *http.Request) (*models.Ride, error) {
	vars := mux.Vars(r)
	u, err := s.Store.UserByEmail(r.Context(), vars["email"])
	if err != nil {
		return nil, err
	}
	ride, err := s.Store.RideByID(r.Context(), vars["ride_id"])
	if err != nil {
		return nil, err
	}
	if ride.DriverID != u.ID {
		return nil, fmt.Errorf("ride %s for user %s: %w", ride.ID, u.ID, storage.ErrNotFound)
	}
	return ride, nil
}

func (s *Server) handleMatchRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rideForDriver(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	matches, err := s.Matcher.MatchRide(r.Context(), ride.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleListRideMatches(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, err := s.Store.UserByEmail(r.Context(), vars["email"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Store.RideByID(r.Context(), vars["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, ok := statusFilter(r)
	if !ok {
		http.Error(w, "unknown status filter", http.StatusBadRequest)
		return
	}
	matches, err := s.Store.MatchingsByRide(r.Context(), ride.ID, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleRiderMatches(w http.ResponseWriter, r *http.Request) {
	u, err := s.Store.UserByEmail(r.Context(), mux.Vars(r)["email"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, ok := statusFilter(r)
	if !ok {
		http.Error(w, "unknown status filter", http.StatusBadRequest)
		return
	}
	matches, err := s.Store.MatchingsByRider(r.Context(), u.ID, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleDriverMatches(w http.ResponseWriter, r *http.Request) {
	u, err := s.Store.UserByEmail(r.Context(), mux.Vars(r)["email"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, ok := statusFilter(r)
	if !ok {
		http.Error(w, "unknown status filter", http.StatusBadRequest)
		return
	}
	matches, err := s.Store.MatchingsByDriver(r.Context(), u.ID, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, matches)
}

// resolveMatching finds the matching addressed by (ride, acting user) the
// way clients address it on the wire; the lifecycle itself operates on the
// matching id.
func (s *Server) resolveMatching(r *http.Request) (*models.RideMatching, *models.User, error) {
	vars := mux.Vars(r)
	u, err := s.Store.UserByEmail(r.Context(), vars["email"])
	if err != nil {
		return nil, nil, err
	}
	m, err := s.Store.MatchingByRideAndRider(r.Context(), vars["ride_id"], u.ID)
	if err != nil {
		return nil, nil, err
	}
	return m, u, nil
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	m, u, err := s.resolveMatching(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.Matcher.Accept(r.Context(), m.ID, u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	m, u, err := s.resolveMatching(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.Matcher.Reject(r.Context(), m.ID, u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

type nearbyEntry struct {
	UserID    string       `json:"user_id"`
	Location  models.Point `json:"location"`
	DistanceM float64      `json:"distance_m"`
	Address   string       `json:"address,omitempty"`
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	if s.GeoIndex == nil {
		http.Error(w, "geo index not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	lon, err1 := strconv.ParseFloat(q.Get("longitude"), 64)
	lat, err2 := strconv.ParseFloat(q.Get("latitude"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "longitude and latitude are required", http.StatusBadRequest)
		return
	}
	radius := 5000.0
	if v := q.Get("radius_m"); v != "" {
		if radius, err1 = strconv.ParseFloat(v, 64); err1 != nil {
			http.Error(w, "invalid radius_m", http.StatusBadRequest)
			return
		}
	}
	neighbors, err := s.GeoIndex.Nearby(r.Context(), models.Point{Lon: lon, Lat: lat}, radius, 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]nearbyEntry, 0, len(neighbors))
	for _, n := range neighbors {
		e := nearbyEntry{UserID: n.UserID, Location: n.Location, DistanceM: n.DistanceM}
		if s.Geocoder != nil {
			if addr, err := s.Geocoder.Reverse(r.Context(), n.Location); err == nil {
				e.Address = addr
			}
		}
		out = append(out, e)
	}
	s.writeJSON(w, http.StatusOK, out)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
	// read pump: no client frames are expected, but reading is what
	// surfaces close frames and dead connections
	go func() {
		defer func() {
			s.WSReg.Remove(id)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrDuplicate):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, matcher.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, geo.ErrInvalidCoordinate):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// capitalize upper-cases the first letter and lowers the rest, so "dana"
// and "DANA" both greet as "Dana".
func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func statusFilter(r *http.Request) (models.MatchStatus, bool) {
	v := r.URL.Query().Get("status")
	if v == "" {
		return storage.StatusAny, true
	}
	return models.ParseMatchStatus(v)
}

func unixTime(secs float64) time.Time {
	return time.Unix(0, int64(secs*float64(time.Second)))
}

func secsDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
