package models

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// Point is a geographic coordinate, ordered (longitude, latitude) in degrees.
type Point struct {
	Lon float64 `json:"longitude"`
	Lat float64 `json:"latitude"`
}

type User struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	ProfilePicture string `json:"profile_picture,omitempty"`
	PhoneNumber    string `json:"phone_number,omitempty"`
	Location       Point  `json:"location"`
}

// RideRequest is a rider's ask for transport. Start and End are derived from
// AtTime widened by the flex tolerances; records are immutable once created.
type RideRequest struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	AtTime      time.Time     `json:"at_time"`
	BeforeFlex  time.Duration `json:"before_flex"`
	AfterFlex   time.Duration `json:"after_flex"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Pickup      Point         `json:"pickup"`
	Destination Point         `json:"destination"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Ride is a driver-posted trip offer with a time window. Immutable once created.
type Ride struct {
	ID          string    `json:"id"`
	DriverID    string    `json:"driver_id"`
	Origin      Point     `json:"origin"`
	Destination Point     `json:"destination"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	CreatedAt   time.Time `json:"created_at"`
}

// MatchStatus is the lifecycle state of a RideMatching.
type MatchStatus string

const (
	MatchPending  MatchStatus = "pending"
	MatchAccepted MatchStatus = "accepted"
	MatchRejected MatchStatus = "rejected"
)

// Terminal reports whether no further transition is allowed from s.
func (s MatchStatus) Terminal() bool {
	return s == MatchAccepted || s == MatchRejected
}

// ParseMatchStatus maps a wire string to a MatchStatus; ok is false for
// anything outside the known set.
func ParseMatchStatus(v string) (MatchStatus, bool) {
	switch MatchStatus(strings.ToLower(strings.TrimSpace(v))) {
	case MatchPending:
		return MatchPending, true
	case MatchAccepted:
		return MatchAccepted, true
	case MatchRejected:
		return MatchRejected, true
	}
	return "", false
}

// RideMatching is a proposed pairing between a Ride and a RideRequest.
// Created pending by the matcher; the rider resolves it exactly once.
type RideMatching struct {
	ID         string      `json:"id"`
	DriverID   string      `json:"driver_id"`
	RiderID    string      `json:"rider_id"`
	RideID     string      `json:"ride_id"`
	RequestID  string      `json:"request_id"`
	Cost       float64     `json:"cost"`
	Status     MatchStatus `json:"status"`
	PaymentRef string      `json:"payment_ref,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// NewID returns an opaque 10-character hex token.
func NewID() string {
	b := make([]byte, 5)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NormalizeEmail lower-cases an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
