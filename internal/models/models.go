package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects NaN and out-of-range coordinates.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: coordinates out of range (%f,%f)", ErrInvalidInput, p.Lat, p.Lng)
	}
	return nil
}

type Category string

const (
	CategoryEconomy Category = "economy"
	CategoryPremium Category = "premium"
	CategoryPooled  Category = "pooled"
)

var categoryVehicles = map[Category][]string{
	CategoryEconomy: {"hatchback", "sedan"},
	CategoryPremium: {"suv", "luxury"},
	CategoryPooled:  {"hatchback", "sedan", "suv"},
}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := categoryVehicles[c]; !ok {
		return "", fmt.Errorf("%w: unsupported category %q", ErrInvalidInput, s)
	}
	return c, nil
}

// Accepts reports whether a vehicle type can serve rides of this category.
func (c Category) Accepts(vehicleType string) bool {
	vt := strings.ToLower(vehicleType)
	for _, v := range categoryVehicles[c] {
		if v == vt {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentWallet PaymentMethod = "wallet"
)

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(strings.ToLower(s)); m {
	case "":
		return PaymentCash, nil
	case PaymentCash, PaymentCard, PaymentWallet:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unsupported payment method %q", ErrInvalidInput, s)
	}
}

type Availability string

const (
	AvailabilityOffline Availability = "offline"
	AvailabilityOnline  Availability = "online"
	AvailabilityBusy    Availability = "busy"
)

func ParseAvailability(s string) (Availability, error) {
	switch a := Availability(s); a {
	case AvailabilityOffline, AvailabilityOnline, AvailabilityBusy:
		return a, nil
	default:
		return "", fmt.Errorf("%w: invalid availability %q", ErrInvalidInput, s)
	}
}

type Verification string

const (
	VerificationPending  Verification = "pending"
	VerificationVerified Verification = "verified"
	VerificationRejected Verification = "rejected"
)

func ParseVerification(s string) (Verification, error) {
	switch v := Verification(s); v {
	case VerificationPending, VerificationVerified, VerificationRejected:
		return v, nil
	default:
		return "", fmt.Errorf("%w: invalid verification %q", ErrInvalidInput, s)
	}
}

type Vehicle struct {
	Type  string `json:"type"`
	Brand string `json:"brand,omitempty"`
	Model string `json:"model,omitempty"`
	Plate string `json:"plate,omitempty"`
}

// DriverPresence is the soft state a driver publishes through heartbeats.
type DriverPresence struct {
	DriverID     string       `json:"driver_id"`
	Loc          Point        `json:"loc"`
	Availability Availability `json:"availability"`
	Verification Verification `json:"verification"`
	Vehicle      Vehicle      `json:"vehicle"`
	Updated      time.Time    `json:"updated"`
}

// Eligible reports whether the driver may be offered a ride of category c.
func (d DriverPresence) Eligible(c Category) bool {
	return d.Availability == AvailabilityOnline &&
		d.Verification == VerificationVerified &&
		c.Accepts(d.Vehicle.Type)
}

type Outcome string

const (
	OutcomeNone     Outcome = "none"
	OutcomeAccepted Outcome = "accepted"
	OutcomeTimeout  Outcome = "timeout"
)

type Candidate struct {
	DriverID    string     `json:"driver_id"`
	DistanceM   float64    `json:"distance_m"`
	NotifiedAt  time.Time  `json:"notified_at"`
	Responded   bool       `json:"responded"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	Outcome     Outcome    `json:"outcome"`
}

type Ride struct {
	ID            string        `json:"id"`
	PassengerID   string        `json:"passenger_id"`
	DriverID      string        `json:"driver_id,omitempty"`
	Pickup        Point         `json:"pickup"`
	Dropoff       Point         `json:"dropoff"`
	Category      Category      `json:"category"`
	Status        Status        `json:"status"`
	Version       int64         `json:"version"`
	Fare          int64         `json:"fare"`
	Currency      string        `json:"currency"`
	Surge         float64       `json:"surge_multiplier"`
	DistanceKm    float64       `json:"distance_km"`
	DurationMin   float64       `json:"duration_min"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	StartOTP      string        `json:"-"`
	OTPExpiry     *time.Time    `json:"-"`
	Candidates    []Candidate   `json:"candidates,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so callers never share candidate slices.
func (r *Ride) Clone() *Ride {
	cp := *r
	if r.OTPExpiry != nil {
		t := *r.OTPExpiry
		cp.OTPExpiry = &t
	}
	cp.Candidates = make([]Candidate, len(r.Candidates))
	copy(cp.Candidates, r.Candidates)
	for i := range cp.Candidates {
		if at := cp.Candidates[i].RespondedAt; at != nil {
			t := *at
			cp.Candidates[i].RespondedAt = &t
		}
	}
	return &cp
}

// FindCandidate returns the candidate record for driverID, if any.
func (r *Ride) FindCandidate(driverID string) (Candidate, bool) {
	for _, c := range r.Candidates {
		if c.DriverID == driverID {
			return c, true
		}
	}
	return Candidate{}, false
}

// ResolveCandidates marks the winner accepted and every other unanswered
// candidate as timed out.
func (r *Ride) ResolveCandidates(winnerID string, at time.Time) {
	for i := range r.Candidates {
		c := &r.Candidates[i]
		if c.DriverID == winnerID {
			c.Responded = true
			c.RespondedAt = &at
			c.Outcome = OutcomeAccepted
			continue
		}
		if !c.Responded {
			c.Responded = true
			c.RespondedAt = &at
			c.Outcome = OutcomeTimeout
		}
	}
}

type PaymentRecord struct {
	RideID            string        `json:"ride_id"`
	PayerID           string        `json:"payer_id"`
	PayeeID           string        `json:"payee_id"`
	Amount            int64         `json:"amount"`
	Currency          string        `json:"currency"`
	Method            PaymentMethod `json:"method"`
	Provider          string        `json:"provider"`
	ProviderPaymentID string        `json:"provider_payment_id,omitempty"`
	Status            string        `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Rating is a passenger's score for the driver of a completed ride. A ride
// has at most one.
type Rating struct {
	RideID      string    `json:"ride_id"`
	PassengerID string    `json:"passenger_id"`
	DriverID    string    `json:"driver_id"`
	Stars       int       `json:"stars"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r Rating) Validate() error {
	if r.Stars < 1 || r.Stars > 5 {
		return fmt.Errorf("%w: stars must be between 1 and 5", ErrInvalidInput)
	}
	if len(r.Comment) > 500 {
		return fmt.Errorf("%w: comment longer than 500 bytes", ErrInvalidInput)
	}
	return nil
}

// DriverScore summarises a driver's ratings.
type DriverScore struct {
	DriverID string  `json:"driver_id"`
	Average  float64 `json:"average"`
	Count    int     `json:"count"`
}
