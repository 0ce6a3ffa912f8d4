package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const DefaultTTL = 10 * time.Minute

var codeSpace = big.NewInt(10000)

// Generate returns a 4-digit code drawn from crypto/rand.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

type Rides interface {
	Get(ctx context.Context, rideID string) (*models.Ride, error)
	Start(ctx context.Context, rideID, driverID, code string, now time.Time) (*models.Ride, bool, error)
}

// Gate checks a driver's start code and starts the ride.
type Gate struct {
	Rides Rides
	Now   func() time.Time
}

func NewGate(r Rides) *Gate {
	return &Gate{Rides: r, Now: time.Now}
}

// VerifyAndStart validates code for driverID and moves the ride to started.
// The code is consumed by the same conditional write that starts the ride,
// so it can succeed once at most.
func (g *Gate) VerifyAndStart(ctx context.Context, rideID, driverID, code string) (*models.Ride, error) {
	now := g.Now()
	r, err := g.Rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := check(r, driverID, code, now); err != nil {
		return nil, err
	}
	started, ok, err := g.Rides.Start(ctx, rideID, driverID, code, now)
	if err != nil {
		return nil, err
	}
	if ok {
		return started, nil
	}
	// lost a race; classify against the state that won
	r, err = g.Rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := check(r, driverID, code, now); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrConflict)
}

func check(r *models.Ride, driverID, code string, now time.Time) error {
	if r.DriverID == "" || r.DriverID != driverID {
		return fmt.Errorf("ride %s: %w", r.ID, models.ErrForbidden)
	}
	switch r.Status {
	case models.StatusAccepted:
	case models.StatusStarted, models.StatusCompleted:
		// the code was already used
		return fmt.Errorf("ride %s: %w", r.ID, models.ErrInvalidCode)
	default:
		return fmt.Errorf("ride %s is %s: %w", r.ID, r.Status, models.ErrConflict)
	}
	if r.StartOTP == "" || subtle.ConstantTimeCompare([]byte(r.StartOTP), []byte(code)) != 1 {
		return fmt.Errorf("ride %s: %w", r.ID, models.ErrInvalidCode)
	}
	if r.OTPExpiry == nil || now.After(*r.OTPExpiry) {
		return fmt.Errorf("ride %s: %w", r.ID, models.ErrExpired)
	}
	return nil
}
