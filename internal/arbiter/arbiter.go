package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/rides"
)

type Reason string

const (
	ReasonAlreadyTaken Reason = "already-taken"
	ReasonNotEligible  Reason = "not-eligible"
)

// Outcome of TryAccept. Losing is a normal result, not an error.
type Outcome struct {
	Won    bool         `json:"won"`
	Reason Reason       `json:"reason,omitempty"`
	Ride   *models.Ride `json:"ride,omitempty"`
}

type Rides interface {
	Get(ctx context.Context, rideID string) (*models.Ride, error)
	CommitAccept(ctx context.Context, a rides.Accept) (*models.Ride, bool, error)
}

type Presence interface {
	Presence(ctx context.Context, driverID string) (models.DriverPresence, error)
}

// CandidateWriter records candidate outcomes after a win.
type CandidateWriter interface {
	ResolveCandidates(ctx context.Context, rideID, winnerID string, at time.Time) error
}

type Arbiter struct {
	Rides      Rides
	Presence   Presence
	Candidates CandidateWriter
	OTPTTL     time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
	NewCode    func() (string, error)
}

func New(r Rides, p Presence, c CandidateWriter, ttl time.Duration, logger *slog.Logger) *Arbiter {
	if ttl <= 0 {
		ttl = otp.DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{Rides: r, Presence: p, Candidates: c, OTPTTL: ttl, Logger: logger, Now: time.Now, NewCode: otp.Generate}
}

// TryAccept lets driverID claim rideID. Across any number of concurrent
// calls for one ride at most one wins; the store's conditional write decides.
// Pre-checks only reject calls early and never mutate.
func (a *Arbiter) TryAccept(ctx context.Context, rideID, driverID string) (Outcome, error) {
	r, err := a.Rides.Get(ctx, rideID)
	if err != nil {
		return Outcome{}, err
	}
	if r.Status != models.StatusRequested || r.DriverID != "" {
		return a.lose(rideID, driverID, ReasonAlreadyTaken), nil
	}
	if _, ok := r.FindCandidate(driverID); !ok {
		return a.lose(rideID, driverID, ReasonNotEligible), nil
	}
	p, err := a.Presence.Presence(ctx, driverID)
	if errors.Is(err, models.ErrNotFound) {
		return a.lose(rideID, driverID, ReasonNotEligible), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("driver presence: %w", err)
	}
	if p.Availability != models.AvailabilityOnline || p.Verification != models.VerificationVerified {
		return a.lose(rideID, driverID, ReasonNotEligible), nil
	}

	code, err := a.NewCode()
	if err != nil {
		return Outcome{}, err
	}
	now := a.Now()
	won, ok, err := a.Rides.CommitAccept(ctx, rides.Accept{
		RideID:    rideID,
		Driver:    p,
		OTP:       code,
		OTPExpiry: now.Add(a.OTPTTL).UTC(),
	})
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return a.lose(rideID, driverID, ReasonAlreadyTaken), nil
	}

	// Secondary step, not atomic with the assignment. A failure leaves
	// candidates unresolved until the next read and never undoes the win.
	at := now.UTC()
	if err := a.Candidates.ResolveCandidates(ctx, rideID, driverID, at); err != nil {
		a.Logger.Warn("candidate outcomes not recorded", "ride_id", rideID, "driver_id", driverID, "error", err)
	} else {
		won = won.Clone()
		won.ResolveCandidates(driverID, at)
	}
	observability.AcceptOutcomes.WithLabelValues("won").Inc()
	return Outcome{Won: true, Ride: won}, nil
}

func (a *Arbiter) lose(rideID, driverID string, reason Reason) Outcome {
	label := "already_taken"
	if reason == ReasonNotEligible {
		label = "not_eligible"
	}
	observability.AcceptOutcomes.WithLabelValues(label).Inc()
	a.Logger.Debug("accept rejected", "ride_id", rideID, "driver_id", driverID, "reason", reason)
	return Outcome{Reason: reason}
}
