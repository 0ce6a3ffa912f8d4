package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/rides"
)

type Broadcaster interface {
	Broadcast(ctx context.Context, ev dispatch.Event)
}

// Service is the public operation surface. Transports call it with the
// caller's user id already resolved.
type Service struct {
	rides   *rides.Manager
	arbiter *arbiter.Arbiter
	gate    *otp.Gate
	index   geo.Index
	events  Broadcaster
	logger  *slog.Logger
	now     func() time.Time
}

func New(m *rides.Manager, a *arbiter.Arbiter, g *otp.Gate, index geo.Index, events Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{rides: m, arbiter: a, gate: g, index: index, events: events, logger: logger, now: time.Now}
}

func (s *Service) RequestRide(ctx context.Context, req rides.CreateRequest) (*models.Ride, error) {
	return s.rides.Create(ctx, req)
}

// ListCandidates returns the candidate records of a ride to its passenger.
func (s *Service) ListCandidates(ctx context.Context, rideID, callerID string) ([]models.Candidate, error) {
	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.PassengerID != callerID {
		return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrForbidden)
	}
	return r.Candidates, nil
}

func (s *Service) TryAccept(ctx context.Context, rideID, driverID string) (arbiter.Outcome, error) {
	if driverID == "" {
		return arbiter.Outcome{}, fmt.Errorf("%w: missing driver", models.ErrInvalidInput)
	}
	return s.arbiter.TryAccept(ctx, rideID, driverID)
}

func (s *Service) VerifyAndStart(ctx context.Context, rideID, driverID, code string) (*models.Ride, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: missing code", models.ErrInvalidInput)
	}
	return s.gate.VerifyAndStart(ctx, rideID, driverID, code)
}

func (s *Service) CompleteRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return s.rides.Complete(ctx, rideID, driverID)
}

func (s *Service) CancelRide(ctx context.Context, rideID, callerID string) (*models.Ride, error) {
	return s.rides.Cancel(ctx, rideID, rides.Actor{ID: callerID})
}

// SystemCancel cancels a ride on behalf of operations, without the
// passenger ownership check.
func (s *Service) SystemCancel(ctx context.Context, rideID, reason string) (*models.Ride, error) {
	r, err := s.rides.Cancel(ctx, rideID, rides.Actor{System: true})
	if err != nil {
		return nil, err
	}
	s.logger.Info("ride cancelled by operations", "ride_id", rideID, "reason", reason)
	return r, nil
}

func (s *Service) RateRide(ctx context.Context, rideID, passengerID string, stars int, comment string) (models.Rating, error) {
	return s.rides.Rate(ctx, rideID, passengerID, stars, comment)
}

func (s *Service) DriverScore(ctx context.Context, driverID string) (models.DriverScore, error) {
	return s.rides.DriverScore(ctx, driverID)
}

// GetRide shows a ride to its passenger, its driver and its candidates.
func (s *Service) GetRide(ctx context.Context, rideID, callerID string) (*models.Ride, error) {
	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.PassengerID == callerID || r.DriverID == callerID {
		return r, nil
	}
	if _, ok := r.FindCandidate(callerID); ok {
		return r, nil
	}
	return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrForbidden)
}

func (s *Service) ListRides(ctx context.Context, userID string, role rides.Role) ([]*models.Ride, error) {
	return s.rides.ListForUser(ctx, userID, role)
}

// NearbyDrivers lists eligible drivers around p for map screens. An empty
// category matches any online verified driver.
func (s *Service) NearbyDrivers(ctx context.Context, p models.Point, category models.Category, radiusM float64) ([]geo.Hit, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if radiusM <= 0 {
		return nil, fmt.Errorf("%w: radius must be positive", models.ErrInvalidInput)
	}
	filter := func(d models.DriverPresence) bool {
		return d.Availability == models.AvailabilityOnline && d.Verification == models.VerificationVerified
	}
	if category != "" {
		c, err := models.ParseCategory(string(category))
		if err != nil {
			return nil, err
		}
		filter = func(d models.DriverPresence) bool { return d.Eligible(c) }
	}
	return s.index.Query(ctx, p, radiusM, filter)
}

func (s *Service) EstimateFare(pickup, dropoff models.Point, distanceKm, durationMin, surge *float64) (rides.Quote, error) {
	return s.rides.Quote(pickup, dropoff, distanceKm, durationMin, surge)
}

// PresenceUpdate is a driver heartbeat or status change. Nil fields keep
// their stored value.
type PresenceUpdate struct {
	DriverID     string
	Loc          *models.Point
	Availability *models.Availability
	Verification *models.Verification
	Vehicle      *models.Vehicle
}

type statusChange struct {
	DriverID     string              `json:"driver_id"`
	Availability models.Availability `json:"availability"`
}

type locationChange struct {
	DriverID string       `json:"driver_id"`
	Loc      models.Point `json:"loc"`
}

// UpdateDriverPresence writes the fields u names and nothing else. It
// broadcasts drivers:status when availability changed and drivers:update
// when the position changed.
func (s *Service) UpdateDriverPresence(ctx context.Context, u PresenceUpdate) (models.DriverPresence, error) {
	if u.DriverID == "" {
		return models.DriverPresence{}, fmt.Errorf("%w: missing driver", models.ErrInvalidInput)
	}
	patch := geo.Patch{Loc: u.Loc, Vehicle: u.Vehicle, At: s.now().UTC()}
	if u.Loc != nil {
		if err := u.Loc.Validate(); err != nil {
			return models.DriverPresence{}, err
		}
	}
	if u.Availability != nil {
		a, err := models.ParseAvailability(string(*u.Availability))
		if err != nil {
			return models.DriverPresence{}, err
		}
		patch.Availability = &a
	}
	if u.Verification != nil {
		v, err := models.ParseVerification(string(*u.Verification))
		if err != nil {
			return models.DriverPresence{}, err
		}
		patch.Verification = &v
	}
	ch, err := s.index.Apply(ctx, u.DriverID, patch)
	if err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			return models.DriverPresence{}, err
		}
		return models.DriverPresence{}, fmt.Errorf("store presence: %w", err)
	}
	s.presenceChanged(ctx, ch)
	return ch.Next, nil
}

// VerifyDriver records the outcome of an operator's document review.
func (s *Service) VerifyDriver(ctx context.Context, driverID string, v models.Verification) (models.DriverPresence, error) {
	if driverID == "" {
		return models.DriverPresence{}, fmt.Errorf("%w: missing driver", models.ErrInvalidInput)
	}
	v, err := models.ParseVerification(string(v))
	if err != nil {
		return models.DriverPresence{}, err
	}
	if _, err := s.index.Presence(ctx, driverID); err != nil {
		return models.DriverPresence{}, err
	}
	ch, err := s.index.Apply(ctx, driverID, geo.Patch{Verification: &v, At: s.now().UTC()})
	if err != nil {
		return models.DriverPresence{}, fmt.Errorf("store verification: %w", err)
	}
	s.logger.Info("driver verification changed", "driver_id", driverID, "from", ch.Prev.Verification, "to", ch.Next.Verification)
	return ch.Next, nil
}

func (s *Service) presenceChanged(ctx context.Context, ch geo.Change) {
	prev, next := ch.Prev, ch.Next
	wasOnline := !ch.Created && prev.Availability == models.AvailabilityOnline
	switch {
	case !wasOnline && next.Availability == models.AvailabilityOnline:
		observability.DriversOnline.Inc()
	case wasOnline && next.Availability != models.AvailabilityOnline:
		observability.DriversOnline.Dec()
	}

	if s.events == nil {
		return
	}
	if ch.Created || prev.Availability != next.Availability {
		s.events.Broadcast(ctx, dispatch.Event{Name: dispatch.EventDriverStatus, Payload: statusChange{DriverID: next.DriverID, Availability: next.Availability}})
	}
	if ch.Created || prev.Loc != next.Loc {
		s.events.Broadcast(ctx, dispatch.Event{Name: dispatch.EventDriverUpdate, Payload: locationChange{DriverID: next.DriverID, Loc: next.Loc}})
	}
}
