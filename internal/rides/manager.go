package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

// Presence is the part of the geo index the manager touches: it reads the
// assigned driver and flips availability on start and completion.
type Presence interface {
	Presence(ctx context.Context, driverID string) (models.DriverPresence, error)
	SetAvailability(ctx context.Context, driverID string, a models.Availability) error
}

type Matcher interface {
	Find(ctx context.Context, pickup models.Point, category models.Category, radiusM float64) (matcher.Result, error)
}

type Notifier interface {
	Publish(b dispatch.Batch)
}

type PaymentRecorder interface {
	EnsurePaymentRecord(ctx context.Context, req payments.Request) (models.PaymentRecord, error)
}

type Deps struct {
	Store    storage.RideStore
	Presence Presence
	Matcher  Matcher
	Fare     fare.Estimator
	ETA      eta.Client
	Payments PaymentRecorder
	Ratings  storage.RatingStore
	Notifier Notifier
	Logger   *slog.Logger
	Currency string
	Now      func() time.Time
	NewID    func() string
}

// Manager owns ride status. Every status change goes through one
// conditional store write, and each committed write publishes exactly one
// event batch sequenced by the ride version.
type Manager struct {
	store    storage.RideStore
	presence Presence
	matcher  Matcher
	fare     fare.Estimator
	eta      eta.Client
	payments PaymentRecorder
	ratings  storage.RatingStore
	notifier Notifier
	logger   *slog.Logger
	currency string
	now      func() time.Time
	newID    func() string
}

func NewManager(d Deps) *Manager {
	m := &Manager{
		store:    d.Store,
		presence: d.Presence,
		matcher:  d.Matcher,
		fare:     d.Fare,
		eta:      d.ETA,
		payments: d.Payments,
		ratings:  d.Ratings,
		notifier: d.Notifier,
		logger:   d.Logger,
		currency: d.Currency,
		now:      d.Now,
		newID:    d.NewID,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if m.eta == nil {
		m.eta = eta.Linear{}
	}
	if m.currency == "" {
		m.currency = "INR"
	}
	if m.ratings == nil {
		m.ratings = storage.NewMemoryRatings()
	}
	return m
}

// CreateRequest carries a passenger's ride request. The trip figures are
// optional; absent values are estimated.
type CreateRequest struct {
	PassengerID   string
	Pickup        models.Point
	Dropoff       models.Point
	Category      models.Category
	PaymentMethod models.PaymentMethod
	RadiusM       float64
	DistanceKm    *float64
	DurationMin   *float64
	Surge         *float64
}

// Quote is a priced trip.
type Quote struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
	Surge       float64 `json:"surge"`
	Fare        int64   `json:"fare"`
	Currency    string  `json:"currency"`
}

// Quote prices pickup to dropoff, using the given figures where present.
func (m *Manager) Quote(pickup, dropoff models.Point, distanceKm, durationMin, surge *float64) (Quote, error) {
	if err := pickup.Validate(); err != nil {
		return Quote{}, err
	}
	if err := dropoff.Validate(); err != nil {
		return Quote{}, err
	}
	q := Quote{Surge: 1, Currency: m.currency}
	if distanceKm != nil {
		q.DistanceKm = *distanceKm
	} else {
		q.DistanceKm = geo.Distance(pickup, dropoff) / 1000
	}
	if durationMin != nil {
		q.DurationMin = *durationMin
	} else {
		mins, err := eta.Minutes(m.eta, pickup, dropoff)
		if err != nil {
			return Quote{}, fmt.Errorf("estimate duration: %w", err)
		}
		q.DurationMin = mins
	}
	if surge != nil {
		q.Surge = *surge
	}
	amount, err := m.fare.Estimate(q.DistanceKm, q.DurationMin, q.Surge)
	if err != nil {
		return Quote{}, err
	}
	q.Fare = amount
	return q, nil
}

// Offer is what a candidate driver receives with ride:new.
type Offer struct {
	RideID        string               `json:"ride_id"`
	Pickup        models.Point         `json:"pickup"`
	Dropoff       models.Point         `json:"dropoff"`
	Category      models.Category      `json:"category"`
	Fare          int64                `json:"fare"`
	Currency      string               `json:"currency"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	DistanceM     float64              `json:"distance_m"`
}

// DriverSummary is what the passenger learns about the assigned driver.
type DriverSummary struct {
	ID       string         `json:"id"`
	Vehicle  models.Vehicle `json:"vehicle"`
	Location models.Point   `json:"location"`
}

// Update is the payload of ride:update and ride:assigned.
type Update struct {
	Ride   *models.Ride   `json:"ride"`
	OTP    string         `json:"otp,omitempty"`
	Driver *DriverSummary `json:"driver,omitempty"`
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Ride, error) {
	if req.PassengerID == "" {
		return nil, fmt.Errorf("%w: missing passenger", models.ErrInvalidInput)
	}
	category, err := models.ParseCategory(string(req.Category))
	if err != nil {
		return nil, err
	}
	method, err := models.ParsePaymentMethod(string(req.PaymentMethod))
	if err != nil {
		return nil, err
	}
	quote, err := m.Quote(req.Pickup, req.Dropoff, req.DistanceKm, req.DurationMin, req.Surge)
	if err != nil {
		return nil, err
	}

	found, err := m.matcher.Find(ctx, req.Pickup, category, req.RadiusM)
	if errors.Is(err, models.ErrUnavailable) {
		observability.NoDrivers.Inc()
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("match drivers: %w", err)
	}

	now := m.now().UTC()
	r := &models.Ride{
		ID:            m.newID(),
		PassengerID:   req.PassengerID,
		Pickup:        req.Pickup,
		Dropoff:       req.Dropoff,
		Category:      category,
		Status:        models.StatusRequested,
		Fare:          quote.Fare,
		Currency:      quote.Currency,
		Surge:         quote.Surge,
		DistanceKm:    quote.DistanceKm,
		DurationMin:   quote.DurationMin,
		PaymentMethod: method,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, h := range found.Hits {
		r.Candidates = append(r.Candidates, models.Candidate{
			DriverID:   h.DriverID,
			DistanceM:  h.DistanceM,
			NotifiedAt: now,
			Outcome:    models.OutcomeNone,
		})
	}
	if err := m.store.CreateRide(ctx, r); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesRequested.Inc()
	observability.Transitions.WithLabelValues(string(models.StatusRequested)).Inc()
	m.logger.Info("ride requested", "ride_id", r.ID, "passenger_id", r.PassengerID,
		"candidates", len(r.Candidates), "radius_m", found.RadiusM)

	msgs := []dispatch.Message{m.message(r.PassengerID, dispatch.EventRideUpdate, r.ID, Update{Ride: r})}
	for _, c := range r.Candidates {
		msgs = append(msgs, m.message(c.DriverID, dispatch.EventRideNew, r.ID, Offer{
			RideID:        r.ID,
			Pickup:        r.Pickup,
			Dropoff:       r.Dropoff,
			Category:      r.Category,
			Fare:          r.Fare,
			Currency:      r.Currency,
			PaymentMethod: r.PaymentMethod,
			DistanceM:     c.DistanceM,
		}))
	}
	m.publish(r, msgs)
	return r, nil
}

// Candidates lists the drivers notified about a ride, nearest first.
func (m *Manager) Candidates(ctx context.Context, rideID string) ([]models.Candidate, error) {
	r, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return r.Candidates, nil
}

// Accept is the winning driver's assignment.
type Accept struct {
	RideID    string
	Driver    models.DriverPresence
	OTP       string
	OTPExpiry time.Time
}

// CommitAccept performs the single conditional write that assigns a driver.
// ok is false when another write got there first.
func (m *Manager) CommitAccept(ctx context.Context, a Accept) (*models.Ride, bool, error) {
	r, ok, err := m.store.AssignDriver(ctx, storage.Assignment{
		RideID:    a.RideID,
		DriverID:  a.Driver.DriverID,
		OTP:       a.OTP,
		OTPExpiry: a.OTPExpiry,
		At:        m.now().UTC(),
	})
	if err != nil || !ok {
		return nil, false, err
	}
	observability.Transitions.WithLabelValues(string(models.StatusAccepted)).Inc()
	m.logger.Info("ride accepted", "ride_id", r.ID, "driver_id", a.Driver.DriverID)

	summary := &DriverSummary{ID: a.Driver.DriverID, Vehicle: a.Driver.Vehicle, Location: a.Driver.Loc}
	msgs := []dispatch.Message{
		m.message(r.PassengerID, dispatch.EventRideUpdate, r.ID, Update{Ride: r, OTP: a.OTP, Driver: summary}),
		m.message(a.Driver.DriverID, dispatch.EventRideAssigned, r.ID, Update{Ride: r}),
	}
	for _, c := range r.Candidates {
		if c.DriverID != a.Driver.DriverID {
			msgs = append(msgs, m.message(c.DriverID, dispatch.EventRideTaken, r.ID, map[string]string{"ride_id": r.ID}))
		}
	}
	m.publish(r, msgs)
	return r, true, nil
}

// Start moves an accepted ride to started when driverID and code match the
// stored assignment and the code is unexpired at now. ok is false when the
// conditional write did not apply.
func (m *Manager) Start(ctx context.Context, rideID, driverID, code string, now time.Time) (*models.Ride, bool, error) {
	r, ok, err := m.store.StartRide(ctx, rideID, driverID, code, now)
	if err != nil || !ok {
		return nil, false, err
	}
	observability.Transitions.WithLabelValues(string(models.StatusStarted)).Inc()
	m.setAvailability(ctx, r.ID, driverID, models.AvailabilityBusy)
	m.logger.Info("ride started", "ride_id", r.ID, "driver_id", driverID)
	m.publish(r, []dispatch.Message{
		m.message(r.PassengerID, dispatch.EventRideUpdate, r.ID, Update{Ride: r}),
		m.message(driverID, dispatch.EventRideUpdate, r.ID, Update{Ride: r}),
	})
	return r, true, nil
}

// Complete finishes a started ride for its assigned driver. A repeated call
// on a completed ride returns it unchanged and only re-ensures the payment
// record.
func (m *Manager) Complete(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, ok, err := m.store.Transition(ctx, storage.Transition{
		RideID:   rideID,
		From:     models.Sources(models.StatusCompleted),
		To:       models.StatusCompleted,
		DriverID: driverID,
		At:       m.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := m.store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if cur.Status == models.StatusCancelled {
			return nil, fmt.Errorf("ride %s is cancelled: %w", rideID, models.ErrConflict)
		}
		if cur.DriverID != driverID {
			return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrForbidden)
		}
		if cur.Status != models.StatusCompleted {
			return nil, fmt.Errorf("ride %s is %s: %w", rideID, cur.Status, models.ErrConflict)
		}
		if err := m.ensurePayment(ctx, cur); err != nil {
			return nil, err
		}
		return cur, nil
	}

	observability.Transitions.WithLabelValues(string(models.StatusCompleted)).Inc()
	m.setAvailability(ctx, r.ID, driverID, models.AvailabilityOnline)
	m.logger.Info("ride completed", "ride_id", r.ID, "driver_id", driverID, "fare", r.Fare)
	m.publishFinal(r, []dispatch.Message{
		m.message(r.PassengerID, dispatch.EventRideUpdate, r.ID, Update{Ride: r}),
		m.message(driverID, dispatch.EventRideUpdate, r.ID, Update{Ride: r}),
	})
	if err := m.ensurePayment(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (m *Manager) ensurePayment(ctx context.Context, r *models.Ride) error {
	_, err := m.payments.EnsurePaymentRecord(ctx, payments.Request{
		RideID:   r.ID,
		PayerID:  r.PassengerID,
		PayeeID:  r.DriverID,
		Amount:   r.Fare,
		Currency: r.Currency,
		Method:   r.PaymentMethod,
	})
	if err != nil {
		m.logger.Error("payment record failed", "ride_id", r.ID, "error", err)
		return fmt.Errorf("record payment for ride %s: %w", r.ID, err)
	}
	return nil
}

// Actor is whoever asks for a cancellation. System actors skip the
// ownership check.
type Actor struct {
	ID     string
	System bool
}

// Cancel cancels a ride that has not started. The status guard is evaluated
// by the store at write time.
func (m *Manager) Cancel(ctx context.Context, rideID string, by Actor) (*models.Ride, error) {
	t := storage.Transition{
		RideID: rideID,
		From:   models.Sources(models.StatusCancelled),
		To:     models.StatusCancelled,
		At:     m.now().UTC(),
	}
	if !by.System {
		if by.ID == "" {
			return nil, fmt.Errorf("%w: missing caller", models.ErrInvalidInput)
		}
		t.PassengerID = by.ID
	}
	r, ok, err := m.store.Transition(ctx, t)
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := m.store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if !by.System && cur.PassengerID != by.ID {
			return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrForbidden)
		}
		return nil, fmt.Errorf("ride %s is %s: %w", rideID, cur.Status, models.ErrConflict)
	}

	observability.Transitions.WithLabelValues(string(models.StatusCancelled)).Inc()
	m.logger.Info("ride cancelled", "ride_id", r.ID, "by", by.ID, "system", by.System)

	msgs := []dispatch.Message{m.message(r.PassengerID, dispatch.EventRideUpdate, r.ID, Update{Ride: r})}
	for _, d := range cancelTargets(r) {
		msgs = append(msgs, m.message(d, dispatch.EventRideCancelled, r.ID, map[string]string{"ride_id": r.ID}))
	}
	m.publishFinal(r, msgs)
	return r, nil
}

// cancelTargets is the accepted driver when candidate outcomes already name
// one, otherwise every candidate. The assigned driver is always a candidate.
func cancelTargets(r *models.Ride) []string {
	for _, c := range r.Candidates {
		if c.Outcome == models.OutcomeAccepted {
			return []string{c.DriverID}
		}
	}
	out := make([]string, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		out = append(out, c.DriverID)
	}
	return out
}

// Rate stores the passenger's rating of a completed ride's driver. A ride is
// rated once.
func (m *Manager) Rate(ctx context.Context, rideID, passengerID string, stars int, comment string) (models.Rating, error) {
	r, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		return models.Rating{}, err
	}
	if r.PassengerID != passengerID {
		return models.Rating{}, fmt.Errorf("ride %s: %w", rideID, models.ErrForbidden)
	}
	if r.Status != models.StatusCompleted {
		return models.Rating{}, fmt.Errorf("ride %s is %s: %w", rideID, r.Status, models.ErrConflict)
	}
	rating := models.Rating{
		RideID:      r.ID,
		PassengerID: passengerID,
		DriverID:    r.DriverID,
		Stars:       stars,
		Comment:     comment,
		CreatedAt:   m.now().UTC(),
	}
	if err := rating.Validate(); err != nil {
		return models.Rating{}, err
	}
	if err := m.ratings.Add(ctx, rating); err != nil {
		return models.Rating{}, err
	}
	observability.Ratings.WithLabelValues(strconv.Itoa(stars)).Inc()
	m.logger.Info("ride rated", "ride_id", r.ID, "driver_id", r.DriverID, "stars", stars)
	return rating, nil
}

func (m *Manager) DriverScore(ctx context.Context, driverID string) (models.DriverScore, error) {
	return m.ratings.Score(ctx, driverID)
}

func (m *Manager) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return m.store.GetRide(ctx, rideID)
}

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

// ListForUser returns the rides a user requested or drove, newest first.
func (m *Manager) ListForUser(ctx context.Context, userID string, role Role) ([]*models.Ride, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user", models.ErrInvalidInput)
	}
	switch role {
	case RoleDriver:
		return m.store.ListByDriver(ctx, userID)
	case RolePassenger, "":
		return m.store.ListByPassenger(ctx, userID)
	default:
		return nil, fmt.Errorf("%w: unknown role %q", models.ErrInvalidInput, role)
	}
}

func (m *Manager) setAvailability(ctx context.Context, rideID, driverID string, a models.Availability) {
	if m.presence == nil {
		return
	}
	if err := m.presence.SetAvailability(ctx, driverID, a); err != nil {
		m.logger.Warn("driver availability not updated", "ride_id", rideID, "driver_id", driverID,
			"availability", a, "error", err)
	}
}

func (m *Manager) message(subject, event, rideID string, payload any) dispatch.Message {
	return dispatch.Message{
		Target: dispatch.To(subject),
		Event:  dispatch.Event{Name: event, RideID: rideID, Payload: payload},
	}
}

func (m *Manager) publish(r *models.Ride, msgs []dispatch.Message) {
	if m.notifier == nil {
		return
	}
	m.notifier.Publish(dispatch.Batch{RideID: r.ID, Seq: r.Version, Messages: msgs})
}

func (m *Manager) publishFinal(r *models.Ride, msgs []dispatch.Message) {
	if m.notifier == nil {
		return
	}
	m.notifier.Publish(dispatch.Batch{RideID: r.ID, Seq: r.Version, Final: true, Messages: msgs})
}
