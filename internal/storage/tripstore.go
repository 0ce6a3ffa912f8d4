package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Assignment is the payload of the accept write.
type Assignment struct {
	RideID    string
	DriverID  string
	OTP       string
	OTPExpiry time.Time
	At        time.Time
}

// Transition describes a conditional status write. The write applies only
// while the stored status is one of From and, when set, the stored driver
// and passenger match.
type Transition struct {
	RideID      string
	From        []models.Status
	To          models.Status
	DriverID    string
	PassengerID string
	At          time.Time
}

// RideStore persists rides. Every method that changes status is a single
// conditional write: it either applies atomically against the current stored
// state or reports ok=false without changing anything.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListByPassenger(ctx context.Context, passengerID string) ([]*models.Ride, error)
	ListByDriver(ctx context.Context, driverID string) ([]*models.Ride, error)

	// AssignDriver matches id, status=requested and no driver, then sets the
	// driver, status=accepted, the start code and its expiry.
	AssignDriver(ctx context.Context, a Assignment) (*models.Ride, bool, error)
	// ResolveCandidates marks the winner accepted and other unanswered
	// candidates timed out.
	ResolveCandidates(ctx context.Context, rideID, winnerID string, at time.Time) error
	// StartRide matches status=accepted, the driver, the code and an
	// unexpired code, then clears the code and sets status=started.
	StartRide(ctx context.Context, rideID, driverID, code string, now time.Time) (*models.Ride, bool, error)
	// Transition clears the start code unless moving to accepted, and clears
	// the driver when moving to cancelled.
	Transition(ctx context.Context, t Transition) (*models.Ride, bool, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("ride %s: %w", r.ID, models.ErrConflict)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListByPassenger(_ context.Context, passengerID string) ([]*models.Ride, error) {
	return m.list(func(r *models.Ride) bool { return r.PassengerID == passengerID }), nil
}

func (m *MemoryStore) ListByDriver(_ context.Context, driverID string) ([]*models.Ride, error) {
	return m.list(func(r *models.Ride) bool { return r.DriverID == driverID }), nil
}

func (m *MemoryStore) list(match func(*models.Ride) bool) []*models.Ride {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) AssignDriver(_ context.Context, a Assignment) (*models.Ride, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[a.RideID]
	if !ok {
		return nil, false, fmt.Errorf("ride %s: %w", a.RideID, models.ErrNotFound)
	}
	if r.Status != models.StatusRequested || r.DriverID != "" {
		return nil, false, nil
	}
	exp := a.OTPExpiry
	r.DriverID = a.DriverID
	r.Status = models.StatusAccepted
	r.StartOTP = a.OTP
	r.OTPExpiry = &exp
	r.Version++
	r.UpdatedAt = a.At
	return r.Clone(), true, nil
}

func (m *MemoryStore) ResolveCandidates(_ context.Context, rideID, winnerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}
	r.ResolveCandidates(winnerID, at)
	return nil
}

func (m *MemoryStore) StartRide(_ context.Context, rideID, driverID, code string, now time.Time) (*models.Ride, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, false, fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}
	if r.Status != models.StatusAccepted || r.DriverID != driverID || r.StartOTP == "" || r.StartOTP != code {
		return nil, false, nil
	}
	if r.OTPExpiry == nil || now.After(*r.OTPExpiry) {
		return nil, false, nil
	}
	r.Status = models.StatusStarted
	r.StartOTP = ""
	r.OTPExpiry = nil
	r.Version++
	r.UpdatedAt = now
	return r.Clone(), true, nil
}

func (m *MemoryStore) Transition(_ context.Context, t Transition) (*models.Ride, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[t.RideID]
	if !ok {
		return nil, false, fmt.Errorf("ride %s: %w", t.RideID, models.ErrNotFound)
	}
	if !statusIn(r.Status, t.From) {
		return nil, false, nil
	}
	if t.DriverID != "" && r.DriverID != t.DriverID {
		return nil, false, nil
	}
	if t.PassengerID != "" && r.PassengerID != t.PassengerID {
		return nil, false, nil
	}
	r.Status = t.To
	if t.To != models.StatusAccepted {
		r.StartOTP = ""
		r.OTPExpiry = nil
	}
	if t.To == models.StatusCancelled {
		r.DriverID = ""
	}
	r.Version++
	r.UpdatedAt = t.At
	return r.Clone(), true, nil
}

func statusIn(s models.Status, set []models.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
