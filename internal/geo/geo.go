package geo

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Hit is one driver returned by a radius query.
type Hit struct {
	DriverID  string                `json:"driver_id"`
	Loc       models.Point          `json:"loc"`
	DistanceM float64               `json:"distance_m"`
	Presence  models.DriverPresence `json:"presence"`
}

// Filter decides whether a driver found in range is returned.
type Filter func(models.DriverPresence) bool

// Patch names the presence fields an update changes. Nil fields keep their
// stored value, so a location heartbeat never touches availability.
type Patch struct {
	Loc          *models.Point
	Availability *models.Availability
	Verification *models.Verification
	Vehicle      *models.Vehicle
	At           time.Time
}

func (p Patch) applyTo(d models.DriverPresence) models.DriverPresence {
	if p.Loc != nil {
		d.Loc = *p.Loc
	}
	if p.Availability != nil {
		d.Availability = *p.Availability
	}
	if p.Verification != nil {
		d.Verification = *p.Verification
	}
	if p.Vehicle != nil {
		d.Vehicle = *p.Vehicle
	}
	if !p.At.IsZero() {
		d.Updated = p.At
	}
	return d
}

// newPresence is the record a driver starts from: offline and unverified.
func newPresence(driverID string) models.DriverPresence {
	return models.DriverPresence{
		DriverID:     driverID,
		Availability: models.AvailabilityOffline,
		Verification: models.VerificationPending,
	}
}

// Change is the outcome of Apply. Created is set when the driver had no
// presence before.
type Change struct {
	Prev    models.DriverPresence
	Next    models.DriverPresence
	Created bool
}

// Index is the spatial store of driver presence.
type Index interface {
	// Upsert replaces the whole record.
	Upsert(ctx context.Context, d models.DriverPresence) error
	// Apply writes only the fields p names. A driver without presence
	// needs a location.
	Apply(ctx context.Context, driverID string, p Patch) (Change, error)
	Presence(ctx context.Context, driverID string) (models.DriverPresence, error)
	SetAvailability(ctx context.Context, driverID string, a models.Availability) error
	Query(ctx context.Context, p models.Point, radiusM float64, f Filter) ([]Hit, error)
}

type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]models.DriverPresence)}
}

func (g *MemoryIndex) Upsert(_ context.Context, d models.DriverPresence) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	g.drivers[d.DriverID] = d
	return nil
}

func (g *MemoryIndex) Apply(_ context.Context, driverID string, p Patch) (Change, error) {
	if p.At.IsZero() {
		p.At = time.Now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, known := g.drivers[driverID]
	if !known {
		if p.Loc == nil {
			return Change{}, fmt.Errorf("%w: driver %s has no presence yet, location required", models.ErrInvalidInput, driverID)
		}
		prev = newPresence(driverID)
	}
	next := p.applyTo(prev)
	g.drivers[driverID] = next
	return Change{Prev: prev, Next: next, Created: !known}, nil
}

func (g *MemoryIndex) Presence(_ context.Context, driverID string) (models.DriverPresence, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return models.DriverPresence{}, fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	return d, nil
}

func (g *MemoryIndex) SetAvailability(_ context.Context, driverID string, a models.Availability) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	d.Availability = a
	d.Updated = time.Now()
	g.drivers[driverID] = d
	return nil
}

// naive scan; the redis index serves production traffic
func (g *MemoryIndex) Query(_ context.Context, p models.Point, radiusM float64, f Filter) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Hit, 0)
	for _, d := range g.drivers {
		dist := Haversine(p.Lat, p.Lng, d.Loc.Lat, d.Loc.Lng)
		if dist > radiusM {
			continue
		}
		if f != nil && !f(d) {
			continue
		}
		out = append(out, Hit{DriverID: d.DriverID, Loc: d.Loc, DistanceM: dist, Presence: d})
	}
	SortHits(out)
	return out, nil
}

// SortHits orders hits by distance, breaking ties by driver id so rankings
// are stable across queries.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceM != hits[j].DistanceM {
			return hits[i].DistanceM < hits[j].DistanceM
		}
		return hits[i].DriverID < hits[j].DriverID
	})
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two points.
func Distance(a, b models.Point) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}
