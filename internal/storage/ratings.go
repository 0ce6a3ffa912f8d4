package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// RatingStore keeps one rating per ride. Add returns ErrConflict when the
// ride is already rated.
type RatingStore interface {
	Add(ctx context.Context, r models.Rating) error
	Get(ctx context.Context, rideID string) (*models.Rating, error)
	Score(ctx context.Context, driverID string) (models.DriverScore, error)
}

type MemoryRatings struct {
	mu     sync.Mutex
	byRide map[string]models.Rating
}

func NewMemoryRatings() *MemoryRatings {
	return &MemoryRatings{byRide: make(map[string]models.Rating)}
}

func (m *MemoryRatings) Add(_ context.Context, r models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRide[r.RideID]; ok {
		return fmt.Errorf("rating for ride %s: %w", r.RideID, models.ErrConflict)
	}
	m.byRide[r.RideID] = r
	return nil
}

func (m *MemoryRatings) Get(_ context.Context, rideID string) (*models.Rating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byRide[rideID]
	if !ok {
		return nil, fmt.Errorf("rating %s: %w", rideID, models.ErrNotFound)
	}
	return &r, nil
}

func (m *MemoryRatings) Score(_ context.Context, driverID string) (models.DriverScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := models.DriverScore{DriverID: driverID}
	total := 0
	for _, r := range m.byRide {
		if r.DriverID == driverID {
			s.Count++
			total += r.Stars
		}
	}
	if s.Count > 0 {
		s.Average = float64(total) / float64(s.Count)
	}
	return s, nil
}

type PostgresRatings struct {
	db *sql.DB
}

func NewPostgresRatings(db *sql.DB) *PostgresRatings {
	return &PostgresRatings{db: db}
}

func (p *PostgresRatings) Add(ctx context.Context, r models.Rating) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO ratings(ride_id, passenger_id, driver_id, stars, comment, created_at) VALUES($1,$2,$3,$4,$5,$6)`,
		r.RideID, r.PassengerID, r.DriverID, r.Stars, r.Comment, r.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("rating for ride %s: %w", r.RideID, models.ErrConflict)
		}
		return fmt.Errorf("insert rating %s: %w", r.RideID, err)
	}
	return nil
}

func (p *PostgresRatings) Get(ctx context.Context, rideID string) (*models.Rating, error) {
	var r models.Rating
	err := p.db.QueryRowContext(ctx,
		`SELECT ride_id, passenger_id, driver_id, stars, comment, created_at FROM ratings WHERE ride_id=$1`, rideID).
		Scan(&r.RideID, &r.PassengerID, &r.DriverID, &r.Stars, &r.Comment, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rating %s: %w", rideID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresRatings) Score(ctx context.Context, driverID string) (models.DriverScore, error) {
	s := models.DriverScore{DriverID: driverID}
	var avg sql.NullFloat64
	err := p.db.QueryRowContext(ctx,
		`SELECT AVG(stars)::float8, COUNT(*) FROM ratings WHERE driver_id=$1`, driverID).Scan(&avg, &s.Count)
	if err != nil {
		return s, fmt.Errorf("score driver %s: %w", driverID, err)
	}
	s.Average = avg.Float64
	return s, nil
}
