package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Geo interface {
	Query(ctx context.Context, p models.Point, radiusM float64, f geo.Filter) ([]geo.Hit, error)
}

const (
	DefaultInitialRadiusM = 200
	DefaultMaxSearches    = 5
)

type Service struct {
	Geo            Geo
	InitialRadiusM float64
	MaxSearches    int
	TopN           int
}

// Result is the ranked candidate list and the radius that produced it.
type Result struct {
	Hits    []geo.Hit
	RadiusM float64
}

// Find searches for eligible drivers around pickup, doubling the radius
// after every empty round. It gives up with ErrUnavailable after
// MaxSearches rounds. A non-positive radius falls back to InitialRadiusM.
func (s *Service) Find(ctx context.Context, pickup models.Point, category models.Category, radiusM float64) (Result, error) {
	if err := pickup.Validate(); err != nil {
		return Result{}, err
	}
	if _, err := models.ParseCategory(string(category)); err != nil {
		return Result{}, err
	}
	if radiusM <= 0 {
		radiusM = s.InitialRadiusM
	}
	if radiusM <= 0 {
		radiusM = DefaultInitialRadiusM
	}
	searches := s.MaxSearches
	if searches <= 0 {
		searches = DefaultMaxSearches
	}

	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	eligible := func(d models.DriverPresence) bool { return d.Eligible(category) }
	for i := 0; i < searches; i++ {
		observability.MatcherSearches.Inc()
		hits, err := s.Geo.Query(ctx, pickup, radiusM, eligible)
		if err != nil {
			return Result{}, fmt.Errorf("query radius %.0fm: %w", radiusM, err)
		}
		if len(hits) > 0 {
			if s.TopN > 0 && len(hits) > s.TopN {
				hits = hits[:s.TopN]
			}
			return Result{Hits: hits, RadiusM: radiusM}, nil
		}
		radiusM *= 2
	}
	return Result{}, models.ErrUnavailable
}
