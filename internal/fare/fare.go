package fare

import (
	"fmt"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// Estimator prices a trip from its distance, duration and surge multiplier.
// The zero value is unusable; build it from configuration.
type Estimator struct {
	Base   float64
	PerKm  float64
	PerMin float64
}

func NewEstimator(base, perKm, perMin float64) Estimator {
	return Estimator{Base: base, PerKm: perKm, PerMin: perMin}
}

// Estimate returns round((base + km*perKm + min*perMin) * surge).
func (e Estimator) Estimate(distanceKm, durationMin, surge float64) (int64, error) {
	if distanceKm < 0 || durationMin < 0 || math.IsNaN(distanceKm) || math.IsNaN(durationMin) {
		return 0, fmt.Errorf("%w: negative distance or duration", models.ErrInvalidInput)
	}
	if surge < 1 || math.IsNaN(surge) {
		return 0, fmt.Errorf("%w: surge multiplier %v below 1", models.ErrInvalidInput, surge)
	}
	amount := (e.Base + distanceKm*e.PerKm + durationMin*e.PerMin) * surge
	return int64(math.Round(amount)), nil
}
