package pricing

import (
	"github.com/example/instapool/internal/geo"
	"github.com/example/instapool/internal/models"
)

// DefaultRatePerKM is the flat fare applied per kilometer of trip distance.
const DefaultRatePerKM = 0.4

// Estimator computes a flat distance-based fare for a trip. No surge, no
// minimum fare, no currency conversion.
type Estimator struct {
	RatePerKM float64
}

func NewEstimator(ratePerKM float64) *Estimator {
	if ratePerKM <= 0 {
		ratePerKM = DefaultRatePerKM
	}
	return &Estimator{RatePerKM: ratePerKM}
}

// Estimate returns rate * great-circle km between pickup and destination.
func (e *Estimator) Estimate(pickup, destination models.Point) (float64, error) {
	if err := geo.Validate(pickup); err != nil {
		return 0, err
	}
	if err := geo.Validate(destination); err != nil {
		return 0, err
	}
	km := geo.Distance(pickup, destination) / 1000.0
	return e.RatePerKM * km, nil
}
