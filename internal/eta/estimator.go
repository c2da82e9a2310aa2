// Package eta estimates a member's time-to-arrival from their recent
// movement history.
package eta

import (
	"github.com/nihannihu/rendezvous/pkg/geo"
)

// Estimator computes ETAs from a window of location samples.
type Estimator struct {
	minSpeed float64
}

// NewEstimator returns an estimator that produces no estimate when the
// average speed over the window falls below minSpeedMetersPerSec. The floor
// keeps a near-stationary member from producing absurd ETAs through division
// by a tiny speed.
func NewEstimator(minSpeedMetersPerSec float64) *Estimator {
	return &Estimator{minSpeed: minSpeedMetersPerSec}
}

// Estimate returns the estimated seconds until arrival at target based on the
// average speed across samples (ordered oldest first). ok is false when the
// data is insufficient: fewer than two samples, a non-positive elapsed time
// (clock anomaly), or an average speed below the floor. Insufficient data is
// an expected condition, not an error.
func (e *Estimator) Estimate(samples []geo.Sample, target geo.Coordinate) (seconds float64, ok bool) {
	if len(samples) < 2 {
		return 0, false
	}

	first := samples[0]
	last := samples[len(samples)-1]
	elapsed := last.Timestamp.Sub(first.Timestamp).Seconds()
	if elapsed <= 0 {
		return 0, false
	}

	var traveled float64
	for i := 1; i < len(samples); i++ {
		traveled += geo.Distance(samples[i-1].Coordinate, samples[i].Coordinate)
	}

	speed := traveled / elapsed
	if speed < e.minSpeed {
		return 0, false
	}
	return geo.Distance(last.Coordinate, target) / speed, true
}
