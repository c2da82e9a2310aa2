package eta_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nihannihu/rendezvous/internal/eta"
	"github.com/nihannihu/rendezvous/pkg/geo"
)

func sampleAt(lat, lon float64, at time.Time) geo.Sample {
	return geo.Sample{
		Coordinate: geo.Coordinate{Latitude: lat, Longitude: lon},
		Timestamp:  at,
	}
}

// TestEstimate_walkingPace checks the worked example: two samples 60 seconds
// apart covering ~100 m give an average speed of ~1.67 m/s, so a target 500 m
// further along the same bearing is ~300 s away.
func TestEstimate_walkingPace(t *testing.T) {
	est := eta.NewEstimator(0.5)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// 0.0009 degrees of longitude on the equator is ~100 m.
	samples := []geo.Sample{
		sampleAt(0, 0, start),
		sampleAt(0, 0.0009, start.Add(60*time.Second)),
	}
	// ~500 m further east.
	target := geo.Coordinate{Latitude: 0, Longitude: 0.0054}

	seconds, ok := est.Estimate(samples, target)
	require.True(t, ok)
	require.InDelta(t, 300, seconds, 10)
}

// TestEstimate_insufficientData verifies the three no-estimate conditions:
// too few samples, non-positive elapsed time, and sub-floor average speed.
func TestEstimate_insufficientData(t *testing.T) {
	est := eta.NewEstimator(0.5)
	now := time.Now()
	target := geo.Coordinate{Latitude: 0, Longitude: 1}

	_, ok := est.Estimate(nil, target)
	require.False(t, ok)

	_, ok = est.Estimate([]geo.Sample{sampleAt(0, 0, now)}, target)
	require.False(t, ok)

	// Clock anomaly: second sample not after the first.
	_, ok = est.Estimate([]geo.Sample{
		sampleAt(0, 0, now),
		sampleAt(0, 0.001, now),
	}, target)
	require.False(t, ok)

	// ~11 m in 60 s is below the 0.5 m/s floor.
	_, ok = est.Estimate([]geo.Sample{
		sampleAt(0, 0, now),
		sampleAt(0, 0.0001, now.Add(60*time.Second)),
	}, target)
	require.False(t, ok)
}

// TestEstimate_averagesOverWindow verifies that the estimate uses cumulative
// distance over all consecutive pairs, not just the endpoints.
func TestEstimate_averagesOverWindow(t *testing.T) {
	est := eta.NewEstimator(0.1)
	start := time.Now()

	// Out and back: net displacement is zero but 200 m were traveled in 120 s.
	samples := []geo.Sample{
		sampleAt(0, 0, start),
		sampleAt(0, 0.0009, start.Add(60*time.Second)),
		sampleAt(0, 0, start.Add(120*time.Second)),
	}
	target := geo.Coordinate{Latitude: 0, Longitude: 0.0009} // ~100 m away

	seconds, ok := est.Estimate(samples, target)
	require.True(t, ok)
	// speed ~1.67 m/s, distance ~100 m -> ~60 s.
	require.InDelta(t, 60, seconds, 5)
}

func TestHistory_evictsOldest(t *testing.T) {
	h := eta.NewHistory(3)
	start := time.Now()

	for i := 0; i < 5; i++ {
		h.Add(sampleAt(0, float64(i)*0.001, start.Add(time.Duration(i)*time.Second)))
	}

	require.Equal(t, 3, h.Len())
	samples := h.Samples()
	require.Equal(t, 0.002, samples[0].Longitude)
	require.Equal(t, 0.004, samples[2].Longitude)
}

func TestHistory_minimumCapacity(t *testing.T) {
	h := eta.NewHistory(0)
	start := time.Now()
	h.Add(sampleAt(0, 0, start))
	h.Add(sampleAt(0, 0.001, start.Add(time.Second)))
	h.Add(sampleAt(0, 0.002, start.Add(2*time.Second)))

	// A window below 2 would make estimation impossible; it is clamped.
	require.Equal(t, 2, h.Len())
}
