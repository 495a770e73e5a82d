package carbon

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gridshift/carbonsched/internal/region"
)

func TestEstimateIntensityNumeric(t *testing.T) {
	cal := region.Calibration{Min: 54, Max: 263}

	// mean 158.5, stddev 52.25; the median percentile lands on the mean.
	assert.InDelta(t, 158.5, EstimateIntensity(cal, 50), 1e-9)

	// p97.5 sits ~1.96 standard deviations above the mean.
	assert.InDelta(t, 260.9, EstimateIntensity(cal, 97.5), 0.2)
}

func TestEstimateIntensityMonotonic(t *testing.T) {
	cal := region.Calibration{Min: 17, Max: 54}

	percentiles := []float64{0, 1, 5, 25, 50, 75, 95, 99, 100}
	for i := 1; i < len(percentiles); i++ {
		lo := EstimateIntensity(cal, percentiles[i-1])
		hi := EstimateIntensity(cal, percentiles[i])
		assert.LessOrEqual(t, lo, hi,
			"intensity must not decrease from p%v to p%v", percentiles[i-1], percentiles[i])
	}
}

func TestEstimateIntensityClampedAtExtremes(t *testing.T) {
	cal := region.Calibration{Min: 54, Max: 263}

	for _, p := range []float64{-10, 0, 100, 110} {
		got := EstimateIntensity(cal, p)
		assert.False(t, math.IsInf(got, 0), "p=%v produced infinity", p)
		assert.False(t, math.IsNaN(got), "p=%v produced NaN", p)
	}

	// Out-of-range inputs collapse onto the clamped bounds.
	assert.Equal(t, EstimateIntensity(cal, 0), EstimateIntensity(cal, -10))
	assert.Equal(t, EstimateIntensity(cal, 100), EstimateIntensity(cal, 250))
}

func TestMOER(t *testing.T) {
	assert.InDelta(t, 158.5*2.20462, MOER(158.5), 1e-9)
}

func TestSnapshotLookups(t *testing.T) {
	catalog := region.DefaultCatalog()
	snap := NewSnapshot([]Sample{
		{Region: "CAISO_NORTH", Percentile: 50},
		{Region: "FR", Percentile: 50},
		{Region: "NOT_A_REGION", Percentile: 50},
	}, catalog)

	assert.Equal(t, 2, snap.Len(), "unknown regions are dropped")

	pct, ok := snap.Percentile("CAISO_NORTH")
	assert.True(t, ok)
	assert.Equal(t, 50.0, pct)

	moer, ok := snap.MOER("FR")
	assert.True(t, ok)
	assert.InDelta(t, 35.5*2.20462, moer, 1e-9)

	_, ok = snap.MOER("UK")
	assert.False(t, ok, "unsampled region must not report a metric")
}
