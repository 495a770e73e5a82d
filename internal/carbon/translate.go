package carbon

import (
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/gridshift/carbonsched/internal/region"
)

const (
	// percentileEpsilon keeps percentiles away from 0 and 100, where the
	// inverse normal CDF is unbounded.
	percentileEpsilon = 0.01

	// moerFactor converts an intensity estimate in gCO2/kWh into the
	// normalized MOER metric (lbs CO2/MWh) used for cross-region
	// comparison.
	moerFactor = 2.20462
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// EstimateIntensity derives an absolute carbon intensity from a 0-100
// percentile signal, assuming intensities in the region are normally
// distributed within its calibration range.
func EstimateIntensity(cal region.Calibration, percentile float64) float64 {
	mean := (cal.Min + cal.Max) / 2
	stddev := (cal.Max - cal.Min) / 4
	z := stdNormal.Quantile(clampPercentile(percentile) / 100)
	return mean + z*stddev
}

// MOER normalizes an intensity estimate into the metric compared across
// all regions.
func MOER(intensity float64) float64 {
	return intensity * moerFactor
}

func clampPercentile(p float64) float64 {
	if p < percentileEpsilon {
		return percentileEpsilon
	}
	if p > 100-percentileEpsilon {
		return 100 - percentileEpsilon
	}
	return p
}
