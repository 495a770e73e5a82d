package carbon

import (
	"time"

	"github.com/gridshift/carbonsched/internal/region"
)

// Sample is one region's raw percentile reading.
type Sample struct {
	Region     string
	Percentile float64
	At         time.Time
}

// Estimate is the derived view of a sample: absolute intensity and the
// normalized MOER metric.
type Estimate struct {
	Region    string
	Intensity float64
	MOER      float64
}

// Snapshot holds one tick's worth of carbon data. All scheduling
// decisions within a tick are made against the same snapshot. Regions
// whose fetch failed are simply absent.
type Snapshot struct {
	TakenAt   time.Time
	samples   map[string]Sample
	estimates map[string]Estimate
}

// NewSnapshot derives estimates for every sample with a known
// calibration. Samples for regions outside the catalog are dropped; the
// catalog is validated at startup so this does not happen in practice.
func NewSnapshot(samples []Sample, catalog *region.Catalog) *Snapshot {
	s := &Snapshot{
		TakenAt:   time.Now(),
		samples:   make(map[string]Sample, len(samples)),
		estimates: make(map[string]Estimate, len(samples)),
	}
	for _, sample := range samples {
		cal, err := catalog.CalibrationFor(sample.Region)
		if err != nil {
			continue
		}
		intensity := EstimateIntensity(cal, sample.Percentile)
		s.samples[sample.Region] = sample
		s.estimates[sample.Region] = Estimate{
			Region:    sample.Region,
			Intensity: intensity,
			MOER:      MOER(intensity),
		}
	}
	return s
}

// Percentile returns the raw percentile for a region, if sampled this
// tick.
func (s *Snapshot) Percentile(region string) (float64, bool) {
	sample, ok := s.samples[region]
	return sample.Percentile, ok
}

// MOER returns the normalized metric for a region, if sampled this tick.
func (s *Snapshot) MOER(region string) (float64, bool) {
	est, ok := s.estimates[region]
	return est.MOER, ok
}

// Estimates returns the derived estimates, keyed by region.
func (s *Snapshot) Estimates() map[string]Estimate {
	return s.estimates
}

// Len reports how many regions were successfully sampled.
func (s *Snapshot) Len() int { return len(s.samples) }
