package policy

import (
	"time"

	"github.com/gridshift/carbonsched/internal/carbon"
	"github.com/gridshift/carbonsched/internal/models"
	"github.com/gridshift/carbonsched/internal/region"
)

// MaxDelay is the hard ceiling on how long a job may wait before it is
// force-scheduled to its fixed location.
const MaxDelay = 12 * time.Hour

// Policy decides where, if anywhere, a job should run this tick. It is
// stateless; one instance exists per provider, scoped to that provider's
// eligible regions (exclusive plus shared).
type Policy struct {
	provider models.Provider
	catalog  *region.Catalog
	eligible []string
	maxDelay time.Duration
}

func New(provider models.Provider, catalog *region.Catalog) *Policy {
	return &Policy{
		provider: provider,
		catalog:  catalog,
		eligible: catalog.EligibleRegions(provider),
		maxDelay: MaxDelay,
	}
}

// SelectLocation maps a job and the current carbon snapshot to a target
// provider location. The cases are ordered; the first match wins:
//
//  1. time-sensitive, fixed: the job's own location, carbon data unseen.
//  2. time-sensitive, switchable: the eligible region with the lowest
//     MOER (lexically first region wins ties).
//  3. delayable, fixed: the job's own location, but only if its region's
//     percentile clears the job's threshold.
//  4. delayable, switchable: the lowest-MOER eligible region among those
//     clearing the threshold.
//  5. fallback for 3/4: once the job has waited MaxDelay, its own
//     location unconditionally; otherwise not yet.
//
// The second return value is false when the job cannot be scheduled this
// tick.
func (p *Policy) SelectLocation(job *models.Job, snap *carbon.Snapshot, now time.Time) (string, bool) {
	if job.TimeSensitive && !job.LocationSwitch {
		return job.Location, true
	}

	if job.TimeSensitive && job.LocationSwitch {
		if r, ok := p.lowestMOER(snap, p.eligible); ok {
			if loc, ok := p.catalog.ProviderLocation(p.provider, r); ok {
				return loc, true
			}
		}
		// No usable carbon data; an urgent job must not wait.
		return job.Location, true
	}

	matches := p.thresholdMatches(snap, job.PercentileThreshold)

	if !job.LocationSwitch {
		for _, r := range matches {
			if loc, ok := p.catalog.ProviderLocation(p.provider, r); ok && loc == job.Location {
				return loc, true
			}
		}
	} else if len(matches) > 0 {
		if r, ok := p.lowestMOER(snap, matches); ok {
			if loc, ok := p.catalog.ProviderLocation(p.provider, r); ok {
				return loc, true
			}
		}
	}

	if now.Sub(job.SubmittedAt) >= p.maxDelay {
		return job.Location, true
	}
	return "", false
}

// lowestMOER returns the region with the smallest normalized metric among
// regions, visited in lexical order with a strict comparison so the
// lexically first region wins ties.
func (p *Policy) lowestMOER(snap *carbon.Snapshot, regions []string) (string, bool) {
	var (
		best    string
		bestVal float64
		found   bool
	)
	for _, r := range regions {
		moer, ok := snap.MOER(r)
		if !ok {
			continue
		}
		if !found || moer < bestVal {
			best, bestVal, found = r, moer, true
		}
	}
	return best, found
}

// thresholdMatches returns the eligible regions whose percentile is at or
// below the threshold, in lexical order.
func (p *Policy) thresholdMatches(snap *carbon.Snapshot, threshold float64) []string {
	var matches []string
	for _, r := range p.eligible {
		if pct, ok := snap.Percentile(r); ok && pct <= threshold {
			matches = append(matches, r)
		}
	}
	return matches
}
