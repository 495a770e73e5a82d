package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"
	"go.uber.org/zap"

	"github.com/gridshift/carbonsched/internal/carbon"
	"github.com/gridshift/carbonsched/internal/ledger"
	"github.com/gridshift/carbonsched/internal/metrics"
	"github.com/gridshift/carbonsched/internal/models"
	"github.com/gridshift/carbonsched/internal/policy"
	"github.com/gridshift/carbonsched/internal/region"
	"github.com/gridshift/carbonsched/pkg/cloud"
)

const (
	defaultPollInterval       = 60 * time.Second
	defaultMaxCarbonFailTicks = 30
)

type Config struct {
	// PollInterval is the sleep between ticks. Defaults to one minute.
	PollInterval time.Duration

	// MaxCarbonFailTicks caps how many consecutive ticks may pass with
	// no region producing a sample before the run is aborted.
	MaxCarbonFailTicks int
}

// Status is a read-only snapshot of the scheduler, refreshed once per
// tick for the HTTP surface.
type Status struct {
	Time    time.Time   `json:"time"`
	Drained bool        `json:"drained"`
	Jobs    []JobStatus `json:"jobs"`
	VMs     []VMStatus  `json:"vms"`
}

type JobStatus struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Location string `json:"location"`
	State    string `json:"state"`
}

type VMStatus struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Location string `json:"location"`
	State    string `json:"state"`
}

// Orchestrator runs the control loop. All scheduling state is owned by
// the single Run goroutine; only the status snapshot is shared.
type Orchestrator struct {
	cfg      Config
	catalog  *region.Catalog
	source   carbon.Source
	ledger   *ledger.Ledger
	policies map[models.Provider]*policy.Policy
	pending  map[models.Provider]*queue.Queue
	vmByLoc  map[models.Provider]map[string]string
	disabled map[models.Provider]bool
	jobs     []*models.Job

	carbonFailStreak int
	now              func() time.Time
	logger           *zap.Logger
	metrics          *metrics.Registry

	statusMu sync.RWMutex
	status   Status
}

func New(cfg Config, catalog *region.Catalog, source carbon.Source, led *ledger.Ledger,
	jobs []*models.Job, vms []*models.VirtualMachine, logger *zap.Logger, m *metrics.Registry) *Orchestrator {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxCarbonFailTicks <= 0 {
		cfg.MaxCarbonFailTicks = defaultMaxCarbonFailTicks
	}

	o := &Orchestrator{
		cfg:      cfg,
		catalog:  catalog,
		source:   source,
		ledger:   led,
		policies: make(map[models.Provider]*policy.Policy),
		pending:  make(map[models.Provider]*queue.Queue),
		vmByLoc:  make(map[models.Provider]map[string]string),
		disabled: make(map[models.Provider]bool),
		jobs:     jobs,
		now:      time.Now,
		logger:   logger,
		metrics:  m,
	}

	for _, p := range models.Providers {
		o.policies[p] = policy.New(p, catalog)
		o.pending[p] = queue.New()
		o.vmByLoc[p] = make(map[string]string)
	}
	for _, vm := range vms {
		led.Register(vm)
		o.vmByLoc[vm.Provider][vm.Location] = vm.Name
	}
	for _, job := range jobs {
		o.pending[job.Provider].Enqueue(job)
	}

	o.updateStatus(false)
	return o
}

// Run executes ticks until all pending lists and all VM occupancy are
// empty at the start of a tick, the context is cancelled, or carbon data
// has been unavailable for too long.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		done, err := o.tick(ctx)
		if err != nil {
			return err
		}
		if done {
			o.logger.Info("all jobs drained")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.PollInterval):
		}
	}
}

// tick performs one pass: termination check, carbon fetch, per-provider
// scheduling against the single snapshot, completion sweep.
func (o *Orchestrator) tick(ctx context.Context) (bool, error) {
	if o.drained() {
		o.updateStatus(true)
		return true, nil
	}

	snap := o.fetchSnapshot(ctx)
	if snap.Len() == 0 {
		o.carbonFailStreak++
		if o.carbonFailStreak >= o.cfg.MaxCarbonFailTicks {
			return false, fmt.Errorf("carbon data unavailable for %d consecutive ticks", o.carbonFailStreak)
		}
	} else {
		o.carbonFailStreak = 0
	}

	now := o.now()
	for _, p := range models.Providers {
		o.schedule(ctx, p, snap, now)
	}

	o.ledger.Sweep(ctx)
	o.updateStatus(false)
	return false, nil
}

// fetchSnapshot samples every catalog region once. A failed fetch
// triggers a token refresh and leaves the region out of this tick's
// snapshot; it is retried on the next tick.
func (o *Orchestrator) fetchSnapshot(ctx context.Context) *carbon.Snapshot {
	var samples []carbon.Sample
	for _, r := range o.catalog.Regions() {
		pct, err := o.source.CurrentPercentile(ctx, r)
		if err != nil {
			o.metrics.CarbonFetchErrors.Inc()
			o.logger.Warn("carbon fetch failed, refreshing token",
				zap.String("region", r), zap.Error(err))
			if lerr := o.source.Login(ctx); lerr != nil {
				o.logger.Error("carbon token refresh failed", zap.Error(lerr))
			}
			continue
		}
		samples = append(samples, carbon.Sample{Region: r, Percentile: pct, At: o.now()})
	}

	snap := carbon.NewSnapshot(samples, o.catalog)
	for r, est := range snap.Estimates() {
		o.metrics.CarbonIntensity.WithLabelValues(r).Set(est.Intensity)
		o.metrics.MOER.WithLabelValues(r).Set(est.MOER)
	}
	o.logger.Info("carbon snapshot taken", zap.Int("regions", snap.Len()))
	return snap
}

// schedule drains one provider's pending queue, re-enqueueing every job
// the policy declines. All decisions in a tick see the same snapshot.
func (o *Orchestrator) schedule(ctx context.Context, p models.Provider, snap *carbon.Snapshot, now time.Time) {
	q := o.pending[p]
	if o.disabled[p] {
		o.failRemaining(p)
		return
	}

	n := q.Len()
	for i := 0; i < n; i++ {
		job := q.Dequeue().(*models.Job)

		loc, ok := o.policies[p].SelectLocation(job, snap, now)
		if !ok {
			q.Enqueue(job)
			continue
		}

		o.logger.Info("scheduling job",
			zap.String("job", job.Name),
			zap.String("provider", string(p)),
			zap.String("location", loc))

		if err := o.place(ctx, p, job, loc); err != nil {
			if cloud.IsAuth(err) {
				o.logger.Error("disabling provider after authentication failure",
					zap.String("provider", string(p)), zap.Error(err))
				o.disabled[p] = true
				o.failRemaining(p)
				break
			}
			o.logger.Error("placing job failed",
				zap.String("job", job.Name), zap.Error(err))
		}
	}

	o.metrics.PendingJobs.WithLabelValues(string(p)).Set(float64(q.Len()))
}

func (o *Orchestrator) place(ctx context.Context, p models.Provider, job *models.Job, loc string) error {
	vmName, ok := o.vmByLoc[p][loc]
	if !ok {
		// Config validation guarantees a VM per placeable location.
		job.Transition(models.JobFailed)
		o.metrics.JobsFailed.WithLabelValues(string(p)).Inc()
		return fmt.Errorf("no %s vm in location %q for job %q", p, loc, job.Name)
	}
	if err := o.ledger.Assign(ctx, vmName, job); err != nil {
		return err
	}
	return o.ledger.OpenSession(ctx, vmName, job)
}

// failRemaining empties a disabled provider's queue, marking every job
// failed.
func (o *Orchestrator) failRemaining(p models.Provider) {
	q := o.pending[p]
	for q.Len() > 0 {
		job := q.Dequeue().(*models.Job)
		job.Transition(models.JobFailed)
		o.metrics.JobsFailed.WithLabelValues(string(p)).Inc()
	}
	o.metrics.PendingJobs.WithLabelValues(string(p)).Set(0)
}

func (o *Orchestrator) drained() bool {
	for _, q := range o.pending {
		if q.Len() > 0 {
			return false
		}
	}
	return o.ledger.Idle()
}

// Status returns the snapshot refreshed at the end of the last tick.
func (o *Orchestrator) Status() Status {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	return o.status
}

func (o *Orchestrator) updateStatus(drained bool) {
	st := Status{Time: o.now(), Drained: drained}
	for _, job := range o.jobs {
		st.Jobs = append(st.Jobs, JobStatus{
			Name:     job.Name,
			Provider: string(job.Provider),
			Location: job.Location,
			State:    job.State.String(),
		})
	}
	for _, vm := range o.ledger.Machines() {
		st.VMs = append(st.VMs, VMStatus{
			Name:     vm.Name,
			Provider: string(vm.Provider),
			Location: vm.Location,
			State:    vm.State.String(),
		})
	}
	o.statusMu.Lock()
	o.status = st
	o.statusMu.Unlock()
}
