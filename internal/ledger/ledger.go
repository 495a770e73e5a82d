package ledger

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/gridshift/carbonsched/internal/metrics"
	"github.com/gridshift/carbonsched/internal/models"
	"github.com/gridshift/carbonsched/pkg/cloud"
	"github.com/gridshift/carbonsched/pkg/remote"
)

// doneMarker is the probe output that signals job completion.
const doneMarker = "DONE"

// assignment pairs a job with its open execution session. The session is
// nil between Assign and OpenSession.
type assignment struct {
	job     *models.Job
	session remote.Session
}

type entry struct {
	vm     *models.VirtualMachine
	active []assignment
}

// Ledger owns every known VM and the ordered list of (job, session)
// pairs running on it. It enforces the lifecycle invariants: a VM is
// started only when its active count goes 0 to 1, and stopped only when
// it returns to 0. The ledger is mutated solely by the orchestrator's
// loop, so it carries no locking.
type Ledger struct {
	clouds     map[models.Provider]cloud.Compute
	exec       remote.Executor
	vms        map[string]*entry
	order      []string
	maxRetries uint64
	logger     *zap.Logger
	metrics    *metrics.Registry
}

func New(clouds map[models.Provider]cloud.Compute, exec remote.Executor, logger *zap.Logger, m *metrics.Registry) *Ledger {
	return &Ledger{
		clouds:     clouds,
		exec:       exec,
		vms:        make(map[string]*entry),
		maxRetries: 3,
		logger:     logger,
		metrics:    m,
	}
}

// Register adds a VM to the ledger. Sweep visits VMs in registration
// order.
func (l *Ledger) Register(vm *models.VirtualMachine) {
	if _, ok := l.vms[vm.Name]; ok {
		return
	}
	l.vms[vm.Name] = &entry{vm: vm}
	l.order = append(l.order, vm.Name)
}

// Assign appends a job to a VM's active list. The first job on an idle
// VM powers it on, blocking until the provider confirms it running.
func (l *Ledger) Assign(ctx context.Context, vmName string, job *models.Job) error {
	e, ok := l.vms[vmName]
	if !ok {
		return fmt.Errorf("ledger: unknown vm %q", vmName)
	}

	if len(e.active) == 0 {
		e.vm.State = models.VMStarting
		if err := l.start(ctx, e.vm); err != nil {
			e.vm.State = models.VMStopped
			l.transition(job, models.JobFailed)
			l.metrics.JobsFailed.WithLabelValues(string(job.Provider)).Inc()
			return err
		}
		e.vm.State = models.VMRunning
		l.metrics.VMStarts.WithLabelValues(string(e.vm.Provider)).Inc()
		l.logger.Info("vm started",
			zap.String("vm", e.vm.Name),
			zap.String("provider", string(e.vm.Provider)))
	}

	e.active = append(e.active, assignment{job: job})
	l.transition(job, models.JobScheduled)
	return nil
}

// OpenSession connects to the job's VM and dispatches its command. On
// failure the assignment is rolled back: the job is marked failed and
// the VM torn down again if this was its only work.
func (l *Ledger) OpenSession(ctx context.Context, vmName string, job *models.Job) error {
	e, ok := l.vms[vmName]
	if !ok {
		return fmt.Errorf("ledger: unknown vm %q", vmName)
	}

	idx := -1
	for i, a := range e.active {
		if a.job == job {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("ledger: job %q is not assigned to vm %q", job.Name, vmName)
	}

	var session remote.Session
	err := l.retry(ctx, func() error {
		var err error
		session, err = l.exec.Open(e.vm.Host, e.vm.Username, e.vm.PrivateKeyPath)
		if err != nil {
			return err
		}
		if err = session.Start(job.Command); err != nil {
			session.Close()
			session = nil
		}
		return err
	})
	if err != nil {
		l.drop(ctx, e, idx, models.JobFailed)
		return fmt.Errorf("dispatching job %q on vm %q: %w", job.Name, vmName, err)
	}

	e.active[idx].session = session
	l.transition(job, models.JobRunning)
	l.metrics.JobsScheduled.WithLabelValues(string(job.Provider)).Inc()
	l.logger.Info("job dispatched",
		zap.String("job", job.Name),
		zap.String("vm", vmName),
		zap.String("session", session.ID()))
	return nil
}

// Sweep probes every running job's completion indicator. Finished jobs
// are released; a VM whose last job finished is stopped and deallocated.
// Active lists are rebuilt rather than mutated mid-iteration.
func (l *Ledger) Sweep(ctx context.Context) {
	for _, name := range l.order {
		e := l.vms[name]
		if len(e.active) == 0 {
			// A previous stop the provider never confirmed is retried
			// here.
			if e.vm.State == models.VMStopping {
				l.stop(ctx, e)
			}
			continue
		}

		var remaining []assignment
		for _, a := range e.active {
			done, err := l.probe(ctx, a)
			if err != nil {
				l.logger.Error("completion probe failed, abandoning job",
					zap.String("job", a.job.Name),
					zap.String("vm", name),
					zap.Error(err))
				l.finish(a, models.JobFailed)
				continue
			}
			if done {
				l.logger.Info("job complete",
					zap.String("job", a.job.Name),
					zap.String("vm", name))
				l.finish(a, models.JobCompleted)
				continue
			}
			remaining = append(remaining, a)
		}
		e.active = remaining

		if len(e.active) == 0 {
			l.stop(ctx, e)
		}
	}
}

// Idle reports whether no VM has active work.
func (l *Ledger) Idle() bool {
	for _, e := range l.vms {
		if len(e.active) > 0 {
			return false
		}
	}
	return true
}

// Machines returns a copy of every VM's current state, for the status
// API.
func (l *Ledger) Machines() []models.VirtualMachine {
	vms := make([]models.VirtualMachine, 0, len(l.order))
	for _, name := range l.order {
		vms = append(vms, *l.vms[name].vm)
	}
	return vms
}

func (l *Ledger) probe(ctx context.Context, a assignment) (bool, error) {
	var out string
	err := l.retry(ctx, func() error {
		var err error
		out, err = a.session.Exec(a.job.CompletionProbe)
		return err
	})
	if err != nil {
		return false, err
	}
	return out == doneMarker, nil
}

func (l *Ledger) finish(a assignment, state models.JobState) {
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			l.logger.Warn("closing session", zap.String("job", a.job.Name), zap.Error(err))
		}
	}
	l.transition(a.job, state)
	provider := string(a.job.Provider)
	if state == models.JobCompleted {
		l.metrics.JobsCompleted.WithLabelValues(provider).Inc()
	} else {
		l.metrics.JobsFailed.WithLabelValues(provider).Inc()
	}
}

// drop removes the assignment at idx and marks its job, tearing the VM
// down if that was its only work.
func (l *Ledger) drop(ctx context.Context, e *entry, idx int, state models.JobState) {
	l.finish(e.active[idx], state)
	e.active = append(e.active[:idx:idx], e.active[idx+1:]...)
	if len(e.active) == 0 && e.vm.State == models.VMRunning {
		l.stop(ctx, e)
	}
}

func (l *Ledger) start(ctx context.Context, vm *models.VirtualMachine) error {
	provider := l.clouds[vm.Provider]
	if err := l.retry(ctx, func() error { return provider.StartVM(ctx, vm) }); err != nil {
		return err
	}
	if err := l.retry(ctx, func() error { return provider.WaitUntilRunning(ctx, vm) }); err != nil {
		// The start was accepted, so the machine may be powering on
		// with no work to run. Best-effort shutdown before giving up.
		if stopErr := provider.StopVM(ctx, vm); stopErr != nil {
			l.logger.Error("stopping vm after failed start",
				zap.String("vm", vm.Name), zap.Error(stopErr))
		} else if stopErr = provider.Deallocate(ctx, vm); stopErr != nil {
			l.logger.Error("deallocating vm after failed start",
				zap.String("vm", vm.Name), zap.Error(stopErr))
		}
		return err
	}
	return nil
}

func (l *Ledger) stop(ctx context.Context, e *entry) {
	e.vm.State = models.VMStopping
	provider := l.clouds[e.vm.Provider]

	err := l.retry(ctx, func() error { return provider.StopVM(ctx, e.vm) })
	if err == nil {
		err = l.retry(ctx, func() error { return provider.Deallocate(ctx, e.vm) })
	}
	if err != nil {
		// No confirmation from the provider, so the state stays
		// stopping and the next sweep tries again.
		l.logger.Error("vm stop failed",
			zap.String("vm", e.vm.Name),
			zap.Error(err))
		return
	}
	l.logger.Info("vm deallocated", zap.String("vm", e.vm.Name))
	e.vm.State = models.VMStopped
	l.metrics.VMStops.WithLabelValues(string(e.vm.Provider)).Inc()
}

// transition applies a job lifecycle step, logging a rejected move
// instead of clobbering the state.
func (l *Ledger) transition(job *models.Job, to models.JobState) {
	if !job.Transition(to) {
		l.logger.Warn("job state transition rejected",
			zap.String("job", job.Name),
			zap.Stringer("from", job.State),
			zap.Stringer("to", to))
	}
}

// retry runs op with bounded exponential backoff. Credential failures
// are not retried.
func (l *Ledger) retry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), l.maxRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && cloud.IsAuth(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}
