package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridshift/carbonsched/internal/carbon"
	"github.com/gridshift/carbonsched/internal/ledger"
	"github.com/gridshift/carbonsched/internal/metrics"
	"github.com/gridshift/carbonsched/internal/models"
	"github.com/gridshift/carbonsched/internal/region"
	"github.com/gridshift/carbonsched/pkg/cloud"
	"github.com/gridshift/carbonsched/pkg/remote"
)

type fakeSource struct {
	percentiles map[string]float64
	failAll     bool
	fetches     int
	logins      int
}

func (f *fakeSource) CurrentPercentile(ctx context.Context, r string) (float64, error) {
	f.fetches++
	if f.failAll {
		return 0, &carbon.DataError{Region: r, StatusCode: 403}
	}
	if p, ok := f.percentiles[r]; ok {
		return p, nil
	}
	return 50, nil
}

func (f *fakeSource) Login(ctx context.Context) error {
	f.logins++
	return nil
}

type fakeCompute struct {
	starts   int
	stops    int
	startErr error
}

func (f *fakeCompute) StartVM(ctx context.Context, vm *models.VirtualMachine) error {
	f.starts++
	return f.startErr
}

func (f *fakeCompute) WaitUntilRunning(ctx context.Context, vm *models.VirtualMachine) error {
	return nil
}

func (f *fakeCompute) StopVM(ctx context.Context, vm *models.VirtualMachine) error {
	f.stops++
	return nil
}

func (f *fakeCompute) Deallocate(ctx context.Context, vm *models.VirtualMachine) error {
	return nil
}

type fakeSession struct {
	started  []string
	probeOut string
	closed   bool
}

func (s *fakeSession) ID() string { return "session" }

func (s *fakeSession) Start(cmd string) error {
	s.started = append(s.started, cmd)
	return nil
}

func (s *fakeSession) Exec(cmd string) (string, error) { return s.probeOut, nil }

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeExecutor struct {
	sessions []*fakeSession
	probeOut string
}

func (f *fakeExecutor) Open(host, user, keyPath string) (remote.Session, error) {
	out := f.probeOut
	if out == "" {
		out = "RUNNING"
	}
	s := &fakeSession{probeOut: out}
	f.sessions = append(f.sessions, s)
	return s, nil
}

type fixture struct {
	orch    *Orchestrator
	source  *fakeSource
	compute *fakeCompute
	exec    *fakeExecutor
}

func newFixture(t *testing.T, cfg Config, jobs []*models.Job, vms []*models.VirtualMachine) *fixture {
	t.Helper()
	catalog := region.DefaultCatalog()
	source := &fakeSource{}
	compute := &fakeCompute{}
	exec := &fakeExecutor{}
	m := metrics.NewRegistry(prometheus.NewRegistry())
	clouds := map[models.Provider]cloud.Compute{
		models.ProviderAzure: compute,
		models.ProviderAWS:   compute,
	}
	led := ledger.New(clouds, exec, zap.NewNop(), m)
	orch := New(cfg, catalog, source, led, jobs, vms, zap.NewNop(), m)
	return &fixture{orch: orch, source: source, compute: compute, exec: exec}
}

func eastUSVM() *models.VirtualMachine {
	return &models.VirtualMachine{
		Name:     "vm-east",
		Provider: models.ProviderAzure,
		Location: "East US",
		Host:     "10.0.0.4",
		Username: "batch",
	}
}

func urgentJob() *models.Job {
	return &models.Job{
		Name:            "urgent",
		Provider:        models.ProviderAzure,
		Location:        "East US",
		TimeSensitive:   true,
		Command:         "./run.sh",
		CompletionProbe: "cat status.txt",
		SubmittedAt:     time.Now(),
	}
}

func TestEmptyScheduleTerminatesImmediately(t *testing.T) {
	f := newFixture(t, Config{}, nil, []*models.VirtualMachine{eastUSVM()})

	done, err := f.orch.tick(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 0, f.source.fetches, "termination tick performs no fetch")
	assert.Equal(t, 0, f.compute.starts, "termination tick performs no scheduling action")
	assert.True(t, f.orch.Status().Drained)
}

func TestFullDrain(t *testing.T) {
	job := urgentJob()
	f := newFixture(t, Config{}, []*models.Job{job}, []*models.VirtualMachine{eastUSVM()})

	// Tick 1: job is scheduled, VM started, command dispatched.
	done, err := f.orch.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, models.JobRunning, job.State)
	assert.Equal(t, 1, f.compute.starts)
	require.Len(t, f.exec.sessions, 1)
	assert.Equal(t, []string{"./run.sh"}, f.exec.sessions[0].started)

	// Tick 2: probe still reports running; nothing changes.
	done, err = f.orch.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 0, f.compute.stops)

	// Tick 3: probe reports done; job completes and the VM is released.
	f.exec.sessions[0].probeOut = "DONE"
	done, err = f.orch.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, done, "drain is observed at the start of the next tick")
	assert.Equal(t, models.JobCompleted, job.State)
	assert.Equal(t, 1, f.compute.stops)

	// Tick 4: everything empty at tick start; terminate.
	done, err = f.orch.tick(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRunDrainsToCompletion(t *testing.T) {
	job := urgentJob()
	f := newFixture(t, Config{PollInterval: time.Millisecond},
		[]*models.Job{job}, []*models.VirtualMachine{eastUSVM()})

	// The probe reports done right away, so the first tick schedules,
	// dispatches and completes the job; the second tick observes the
	// drain and exits.
	f.exec.probeOut = "DONE"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Run(ctx))
	assert.Equal(t, models.JobCompleted, job.State)
}

func TestCarbonFailureRefreshesTokenAndSkips(t *testing.T) {
	job := &models.Job{
		Name:                "patient",
		Provider:            models.ProviderAzure,
		Location:            "East US",
		PercentileThreshold: 80,
		Command:             "./run.sh",
		CompletionProbe:     "cat status.txt",
		SubmittedAt:         time.Now(),
	}
	f := newFixture(t, Config{MaxCarbonFailTicks: 3},
		[]*models.Job{job}, []*models.VirtualMachine{eastUSVM()})
	f.source.failAll = true

	done, err := f.orch.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, done)

	regions := region.DefaultCatalog().Regions()
	assert.Equal(t, len(regions), f.source.fetches, "every region attempted once, no same-tick retry")
	assert.Equal(t, len(regions), f.source.logins, "each failure triggers a token refresh")
	assert.Equal(t, models.JobPending, job.State, "delayable job waits when no data is available")
	assert.Equal(t, 0, f.compute.starts)
}

func TestCarbonFailureStreakAborts(t *testing.T) {
	job := urgentJob()
	job.TimeSensitive = false
	job.PercentileThreshold = 0
	f := newFixture(t, Config{MaxCarbonFailTicks: 2},
		[]*models.Job{job}, []*models.VirtualMachine{eastUSVM()})
	f.source.failAll = true

	done, err := f.orch.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, done)

	_, err = f.orch.tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carbon data unavailable")
}

func TestAuthErrorDisablesOneProvider(t *testing.T) {
	azureJob := urgentJob()
	awsJob := &models.Job{
		Name:            "aws-urgent",
		Provider:        models.ProviderAWS,
		Location:        "us-east-2",
		TimeSensitive:   true,
		Command:         "./run.sh",
		CompletionProbe: "cat status.txt",
		SubmittedAt:     time.Now(),
	}
	awsVM := &models.VirtualMachine{
		Name:     "i-0abc",
		Provider: models.ProviderAWS,
		Location: "us-east-2",
		Host:     "10.0.1.4",
		Username: "batch",
	}

	catalog := region.DefaultCatalog()
	source := &fakeSource{}
	azureCompute := &fakeCompute{
		startErr: &cloud.AuthError{Provider: models.ProviderAzure, Err: errors.New("401")},
	}
	awsCompute := &fakeCompute{}
	exec := &fakeExecutor{}
	m := metrics.NewRegistry(prometheus.NewRegistry())
	led := ledger.New(map[models.Provider]cloud.Compute{
		models.ProviderAzure: azureCompute,
		models.ProviderAWS:   awsCompute,
	}, exec, zap.NewNop(), m)
	orch := New(Config{}, catalog, source, led,
		[]*models.Job{azureJob, awsJob},
		[]*models.VirtualMachine{eastUSVM(), awsVM},
		zap.NewNop(), m)

	done, err := orch.tick(context.Background())
	require.NoError(t, err, "an auth failure must not crash the loop")
	assert.False(t, done)

	assert.Equal(t, models.JobFailed, azureJob.State)
	assert.True(t, orch.disabled[models.ProviderAzure])
	assert.Equal(t, models.JobRunning, awsJob.State, "the other provider keeps scheduling")
	assert.Equal(t, 1, awsCompute.starts)
}
