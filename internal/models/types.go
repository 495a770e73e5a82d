package models

import "time"

// Provider identifies one of the two supported cloud providers.
type Provider string

const (
	ProviderAzure Provider = "azure"
	ProviderAWS   Provider = "aws"
)

// Providers lists the supported providers in the fixed order the
// orchestrator evaluates them.
var Providers = []Provider{ProviderAzure, ProviderAWS}

// JobState tracks a job through its lifecycle.
type JobState int

const (
	JobPending JobState = iota
	JobScheduled
	JobRunning
	JobCompleted
	JobFailed
)

var jobStateNames = map[JobState]string{
	JobPending:   "pending",
	JobScheduled: "scheduled",
	JobRunning:   "running",
	JobCompleted: "completed",
	JobFailed:    "failed",
}

func (s JobState) String() string { return jobStateNames[s] }

var jobTransitions = map[JobState][]JobState{
	JobPending:   {JobScheduled, JobFailed},
	JobScheduled: {JobRunning, JobFailed},
	JobRunning:   {JobCompleted, JobFailed},
	JobCompleted: {},
	JobFailed:    {},
}

// ValidJobTransition reports whether a job may move from one state to
// another.
func ValidJobTransition(from, to JobState) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is a batch workload waiting to run on a VM. Location is the
// provider-specific location identifier the job was submitted against;
// LocationSwitch permits running it elsewhere when that lowers carbon
// impact.
type Job struct {
	Name                string
	Provider            Provider
	Location            string
	TimeSensitive       bool
	LocationSwitch      bool
	PercentileThreshold float64
	Command             string
	CompletionProbe     string
	SubmittedAt         time.Time
	State               JobState
}

// Transition moves the job to the given state. It reports false and
// leaves the state untouched when the move is not a legal lifecycle
// step.
func (j *Job) Transition(to JobState) bool {
	if !ValidJobTransition(j.State, to) {
		return false
	}
	j.State = to
	return true
}

// VMState represents the lifecycle state of a managed virtual machine.
type VMState int

const (
	VMStopped VMState = iota
	VMStarting
	VMRunning
	VMStopping
)

var vmStateNames = map[VMState]string{
	VMStopped:  "stopped",
	VMStarting: "starting",
	VMRunning:  "running",
	VMStopping: "stopping",
}

func (s VMState) String() string { return vmStateNames[s] }

// VirtualMachine is a pre-provisioned machine the scheduler may power on
// and off. ResourceGroup is only set for Azure machines.
type VirtualMachine struct {
	Name           string
	Provider       Provider
	Location       string
	ResourceGroup  string
	Host           string
	Username       string
	PrivateKeyPath string
	State          VMState
}
