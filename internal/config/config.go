package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gridshift/carbonsched/internal/models"
	"github.com/gridshift/carbonsched/internal/region"
)

// Error is a fatal configuration problem, detected at startup before the
// scheduling loop runs.
type Error struct {
	Detail string
}

func (e *Error) Error() string { return "config: " + e.Detail }

func errorf(format string, args ...any) *Error {
	return &Error{Detail: fmt.Sprintf(format, args...)}
}

// JobSpec is one job entry in the schedule document.
type JobSpec struct {
	JobName             string  `json:"job_name"`
	Location            string  `json:"location"`
	TimeSensitive       bool    `json:"time_sensitive"`
	LocationSwitch      bool    `json:"location_switch"`
	PercentileThreshold float64 `json:"percentile_threshold"`
	Command             string  `json:"command"`
	Output              string  `json:"output"`
}

// VMSpec is one pre-provisioned machine in the schedule document.
type VMSpec struct {
	VMName            string `json:"vm_name"`
	Location          string `json:"location"`
	ResourceGroupName string `json:"resource_group_name,omitempty"`
	Host              string `json:"host"`
	Username          string `json:"username"`
	PKeyPath          string `json:"pkey_path"`
}

// Document is the parsed schedule configuration.
type Document struct {
	Azure    []JobSpec `json:"azure"`
	AWS      []JobSpec `json:"aws"`
	AzureVMs []VMSpec  `json:"azure_vms"`
	AWSVMs   []VMSpec  `json:"aws_vms"`
}

// Load reads and parses the schedule document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errorf("reading %s: %v", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errorf("parsing %s: %v", path, err)
	}
	return &doc, nil
}

// Validate checks the document against the region catalog. Every
// location must resolve to a served carbon region, every job must have a
// machine at its own location, and switchable jobs must have a machine at
// every location the policy could choose. Violations are fatal here so
// that region lookups are total at runtime.
func (d *Document) Validate(catalog *region.Catalog) error {
	vmsByLocation := map[models.Provider]map[string]bool{
		models.ProviderAzure: {},
		models.ProviderAWS:   {},
	}

	for _, group := range []struct {
		provider models.Provider
		vms      []VMSpec
	}{
		{models.ProviderAzure, d.AzureVMs},
		{models.ProviderAWS, d.AWSVMs},
	} {
		for _, vm := range group.vms {
			if vm.VMName == "" {
				return errorf("%s vm with empty vm_name", group.provider)
			}
			if vm.Host == "" || vm.Username == "" || vm.PKeyPath == "" {
				return errorf("vm %q: host, username and pkey_path are required", vm.VMName)
			}
			if group.provider == models.ProviderAzure && vm.ResourceGroupName == "" {
				return errorf("azure vm %q: resource_group_name is required", vm.VMName)
			}
			if _, ok := catalog.LocationRegion(group.provider, vm.Location); !ok {
				return errorf("vm %q: location %q is not served by %s: %v",
					vm.VMName, vm.Location, group.provider, region.ErrUnknownRegion)
			}
			vmsByLocation[group.provider][vm.Location] = true
		}
	}

	for _, group := range []struct {
		provider models.Provider
		jobs     []JobSpec
	}{
		{models.ProviderAzure, d.Azure},
		{models.ProviderAWS, d.AWS},
	} {
		for _, job := range group.jobs {
			if job.JobName == "" {
				return errorf("%s job with empty job_name", group.provider)
			}
			if job.Command == "" || job.Output == "" {
				return errorf("job %q: command and output are required", job.JobName)
			}
			if job.PercentileThreshold < 0 || job.PercentileThreshold > 100 {
				return errorf("job %q: percentile_threshold %v out of range [0,100]",
					job.JobName, job.PercentileThreshold)
			}
			if _, ok := catalog.LocationRegion(group.provider, job.Location); !ok {
				return errorf("job %q: location %q is not served by %s: %v",
					job.JobName, job.Location, group.provider, region.ErrUnknownRegion)
			}
			if !vmsByLocation[group.provider][job.Location] {
				return errorf("job %q: no %s vm configured in location %q",
					job.JobName, group.provider, job.Location)
			}
			if job.LocationSwitch {
				for _, loc := range catalog.EligibleLocations(group.provider) {
					if !vmsByLocation[group.provider][loc] {
						return errorf("job %q may switch location but no %s vm is configured in %q",
							job.JobName, group.provider, loc)
					}
				}
			}
		}
	}
	return nil
}

// Jobs materializes the document's job specs, stamping every job with the
// same submission time.
func (d *Document) Jobs(submitted time.Time) []*models.Job {
	var jobs []*models.Job
	for _, spec := range d.Azure {
		jobs = append(jobs, buildJob(spec, models.ProviderAzure, submitted))
	}
	for _, spec := range d.AWS {
		jobs = append(jobs, buildJob(spec, models.ProviderAWS, submitted))
	}
	return jobs
}

func buildJob(spec JobSpec, provider models.Provider, submitted time.Time) *models.Job {
	return &models.Job{
		Name:                spec.JobName,
		Provider:            provider,
		Location:            spec.Location,
		TimeSensitive:       spec.TimeSensitive,
		LocationSwitch:      spec.LocationSwitch,
		PercentileThreshold: spec.PercentileThreshold,
		Command:             spec.Command,
		CompletionProbe:     spec.Output,
		SubmittedAt:         submitted,
		State:               models.JobPending,
	}
}

// VMs materializes the document's machine specs. All machines start out
// Stopped.
func (d *Document) VMs() []*models.VirtualMachine {
	var vms []*models.VirtualMachine
	for _, spec := range d.AzureVMs {
		vms = append(vms, buildVM(spec, models.ProviderAzure))
	}
	for _, spec := range d.AWSVMs {
		vms = append(vms, buildVM(spec, models.ProviderAWS))
	}
	return vms
}

func buildVM(spec VMSpec, provider models.Provider) *models.VirtualMachine {
	return &models.VirtualMachine{
		Name:           spec.VMName,
		Provider:       provider,
		Location:       spec.Location,
		ResourceGroup:  spec.ResourceGroupName,
		Host:           spec.Host,
		Username:       spec.Username,
		PrivateKeyPath: spec.PKeyPath,
		State:          models.VMStopped,
	}
}
