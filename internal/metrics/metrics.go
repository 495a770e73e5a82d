package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the scheduler's Prometheus collectors. Constructing it
// against a caller-supplied Registerer keeps tests independent of the
// default registry.
type Registry struct {
	CarbonIntensity   *prometheus.GaugeVec
	MOER              *prometheus.GaugeVec
	PendingJobs       *prometheus.GaugeVec
	JobsScheduled     *prometheus.CounterVec
	JobsCompleted     *prometheus.CounterVec
	JobsFailed        *prometheus.CounterVec
	VMStarts          *prometheus.CounterVec
	VMStops           *prometheus.CounterVec
	CarbonFetchErrors prometheus.Counter
}

func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		CarbonIntensity: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "carbonsched_carbon_intensity_gco2_per_kwh",
				Help: "Estimated carbon intensity by region in gCO2/kWh",
			},
			[]string{"region"},
		),
		MOER: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "carbonsched_moer",
				Help: "Normalized marginal emission rate by region",
			},
			[]string{"region"},
		),
		PendingJobs: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "carbonsched_pending_jobs",
				Help: "Jobs waiting for a scheduling decision",
			},
			[]string{"provider"},
		),
		JobsScheduled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carbonsched_jobs_scheduled_total",
				Help: "Jobs handed to a VM",
			},
			[]string{"provider"},
		),
		JobsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carbonsched_jobs_completed_total",
				Help: "Jobs whose completion probe reported done",
			},
			[]string{"provider"},
		),
		JobsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carbonsched_jobs_failed_total",
				Help: "Jobs abandoned after exhausted retries or disabled providers",
			},
			[]string{"provider"},
		),
		VMStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carbonsched_vm_starts_total",
				Help: "VM power-on operations issued",
			},
			[]string{"provider"},
		),
		VMStops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carbonsched_vm_stops_total",
				Help: "VM stop/deallocate operations issued",
			},
			[]string{"provider"},
		),
		CarbonFetchErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "carbonsched_carbon_fetch_errors_total",
				Help: "Failed carbon-data fetches",
			},
		),
	}
}
