package nomad

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Provisioned counts granted agents
	Provisioned *prometheus.CounterVec
	// Denied counts capacity checks that stopped provisioning, by reason
	Denied *prometheus.CounterVec
	// Launches counts finished launches by final state
	Launches       *prometheus.CounterVec
	LaunchDuration *prometheus.HistogramVec
	// Terminations counts terminations by outcome
	Terminations *prometheus.CounterVec
	InFlight     *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Unregistered metrics still work, they are just never exported
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Provisioned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nomadcloud_provisioned_agents_total",
			Help: "Number of agents granted by provisioning.",
		}, []string{"provider", "template"}),

		Denied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nomadcloud_provisioning_denied_total",
			Help: "Number of provisioning passes stopped by a capacity check.",
		}, []string{"provider", "template", "reason"}),

		Launches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nomadcloud_launches_total",
			Help: "Number of finished agent launches, by final state.",
		}, []string{"provider", "state"}),

		LaunchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nomadcloud_launch_duration_seconds",
			Help:    "Time from job submission to agent connection.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"provider"}),

		Terminations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nomadcloud_terminations_total",
			Help: "Number of agent terminations, by outcome.",
		}, []string{"provider", "outcome"}),

		InFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nomadcloud_inflight_agents",
			Help: "Number of agents being launched.",
		}, []string{"provider"}),
	}
}
