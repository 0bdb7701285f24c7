package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scp_hosts_total",
			Help: "Total number of managed hosts by transport and scan status",
		},
		[]string{"transport", "status"},
	)

	ConfigsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scp_configs_total",
			Help: "Total number of stored collector configurations",
		},
	)

	// Deployment metrics
	DeploymentsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scp_deployments_started_total",
			Help: "Total number of deployment jobs started by operation",
		},
		[]string{"operation"},
	)

	DeploymentResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scp_deployment_results_total",
			Help: "Total number of per-host deployment results by outcome",
		},
		[]string{"outcome"},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scp_deployment_duration_seconds",
			Help:    "Deployment job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"operation"},
	)

	// Agent protocol metrics
	AgentRegistrations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scp_agent_registrations_total",
			Help: "Total number of agent registration requests accepted",
		},
	)

	AgentHeartbeats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scp_agent_heartbeats_total",
			Help: "Total number of agent heartbeats processed",
		},
	)

	CommandsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scp_commands_enqueued_total",
			Help: "Total number of agent commands enqueued by type",
		},
		[]string{"type"},
	)

	CommandsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scp_commands_completed_total",
			Help: "Total number of agent command results by status",
		},
		[]string{"status"},
	)

	// Scan and analysis metrics
	ScansCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scp_inventory_scans_total",
			Help: "Total number of inventory scans completed",
		},
	)

	NoiseRunsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scp_noise_runs_total",
			Help: "Total number of noise analysis runs completed",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scp_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(ConfigsTotal)
	prometheus.MustRegister(DeploymentsStarted)
	prometheus.MustRegister(DeploymentResults)
	prometheus.MustRegister(DeploymentDuration)
	prometheus.MustRegister(AgentRegistrations)
	prometheus.MustRegister(AgentHeartbeats)
	prometheus.MustRegister(CommandsEnqueued)
	prometheus.MustRegister(CommandsCompleted)
	prometheus.MustRegister(ScansCompleted)
	prometheus.MustRegister(NoiseRunsCompleted)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
