package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Coordinator metrics
var (
	AgentRegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plowfleet_agent_registrations_total",
			Help: "Total number of agent registrations",
		},
		[]string{"source", "result"}, // source: self, provision; result: success, duplicate, invalid
	)

	AgentReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plowfleet_agent_reports_total",
			Help: "Total number of accepted agent reports",
		},
		[]string{"result"}, // success, failure
	)

	AgentCheckinsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plowfleet_agent_checkins_total",
			Help: "Total number of accepted agent checkins",
		},
	)

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plowfleet_auth_failures_total",
			Help: "Total number of rejected agent requests",
		},
		[]string{"reason"},
	)

	AgentsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plowfleet_agents",
			Help: "Number of registered agents by status",
		},
		[]string{"status"},
	)

	AgentsByHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plowfleet_agents_by_health",
			Help: "Number of approved agents by health tier",
		},
		[]string{"tier"},
	)

	HealthTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plowfleet_agent_health_transitions_total",
			Help: "Total number of agent health tier transitions",
		},
		[]string{"from", "to"},
	)

	LiveAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plowfleet_live_agents",
			Help: "Number of agents in the live set at the last schedule computation",
		},
	)
)

// Collector metrics
var (
	CollectorDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plowfleet_collector_decisions_total",
			Help: "Total number of collector arbitration decisions",
		},
		[]string{"decision"}, // fetch, skip_paused, skip_agents
	)

	CollectorFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plowfleet_collector_fetches_total",
			Help: "Total number of direct upstream fetches",
		},
		[]string{"result"}, // success, network, http, challenge, parse, timeout
	)

	CollectorPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plowfleet_collector_paused",
			Help: "1 if the direct collector is paused by an operator",
		},
	)
)

// Agent runtime metrics
var (
	AgentFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plowfleet_agent_fetches_total",
			Help: "Total number of upstream fetches made by this agent",
		},
		[]string{"result"},
	)

	AgentFetchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plowfleet_agent_fetch_duration_seconds",
			Help:    "Duration of upstream fetches in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
		},
	)

	AgentConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plowfleet_agent_consecutive_failures",
			Help: "Local consecutive failure counter of this agent",
		},
	)

	AgentState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plowfleet_agent_state",
			Help: "1 for the current runtime state of this agent",
		},
		[]string{"state"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plowfleet_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "route", "code"},
	)

	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plowfleet_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
