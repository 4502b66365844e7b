// Package metrics provides Prometheus instrumentation for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RPC metrics.
var (
	RPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hiboss_rpc_requests_total",
		Help: "Total number of JSON-RPC calls handled over the local socket.",
	}, []string{"method", "code"})

	RPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hiboss_rpc_request_duration_seconds",
		Help:    "JSON-RPC call duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

// Turn/executor metrics.
var (
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hiboss_turns_total",
		Help: "Total number of agent turns run, by outcome.",
	}, []string{"agent", "status"})

	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hiboss_turn_duration_seconds",
		Help:    "Agent turn duration in seconds, from PREP to ACK/FAIL.",
		Buckets: prometheus.DefBuckets,
	}, []string{"agent", "provider"})

	ActiveAgentRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hiboss_active_agent_runs",
		Help: "Number of agents currently in state RUNNING.",
	})

	AgentContextLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hiboss_agent_context_length",
		Help: "Last observed provider context length, per agent.",
	}, []string{"agent"})
)

// Envelope/routing metrics.
var (
	EnvelopesRoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hiboss_envelopes_routed_total",
		Help: "Total number of envelopes routed, by destination kind and outcome.",
	}, []string{"destination", "outcome"})

	EnvelopesPendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hiboss_envelopes_pending",
		Help: "Number of envelopes currently in state pending.",
	})
)

// Cron materializer metrics.
var (
	CronOccurrencesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hiboss_cron_occurrences_total",
		Help: "Total number of cron-schedule occurrences materialized into envelopes.",
	})
)

// Adapter bridge metrics.
var (
	AdapterMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hiboss_adapter_messages_total",
		Help: "Total number of adapter messages processed, by platform, direction, and outcome.",
	}, []string{"platform", "direction", "outcome"})
)
