// Package metrics exposes the daemon's Prometheus collectors
// (SPEC_FULL.md §4.14): switcher tick activity, agent RPC outcomes,
// and catalog CAS contention, the three surfaces an operator dashboard
// needs to tell a healthy cluster from a stuck switcher.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every collector clustermgrd registers, so callers
// pass one value around instead of package-level globals.
type Registry struct {
	SwitcherTicks       prometheus.Counter
	SwitcherSwitches    *prometheus.CounterVec // labels: outcome = success|abort
	AgentRPCDuration    *prometheus.HistogramVec // labels: command
	AgentRPCFailures    *prometheus.CounterVec   // labels: command, code
	CatalogCASConflicts prometheus.Counter
}

func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		SwitcherTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "clustermgr",
			Subsystem: "switcher",
			Name:      "ticks_total",
			Help:      "Number of switcher loop ticks executed.",
		}),
		SwitcherSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clustermgr",
			Subsystem: "switcher",
			Name:      "switches_total",
			Help:      "Number of master-failed/normal-master-regained procedures run, by outcome.",
		}, []string{"outcome"}),
		AgentRPCDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clustermgr",
			Subsystem: "agent",
			Name:      "rpc_duration_seconds",
			Help:      "Latency of agent RPC calls, by command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		AgentRPCFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clustermgr",
			Subsystem: "agent",
			Name:      "rpc_failures_total",
			Help:      "Agent RPC failures, by command and error code.",
		}, []string{"command", "code"}),
		CatalogCASConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "clustermgr",
			Subsystem: "catalog",
			Name:      "cas_conflicts_total",
			Help:      "update_cure_status calls that lost their compare-and-swap race.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for the given registry's
// gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
