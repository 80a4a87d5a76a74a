// Package metrics defines the Prometheus instrumentation surfaced by
// Polis: mint failures, DLP blocks, commit outcomes, and store-unavailable
// events (SPEC_FULL.md §13, grounded on wisbric-nightowl's use of
// prometheus.Counter for exactly this shape of gate/counter telemetry).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every Polis metric. Callers register it once against a
// prometheus.Registerer at startup.
type Registry struct {
	MintFailures           prometheus.Counter
	RequestsRewritten      prometheus.Counter
	DLPBlocks              *prometheus.CounterVec
	DLPAllows              *prometheus.CounterVec
	ApprovalsCommitted     prometheus.Counter
	ExceptionsCommitted    prometheus.Counter
	OTTTimeGateSkips       prometheus.Counter
	OTTContextRejects      prometheus.Counter
	StoreUnavailable       *prometheus.CounterVec
	ExceptionLookupSeconds prometheus.Histogram
}

// New constructs a Registry with all metrics initialized but not yet
// registered.
func New() *Registry {
	return &Registry{
		MintFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polis",
			Subsystem: "tokenmint",
			Name:      "failures_total",
			Help:      "Total OTT mint failures (entropy source unavailable).",
		}),
		RequestsRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polis",
			Subsystem: "reqmod",
			Name:      "rewrites_total",
			Help:      "Total governance commands rewritten with an OTT.",
		}),
		DLPBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polis",
			Subsystem: "dlp",
			Name:      "blocks_total",
			Help:      "Total DLP blocks by pattern name.",
		}, []string{"pattern"}),
		DLPAllows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polis",
			Subsystem: "dlp",
			Name:      "allows_total",
			Help:      "Total DLP allows via a matching exception, by pattern name.",
		}, []string{"pattern"}),
		ApprovalsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polis",
			Subsystem: "respmod",
			Name:      "approvals_committed_total",
			Help:      "Total approval commits.",
		}),
		ExceptionsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polis",
			Subsystem: "respmod",
			Name:      "exceptions_committed_total",
			Help:      "Total exception commits via the proxy path.",
		}),
		OTTTimeGateSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polis",
			Subsystem: "respmod",
			Name:      "time_gate_skips_total",
			Help:      "Total OTT presentations skipped by the time-gate.",
		}),
		OTTContextRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polis",
			Subsystem: "respmod",
			Name:      "context_rejects_total",
			Help:      "Total OTT presentations rejected by context-binding (host mismatch).",
		}),
		StoreUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polis",
			Subsystem: "statestore",
			Name:      "unavailable_total",
			Help:      "Total state-store operation failures, by component.",
		}, []string{"component"}),
		ExceptionLookupSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "polis",
			Subsystem: "dlp",
			Name:      "exception_lookup_seconds",
			Help:      "Latency of the DLP exception-store lookup.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05},
		}),
	}
}

// MustRegister registers every metric against reg, panicking on a
// duplicate-registration error (a startup-time programmer error, not a
// runtime condition).
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.MintFailures,
		r.RequestsRewritten,
		r.DLPBlocks,
		r.DLPAllows,
		r.ApprovalsCommitted,
		r.ExceptionsCommitted,
		r.OTTTimeGateSkips,
		r.OTTContextRejects,
		r.StoreUnavailable,
		r.ExceptionLookupSeconds,
	)
}
