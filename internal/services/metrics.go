// Package services – Prometheus collectors
//
// Engine-level metrics for the credit ledger and the query cache. HTTP
// traffic metrics live in the middleware package; these counters track the
// business outcomes that dashboards actually alert on: spend rate, rejected
// deductions (quota pressure) and cache effectiveness.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// creditsDeducted counts credits successfully spent, by principal class.
	creditsDeducted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_deducted_total",
			Help: "Total credits deducted from principal balances.",
		},
		[]string{"principal_class"}, // "guest" | "user"
	)

	// creditsRejected counts deductions refused for insufficient balance.
	creditsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_deductions_rejected_total",
			Help: "Deduction attempts rejected due to insufficient credits.",
		},
		[]string{"principal_class"},
	)

	// creditResets counts balance resets, split by trigger.
	creditResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_resets_total",
			Help: "Credit balance resets applied.",
		},
		[]string{"trigger"}, // "lazy" | "sweep" | "manual"
	)

	// cacheHits / cacheMisses track query-cache effectiveness.
	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "query_cache_hits_total",
			Help: "Recommendation queries served from the cache.",
		},
	)
	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "query_cache_misses_total",
			Help: "Recommendation queries that missed the cache.",
		},
	)
)

func init() {
	prometheus.MustRegister(creditsDeducted, creditsRejected, creditResets, cacheHits, cacheMisses)
}

// principalClass maps the guest flag to the metric label value.
func principalClass(isGuest bool) string {
	if isGuest {
		return "guest"
	}
	return "user"
}
