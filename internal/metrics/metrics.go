// Package metrics defines the Prometheus metrics of the points ledger. All
// metrics register with the default registry on package init and are served
// by the /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ledger"

// TransactionsTotal counts committed transaction rows.
// Label:
//   - kind: purchase, redemption, adjustment, transfer, event
var TransactionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "Total number of ledger transaction rows committed.",
	},
	[]string{"kind"},
)

// OperationErrorsTotal counts ledger operations that ended in a terminal error.
// Labels:
//   - operation: create_transaction, process_redemption, set_suspicious, award_event
//   - reason: validation, not_found, forbidden, insufficient_balance,
//     budget_exceeded, promotion_conflict, state_conflict, internal
var OperationErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operation_errors_total",
		Help:      "Total number of ledger operations that failed.",
	},
	[]string{"operation", "reason"},
)

// CommitRetriesTotal counts atomic operations re-run after a serialization
// failure or deadlock.
var CommitRetriesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commit_retries_total",
		Help:      "Total number of atomic ledger operations retried after a commit conflict.",
	},
)

// EventPointsAwardedTotal sums points moved out of event pools.
var EventPointsAwardedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_points_awarded_total",
		Help:      "Total number of points awarded from event budgets.",
	},
)

// SuspiciousFlipsTotal counts suspicious-flag transitions that changed a balance.
// Label:
//   - direction: "flagged" or "cleared"
var SuspiciousFlipsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suspicious_flips_total",
		Help:      "Total number of suspicious-flag transitions applied.",
	},
	[]string{"direction"},
)

// OperationDuration measures an atomic ledger operation end to end.
var OperationDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Duration of ledger operations including retries.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"operation"},
)

// RateLimitedTotal counts requests rejected by the rate limiter.
var RateLimitedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "http",
		Name:      "rate_limited_total",
		Help:      "Total number of requests rejected with 429.",
	},
)
