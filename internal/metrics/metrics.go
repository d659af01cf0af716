// Package metrics provides Prometheus instrumentation for Kestrel.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// EvaluationsTotal counts fraud evaluations by outcome.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Total fraud evaluations by risk level and status.",
		},
		[]string{"risk_level", "status"},
	)

	// EvaluationDuration observes end-to-end evaluation latency.
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluation_duration_seconds",
		Help:      "Fraud evaluation duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// SafeDefaultsTotal counts evaluations that fell back to the safe default.
	SafeDefaultsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "safe_defaults_total",
		Help:      "Evaluations that failed internally and returned the safe default score.",
	})

	// SignalFallbacksTotal counts external signals replaced by their fallback.
	SignalFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_fallbacks_total",
			Help:      "External signal calls that used the fallback value, by provider.",
		},
		[]string{"provider"},
	)

	// BlacklistHitsTotal counts blacklist matches by identity type.
	BlacklistHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blacklist_hits_total",
			Help:      "Blacklist matches by identity type.",
		},
		[]string{"identity_type"},
	)

	// AutoBlacklistedTotal counts entries created by the auto-blacklister.
	AutoBlacklistedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_blacklisted_total",
			Help:      "Blacklist entries created automatically, by identity type.",
		},
		[]string{"identity_type"},
	)

	// RuleTriggersTotal counts rule matches by rule id.
	RuleTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_triggers_total",
			Help:      "Rule matches by rule id.",
		},
		[]string{"rule_id"},
	)

	// FraudAttemptsTotal counts recorded attempts by pattern.
	FraudAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fraud_attempts_total",
			Help:      "Fraud attempts recorded, by attempt type.",
		},
		[]string{"type"},
	)

	// ActiveRules tracks the number of compiled rules in the engine.
	ActiveRules = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_rules",
		Help:      "Number of active rules loaded in the engine.",
	})

	// CacheLookupsTotal counts cache reads by tier (near, redis) and result.
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by tier and hit or miss.",
		},
		[]string{"tier", "result"},
	)

	// CacheInvalidationsTotal counts near-cache entries dropped on a peer's request.
	CacheInvalidationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_invalidations_total",
		Help:      "Near-cache entries dropped after an invalidation message.",
	})

	// BusMessagesTotal counts event bus traffic by bus, topic and outcome
	// (published, dropped, handled, failed).
	BusMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "Event bus messages by bus type, topic, and outcome.",
		},
		[]string{"bus", "topic", "outcome"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EvaluationsTotal,
		EvaluationDuration,
		SafeDefaultsTotal,
		SignalFallbacksTotal,
		BlacklistHitsTotal,
		AutoBlacklistedTotal,
		RuleTriggersTotal,
		FraudAttemptsTotal,
		ActiveRules,
		CacheLookupsTotal,
		CacheInvalidationsTotal,
		BusMessagesTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one finished request.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, statusBucket(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveCacheLookup records a read against one cache tier.
func ObserveCacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}

// DBStatser is satisfied by *sql.DB and the SQL repository.
type DBStatser interface {
	Stats() sql.DBStats
}

// StartDBStatsCollector periodically samples connection pool stats and the
// goroutine count. Call in a goroutine; it exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db DBStatser, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}
