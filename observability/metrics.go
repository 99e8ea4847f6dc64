package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	leaderboardMetricsOnce sync.Once
	leaderboardRegistry    *LeaderboardMetrics
)

// HTTP returns the lazily-initialised registry recording API request
// activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "leaderboard",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "leaderboard",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "leaderboard",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "leaderboard",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// LeaderboardMetrics wraps collectors tracking the engine.
type LeaderboardMetrics struct {
	submissions   *prometheus.CounterVec
	verifyLatency prometheus.Histogram
	escrowBalance prometheus.Gauge
	rankingSize   prometheus.Gauge
	deposits      prometheus.Counter
	withdrawals   *prometheus.CounterVec
	payouts       *prometheus.CounterVec
}

// Leaderboard exposes the metrics registry for the leaderboard engine.
func Leaderboard() *LeaderboardMetrics {
	leaderboardMetricsOnce.Do(func() {
		leaderboardRegistry = &LeaderboardMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "leaderboard",
				Subsystem: "engine",
				Name:      "submissions_total",
				Help:      "Score submissions segmented by outcome.",
			}, []string{"outcome"}),
			verifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "leaderboard",
				Subsystem: "engine",
				Name:      "submission_duration_seconds",
				Help:      "Latency of AddScore including signature recovery and persistence.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
			}),
			escrowBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "leaderboard",
				Subsystem: "engine",
				Name:      "escrow_balance",
				Help:      "Current escrow balance in base units.",
			}),
			rankingSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "leaderboard",
				Subsystem: "engine",
				Name:      "ranking_entries",
				Help:      "Number of retained ranking entries.",
			}),
			deposits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "leaderboard",
				Subsystem: "engine",
				Name:      "deposits_total",
				Help:      "Count of unconditional deposits.",
			}),
			withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "leaderboard",
				Subsystem: "engine",
				Name:      "withdrawals_total",
				Help:      "Withdrawal attempts segmented by outcome.",
			}, []string{"outcome"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "leaderboard",
				Subsystem: "engine",
				Name:      "payout_amount_total",
				Help:      "Cumulative amount paid per distribution slot in base units.",
			}, []string{"slot"}),
		}
		prometheus.MustRegister(
			leaderboardRegistry.submissions,
			leaderboardRegistry.verifyLatency,
			leaderboardRegistry.escrowBalance,
			leaderboardRegistry.rankingSize,
			leaderboardRegistry.deposits,
			leaderboardRegistry.withdrawals,
			leaderboardRegistry.payouts,
		)
	})
	return leaderboardRegistry
}

// RecordSubmission counts a submission and its latency. Outcomes are stable
// strings such as "accepted" or "replayed_nonce".
func (m *LeaderboardMetrics) RecordSubmission(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(labelOutcome(outcome)).Inc()
	m.verifyLatency.Observe(d.Seconds())
}

// RecordDeposit counts an unconditional deposit.
func (m *LeaderboardMetrics) RecordDeposit() {
	if m == nil {
		return
	}
	m.deposits.Inc()
}

// RecordWithdrawal counts a withdrawal attempt.
func (m *LeaderboardMetrics) RecordWithdrawal(outcome string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(labelOutcome(outcome)).Inc()
}

// RecordPayout adds amount to the running total paid to slot.
func (m *LeaderboardMetrics) RecordPayout(slot string, amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	m.payouts.WithLabelValues(slot).Add(bigToFloat(amount))
}

// SetState updates the balance and ranking gauges.
func (m *LeaderboardMetrics) SetState(balance *big.Int, entries int) {
	if m == nil {
		return
	}
	m.escrowBalance.Set(bigToFloat(balance))
	m.rankingSize.Set(float64(entries))
}

func labelOutcome(outcome string) string {
	trimmed := strings.TrimSpace(outcome)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
