package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/spec-kit/crm-chat-sync/internal/coordination"
)

// Sync outcome counters. They double as field names in the shared metrics hash.
const (
	OutcomeChannelSuccess   = "channel_success"
	OutcomeChannelFailure   = "channel_failure"
	OutcomeFallbackCreated  = "fallback_created"
	OutcomeFallbackReused   = "fallback_reused"
	OutcomeFallbackDeferred = "fallback_deferred"
	OutcomeFallbackFailed   = "fallback_failed"
	OutcomeFallbackSkipped  = "fallback_duplicate"
	OutcomeSelfEcho         = "self_echo_suppressed"
	OutcomeIndexError       = "index_error"
	OutcomeInvalidEvent     = "invalid_event"
	OutcomeFlushCommitted   = "flush_committed"
	OutcomeFlushRequeued    = "flush_requeued"
	OutcomeFlushRetry       = "flush_retry_scheduled"
	OutcomeFlushAbandoned   = "flush_abandoned"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ErrorsTotal tracks HTTP errors by domain code.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_http_errors_total",
			Help: "HTTP errors by error code",
		},
		[]string{"method", "path", "code"},
	)

	// SyncOutcomesTotal tracks pipeline outcomes.
	SyncOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_sync_outcomes_total",
			Help: "Conversation sync outcomes",
		},
		[]string{"outcome"},
	)

	// EventsTotal tracks chat events seen by the bridge.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_events_total",
			Help: "Chat events received",
		},
		[]string{"type", "result"},
	)
)

// Metrics records counters to Prometheus and mirrors sync outcomes into the
// shared Redis hash so every worker reports the same totals.
type Metrics struct {
	store      coordination.Store
	metricsKey string
	logger     *zap.Logger
}

// NewMetrics initializes metrics. store may be nil, in which case only
// Prometheus counters are kept.
func NewMetrics(store coordination.Store, metricsKey string, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Metrics{store: store, metricsKey: metricsKey, logger: logger}
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	RequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
	RequestsTotal.WithLabelValues(method, path, code).Inc()
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	ErrorsTotal.WithLabelValues(method, path, code).Inc()
}

// RecordEvent counts a chat event by type and handling result.
func (m *Metrics) RecordEvent(eventType, result string) {
	if m == nil {
		return
	}
	EventsTotal.WithLabelValues(eventType, result).Inc()
}

// IncSync records a sync outcome. Failures to reach the shared hash are logged
// and never returned.
func (m *Metrics) IncSync(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	SyncOutcomesTotal.WithLabelValues(outcome).Inc()
	if m.store == nil || m.metricsKey == "" {
		return
	}
	if err := m.store.IncrMetric(ctx, m.metricsKey, outcome, 1); err != nil {
		m.logger.Debug("metrics hash update failed", zap.String("outcome", outcome), zap.Error(err))
	}
}

// Snapshot returns the shared counters.
func (m *Metrics) Snapshot(ctx context.Context) (map[string]int64, error) {
	if m == nil || m.store == nil {
		return map[string]int64{}, nil
	}
	return m.store.Metrics(ctx, m.metricsKey)
}
