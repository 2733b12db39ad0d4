package service

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "voting_client"

// Operation names used in metrics and logs.
const (
	OpInitializePlatform = "initialize_platform"
	OpCreateProposal     = "create_proposal"
	OpCastVote           = "cast_vote"
	OpCloseProposal      = "close_proposal"
	OpGetProposal        = "get_proposal"
	OpGetAllProposals    = "get_all_proposals"
)

// MetricsCollector tracks performance metrics for different operations
type MetricsCollector struct {
	mu  sync.RWMutex
	ops map[string]*opStats

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	mxeStage *prometheus.CounterVec
}

type opStats struct {
	start time.Time
	end   time.Time
	count int
	fails int
	total time.Duration
}

// OperationMetrics contains timing information for an operation
type OperationMetrics struct {
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Count          int       `json:"count"`
	Failures       int       `json:"failures"`
	ProcessingTime int64     `json:"processing_time_ms"`
}

// NewMetricsCollector registers the collectors on reg. A nil registry
// keeps the collectors unregistered.
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(reg)
	return &MetricsCollector{
		ops: map[string]*opStats{},
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Voting client operations by result",
		}, []string{"operation", "result"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Voting client operation latency",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"operation"}),
		mxeStage: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mxe_resolution_total",
			Help:      "MXE key resolutions by the stage that produced the key",
		}, []string{"stage"}),
	}
}

// Record marks the end of an operation that started at start.
func (mc *MetricsCollector) Record(op string, start time.Time, err error) {
	elapsed := time.Since(start)

	result := "ok"
	if err != nil {
		result = "error"
	}
	mc.requests.WithLabelValues(op, result).Inc()
	mc.duration.WithLabelValues(op).Observe(elapsed.Seconds())

	mc.mu.Lock()
	defer mc.mu.Unlock()

	st, ok := mc.ops[op]
	if !ok {
		st = &opStats{start: start}
		mc.ops[op] = st
	}
	st.count++
	if err != nil {
		st.fails++
	}
	st.end = start.Add(elapsed)
	st.total += elapsed
}

// MXEStage counts where a cluster key was found.
func (mc *MetricsCollector) MXEStage(stage string) {
	mc.mxeStage.WithLabelValues(stage).Inc()
}

// GetMetrics returns current metrics for all operations
func (mc *MetricsCollector) GetMetrics() map[string]OperationMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(mc.ops))
	for op, st := range mc.ops {
		out[op] = OperationMetrics{
			StartTime:      st.start,
			EndTime:        st.end,
			Count:          st.count,
			Failures:       st.fails,
			ProcessingTime: st.total.Milliseconds(),
		}
	}
	return out
}

// Reset clears the in-memory snapshot. Prometheus counters are monotonic
// and are left alone.
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.ops = map[string]*opStats{}
}
