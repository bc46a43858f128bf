package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cropadvisor"

type moduleMetrics struct {
	queueDepth   *prometheus.GaugeVec
	enqueueTotal prometheus.Counter
	taskTotal    *prometheus.CounterVec

	turnsTotal    *prometheus.CounterVec
	turnDuration  prometheus.Histogram
	stateEntries  *prometheus.CounterVec
	sessionOps    *prometheus.CounterVec
	sessionOpTime *prometheus.HistogramVec

	toolTierAttempts *prometheus.CounterVec
	toolTierDuration *prometheus.HistogramVec
	toolUnavailable  *prometheus.CounterVec

	validationAttempts *prometheus.CounterVec
	guardrailDecisions *prometheus.CounterVec

	modelCalls       *prometheus.CounterVec
	modelDuration    *prometheus.HistogramVec
	providerCooldown *prometheus.GaugeVec

	digestDeliveries *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_depth",
					Help:      "Pending turns per lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "queue_enqueue_total",
					Help:      "Total turns submitted to the queue.",
				},
			),
			taskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "queue_tasks_total",
					Help:      "Completed queue tasks by status.",
				},
				[]string{"status"},
			),
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turns_total",
					Help:      "Orchestrator turns by outcome.",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_duration_seconds",
					Help:      "End-to-end turn duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			stateEntries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "state_entries_total",
					Help:      "State machine state entries by state.",
				},
				[]string{"state"},
			),
			sessionOps: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_ops_total",
					Help:      "Session store operations by op and result.",
				},
				[]string{"op", "result"},
			),
			sessionOpTime: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_op_duration_seconds",
					Help:      "Session store operation duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			toolTierAttempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_tier_attempts_total",
					Help:      "Tool tier attempts by source, tier and result.",
				},
				[]string{"source", "tier", "result"},
			),
			toolTierDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_tier_duration_seconds",
					Help:      "Tool tier attempt duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"source", "tier"},
			),
			toolUnavailable: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_unavailable_total",
					Help:      "Fetches where every tier failed, by source.",
				},
				[]string{"source"},
			),
			validationAttempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "validation_attempts_total",
					Help:      "Advisory validation attempts by result.",
				},
				[]string{"result"},
			),
			guardrailDecisions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "guardrail_decisions_total",
					Help:      "Guardrail decisions by outcome.",
				},
				[]string{"outcome"},
			),
			modelCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_calls_total",
					Help:      "Model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "model_call_duration_seconds",
					Help:      "Model call duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_cooldown",
					Help:      "1 while a model provider profile is cooling down.",
				},
				[]string{"provider"},
			),
			digestDeliveries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "digest_deliveries_total",
					Help:      "Daily digest deliveries by result.",
				},
				[]string{"result"},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.taskTotal,
			m.turnsTotal,
			m.turnDuration,
			m.stateEntries,
			m.sessionOps,
			m.sessionOpTime,
			m.toolTierAttempts,
			m.toolTierDuration,
			m.toolUnavailable,
			m.validationAttempts,
			m.guardrailDecisions,
			m.modelCalls,
			m.modelDuration,
			m.providerCooldown,
			m.digestDeliveries,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, depth int) {
	m := getMetrics()
	m.enqueueTotal.Inc()
	m.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

func RecordQueueCompletion(lane string, success bool, depth int) {
	m := getMetrics()
	m.taskTotal.WithLabelValues(statusLabel(success)).Inc()
	m.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// ForgetLane drops the per-lane gauge so idle users do not accumulate series.
func ForgetLane(lane string) {
	getMetrics().queueDepth.DeleteLabelValues(lane)
}

func RecordTurn(outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordStateEntry(state string) {
	getMetrics().stateEntries.WithLabelValues(state).Inc()
}

func RecordSessionOp(op string, duration time.Duration, success bool) {
	m := getMetrics()
	m.sessionOps.WithLabelValues(op, statusLabel(success)).Inc()
	m.sessionOpTime.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordToolTier(source, tier string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolTierAttempts.WithLabelValues(source, tier, statusLabel(success)).Inc()
	m.toolTierDuration.WithLabelValues(source, tier).Observe(duration.Seconds())
}

func RecordToolUnavailable(source string) {
	getMetrics().toolUnavailable.WithLabelValues(source).Inc()
}

func RecordValidation(valid bool) {
	result := "invalid"
	if valid {
		result = "valid"
	}
	getMetrics().validationAttempts.WithLabelValues(result).Inc()
}

func RecordGuardrailDecision(outcome string) {
	getMetrics().guardrailDecisions.WithLabelValues(outcome).Inc()
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCalls.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

// RecordDigestDelivery counts one user's digest: delivered, skipped or failed.
func RecordDigestDelivery(result string) {
	getMetrics().digestDeliveries.WithLabelValues(result).Inc()
}
