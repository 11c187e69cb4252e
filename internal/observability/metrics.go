package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	runTotal    *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runsActive  prometheus.Gauge

	stepTotal    *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	modelTokensTotal  *prometheus.CounterVec
	modelCostTotal    *prometheus.CounterVec

	toolCallTotal    *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	approvalTotal *prometheus.CounterVec

	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "run_total",
					Help: "Total execution runs by entity type and terminal status.",
				},
				[]string{"entity_type", "status"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "run_duration_seconds",
					Help:    "Run wall-clock duration in seconds by entity type.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"entity_type"},
			),
			runsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "runs_active",
					Help: "Runs currently executing, including children.",
				},
			),
			stepTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "step_total",
					Help: "Total dispatched plan steps by step type and status.",
				},
				[]string{"step_type", "status"},
			),
			stepDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "step_duration_seconds",
					Help:    "Plan step duration in seconds by step type.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"step_type"},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_call_total",
					Help: "Total model gateway calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_call_duration_seconds",
					Help:    "Model gateway call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			modelTokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_tokens_total",
					Help: "Total tokens consumed by provider and direction.",
				},
				[]string{"provider", "direction"},
			),
			modelCostTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_cost_usd_total",
					Help: "Accumulated model cost in USD by provider.",
				},
				[]string{"provider"},
			),
			toolCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_call_total",
					Help: "Total tool invocations by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_call_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			approvalTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "approval_total",
					Help: "Total human-approval checkpoints by decision.",
				},
				[]string{"decision"},
			),
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "job_queue_size",
					Help: "Current job queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "job_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "job_dequeue_total",
					Help: "Total completed jobs by lane and status.",
				},
				[]string{"lane", "status"},
			),
		}

		prometheus.MustRegister(
			m.runTotal,
			m.runDuration,
			m.runsActive,
			m.stepTotal,
			m.stepDuration,
			m.modelCallTotal,
			m.modelCallDuration,
			m.modelTokensTotal,
			m.modelCostTotal,
			m.toolCallTotal,
			m.toolCallDuration,
			m.approvalTotal,
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered registers all metrics with the default registry.
// Safe to call from every package init path.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns the HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordRun records a terminal run outcome.
func RecordRun(entityType, status string, duration time.Duration) {
	m := getMetrics()
	m.runTotal.WithLabelValues(entityType, status).Inc()
	m.runDuration.WithLabelValues(entityType).Observe(duration.Seconds())
}

// RunStarted increments the active-run gauge.
func RunStarted() {
	getMetrics().runsActive.Inc()
}

// RunFinished decrements the active-run gauge.
func RunFinished() {
	getMetrics().runsActive.Dec()
}

// RecordStep records a dispatched plan step.
func RecordStep(stepType string, duration time.Duration, success bool) {
	m := getMetrics()
	m.stepTotal.WithLabelValues(stepType, statusLabel(success)).Inc()
	m.stepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

// RecordModelCall records a model gateway call with its token usage.
func RecordModelCall(provider string, duration time.Duration, promptTokens, completionTokens int, success bool) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
	m.modelTokensTotal.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	m.modelTokensTotal.WithLabelValues(provider, "completion").Add(float64(completionTokens))
}

// RecordModelCost accumulates resolved model cost.
func RecordModelCost(provider string, costUSD float64) {
	getMetrics().modelCostTotal.WithLabelValues(provider).Add(costUSD)
}

// RecordToolCall records a tool invocation.
func RecordToolCall(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolCallTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordApproval records a human-approval decision.
func RecordApproval(decision string) {
	getMetrics().approvalTotal.WithLabelValues(decision).Inc()
}

// RecordQueueEnqueue records an enqueue and the resulting queue size.
func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordQueueCompletion records a completed job and the remaining queue size.
func RecordQueueCompletion(lane string, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// SetQueueSize sets the queue size gauge for a lane.
func SetQueueSize(lane string, size int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(size))
}
