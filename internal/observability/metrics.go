package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	runTotal        *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	turnsPerRun     prometheus.Histogram
	interruptions   *prometheus.CounterVec
	handoffsTotal   *prometheus.CounterVec
	guardrailTrips  *prometheus.CounterVec
	guardrailChecks *prometheus.HistogramVec

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	providerCooldown  *prometheus.GaugeVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram

	queueWaitDuration prometheus.Histogram
	queueTasksTotal   *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	gatewayClients    prometheus.Gauge
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
					Name: "agentloop_run_total",
					Help: "Total runs by starting agent and outcome (completed, paused, aborted, error).",
				},
				[]string{"agent", "status"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentloop_run_duration_seconds",
					Help:    "Run duration in seconds by starting agent.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			turnsPerRun: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agentloop_run_turns",
					Help:    "Model calls consumed by a run, across resumes.",
					Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15, 20},
				},
			),
			interruptions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentloop_interruptions_total",
					Help: "Tool calls withheld pending approval, by tool.",
				},
				[]string{"tool"},
			),
			handoffsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentloop_handoffs_total",
					Help: "Handoffs by source and target agent.",
				},
				[]string{"from", "to"},
			),
			guardrailTrips: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentloop_guardrail_trips_total",
					Help: "Guardrail trips by guardrail and stage.",
				},
				[]string{"guardrail", "stage"},
			),
			guardrailChecks: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentloop_guardrail_duration_seconds",
					Help:    "Guardrail check duration in seconds by guardrail.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"guardrail"},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentloop_model_call_total",
					Help: "Model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentloop_model_call_duration_seconds",
					Help:    "Model call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "agentloop_provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentloop_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentloop_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentloop_tool_errors_total",
					Help: "Total tool execution errors by tool and kind.",
				},
				[]string{"tool", "kind"},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agentloop_session_load_duration_seconds",
					Help:    "Session load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agentloop_session_save_duration_seconds",
					Help:    "Session save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			queueWaitDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agentloop_queue_wait_seconds",
					Help:    "Time a session task waited behind earlier tasks of the same session.",
					Buckets: prometheus.DefBuckets,
				},
			),
			queueTasksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentloop_queue_tasks_total",
					Help: "Session tasks by status.",
				},
				[]string{"status"},
			),
			queueDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentloop_queue_depth",
					Help: "Session tasks waiting to start.",
				},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentloop_gateway_clients",
					Help: "Connected gateway clients.",
				},
			),
		}

		prometheus.MustRegister(
			m.runTotal,
			m.runDuration,
			m.turnsPerRun,
			m.interruptions,
			m.handoffsTotal,
			m.guardrailTrips,
			m.guardrailChecks,
			m.modelCallTotal,
			m.modelCallDuration,
			m.providerCooldown,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.queueWaitDuration,
			m.queueTasksTotal,
			m.queueDepth,
			m.gatewayClients,
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

func RecordRun(agent, status string, duration time.Duration, turns int) {
	m := getMetrics()
	m.runTotal.WithLabelValues(agent, status).Inc()
	m.runDuration.WithLabelValues(agent).Observe(duration.Seconds())
	m.turnsPerRun.Observe(float64(turns))
}

func RecordInterruption(tool string) {
	getMetrics().interruptions.WithLabelValues(tool).Inc()
}

func RecordHandoff(from, to string) {
	getMetrics().handoffsTotal.WithLabelValues(from, to).Inc()
}

func RecordGuardrail(guardrail, stage string, duration time.Duration, tripped bool) {
	m := getMetrics()
	m.guardrailChecks.WithLabelValues(guardrail).Observe(duration.Seconds())
	if tripped {
		m.guardrailTrips.WithLabelValues(guardrail, stage).Inc()
	}
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallTotal.WithLabelValues(provider, status).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.providerCooldown.WithLabelValues(provider).Set(value)
}

// RecordToolExecution counts one invocation. errorKind is empty on success.
func RecordToolExecution(tool string, duration time.Duration, errorKind string) {
	m := getMetrics()
	status := "success"
	if errorKind != "" {
		status = "error"
		m.toolErrorsTotal.WithLabelValues(tool, errorKind).Inc()
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordQueueTask(wait time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.queueWaitDuration.Observe(wait.Seconds())
	m.queueTasksTotal.WithLabelValues(status).Inc()
}

func AddQueueDepth(delta int) {
	getMetrics().queueDepth.Add(float64(delta))
}

func SetGatewayClients(n int) {
	getMetrics().gatewayClients.Set(float64(n))
}
