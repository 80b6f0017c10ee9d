package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type gatewayMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	inboundTotal *prometheus.CounterVec

	dispatchAttempts *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	connections   *prometheus.GaugeVec
	outboundSends *prometheus.CounterVec

	interactiveTotal *prometheus.CounterVec
	activeSessions   prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *gatewayMetrics
)

func getMetrics() *gatewayMetrics {
	metricsOnce.Do(func() {
		m := &gatewayMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "relay_queue_active_keys",
					Help: "Conversation keys with queued or running work.",
				},
				[]string{"queue"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_queue_enqueue_total",
					Help: "Total enqueue operations by queue.",
				},
				[]string{"queue"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_queue_completed_total",
					Help: "Total completed tasks by queue and status.",
				},
				[]string{"queue", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "relay_queue_task_duration_seconds",
					Help:    "Task execution duration in seconds by queue.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"queue"},
			),
			inboundTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_inbound_messages_total",
					Help: "Inbound messages by channel and outcome.",
				},
				[]string{"channel", "outcome"},
			),
			dispatchAttempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_dispatch_attempts_total",
					Help: "Agent API attempts by result.",
				},
				[]string{"result"},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_dispatch_total",
					Help: "Agent dispatches by final result.",
				},
				[]string{"result"},
			),
			dispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "relay_dispatch_duration_seconds",
					Help:    "Agent dispatch duration including retries.",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
				[]string{"result"},
			),
			connections: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "relay_connections",
					Help: "Live connections by channel and status.",
				},
				[]string{"channel", "status"},
			),
			outboundSends: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_outbound_sends_total",
					Help: "Outbound sends by channel and status.",
				},
				[]string{"channel", "status"},
			),
			interactiveTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_interactive_questions_total",
					Help: "Interactive questions by resolution.",
				},
				[]string{"resolution"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "relay_active_sessions",
					Help: "Active sessions seen by the last housekeeping run.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.inboundTotal,
			m.dispatchAttempts,
			m.dispatchTotal,
			m.dispatchDuration,
			m.connections,
			m.outboundSends,
			m.interactiveTotal,
			m.activeSessions,
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

func RecordQueueEnqueue(queue string, activeKeys int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(queue).Inc()
	m.queueSize.WithLabelValues(queue).Set(float64(activeKeys))
}

func SetQueueSize(queue string, activeKeys int) {
	getMetrics().queueSize.WithLabelValues(queue).Set(float64(activeKeys))
}

func RecordQueueCompletion(queue string, duration time.Duration, success bool, activeKeys int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(queue, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(queue).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(queue).Set(float64(activeKeys))
}

// RecordInbound counts an inbound message outcome such as "processed",
// "duplicate", "self_echo", "command" or "failed".
func RecordInbound(channel, outcome string) {
	getMetrics().inboundTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordDispatchAttempt counts a single HTTP attempt against the agent API.
func RecordDispatchAttempt(result string) {
	getMetrics().dispatchAttempts.WithLabelValues(result).Inc()
}

func RecordDispatch(result string, duration time.Duration) {
	m := getMetrics()
	m.dispatchTotal.WithLabelValues(result).Inc()
	m.dispatchDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// SetConnections replaces the connection gauge with the given counts,
// keyed by channel then status.
func SetConnections(counts map[string]map[string]int) {
	m := getMetrics()
	m.connections.Reset()
	for channel, byStatus := range counts {
		for status, n := range byStatus {
			m.connections.WithLabelValues(channel, status).Set(float64(n))
		}
	}
}

func RecordOutboundSend(channel string, success bool) {
	getMetrics().outboundSends.WithLabelValues(channel, statusLabel(success)).Inc()
}

func RecordInteractive(resolution string) {
	getMetrics().interactiveTotal.WithLabelValues(resolution).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}
