package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookdispatch_deliveries_total",
			Help: "Total number of webhook dispatch attempts by status.",
		},
		[]string{"status", "event"}, // status: delivered, failed, malformed
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookdispatch_delivery_latency_seconds",
			Help:    "Latency of outbound webhook calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		},
		[]string{"status"},
	)

	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookdispatch_failures_total",
			Help: "Total number of failed webhook calls by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network
	)

	AcksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookdispatch_acks_total",
			Help: "Broker resolutions by action (ack, requeue, none) and result.",
		},
		[]string{"action", "result"},
	)

	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookdispatch_in_flight",
			Help: "Number of processing tasks currently in flight.",
		},
	)

	SessionRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookdispatch_session_restarts_total",
			Help: "Total number of broker session restarts after a failure.",
		},
	)

	QueueBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookdispatch_queue_backlog",
			Help: "Messages waiting in the webhooks queue.",
		},
		[]string{"queue"},
	)

	LogSinkErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookdispatch_log_sink_errors_total",
			Help: "Total number of log entries the sink failed to record.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		DeliveriesTotal,
		DeliveryLatencySeconds,
		FailuresTotal,
		AcksTotal,
		InFlight,
		SessionRestartsTotal,
		QueueBacklog,
		LogSinkErrorsTotal,
	)
}

// RecordDelivery counts one dispatch attempt and observes its latency.
// latency is ignored when zero (no HTTP call was made).
func RecordDelivery(status, event string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status, event).Inc()
	if latency > 0 {
		DeliveryLatencySeconds.WithLabelValues(status).Observe(latency.Seconds())
	}
}

func RecordFailure(reason string) {
	FailuresTotal.WithLabelValues(reason).Inc()
}

func RecordAck(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	AcksTotal.WithLabelValues(action, result).Inc()
}

func RecordRestart() {
	SessionRestartsTotal.Inc()
}

func RecordLogSinkError() {
	LogSinkErrorsTotal.Inc()
}

func SetInFlight(n int) {
	InFlight.Set(float64(n))
}

func UpdateQueueBacklog(queue string, depth float64) {
	QueueBacklog.WithLabelValues(queue).Set(depth)
}
