package amqpconsumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric labels:
//   - records_delivered_total      {queue}
//   - acks_total                   {queue, status}  status: acked, skipped, failed
//   - decode_failures_total        {queue}
//   - broker_cancellations_total   {queue}
//   - teardowns_total              {queue}
//   - teardown_warnings_total      {queue, op}
//   - polls_total                  {queue, outcome} outcome: max_records, max_duration, error
//   - poll_batch_size              {queue}
//   - active_streams               no labels

// Metrics collects bridge and poller counters. All methods are safe on a nil *Metrics.
type Metrics struct {
	recordsDelivered    *prometheus.CounterVec
	acks                *prometheus.CounterVec
	decodeFailures      *prometheus.CounterVec
	brokerCancellations *prometheus.CounterVec
	teardowns           *prometheus.CounterVec
	teardownWarnings    *prometheus.CounterVec
	polls               *prometheus.CounterVec
	pollBatchSize       *prometheus.HistogramVec
	activeStreams       prometheus.Gauge
}

// NewMetrics registers the collectors with reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "amqp_trigger"
	}
	factory := promauto.With(reg)

	return &Metrics{
		recordsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_delivered_total",
			Help:      "Records decoded and handed to the subscriber.",
		}, []string{"queue"}),
		acks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_total",
			Help:      "Acknowledgements by outcome.",
		}, []string{"queue", "status"}),
		decodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Deliveries the serde could not decode.",
		}, []string{"queue"}),
		brokerCancellations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_cancellations_total",
			Help:      "Consumers cancelled by the broker.",
		}, []string{"queue"}),
		teardowns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardowns_total",
			Help:      "Completed stream teardowns.",
		}, []string{"queue"}),
		teardownWarnings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_warnings_total",
			Help:      "I/O errors swallowed while closing consumers, channels or connections.",
		}, []string{"queue", "op"}),
		polls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Batch polls by outcome.",
		}, []string{"queue", "outcome"}),
		pollBatchSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_batch_size",
			Help:      "Records returned per successful poll.",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}, []string{"queue"}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streaming consumers currently registered.",
		}),
	}
}

func (m *Metrics) recordDelivered(queue string) {
	if m == nil {
		return
	}
	m.recordsDelivered.WithLabelValues(queue).Inc()
}

func (m *Metrics) ack(queue, status string) {
	if m == nil {
		return
	}
	m.acks.WithLabelValues(queue, status).Inc()
}

func (m *Metrics) decodeFailure(queue string) {
	if m == nil {
		return
	}
	m.decodeFailures.WithLabelValues(queue).Inc()
}

func (m *Metrics) brokerCancelled(queue string) {
	if m == nil {
		return
	}
	m.brokerCancellations.WithLabelValues(queue).Inc()
}

func (m *Metrics) teardown(queue string) {
	if m == nil {
		return
	}
	m.teardowns.WithLabelValues(queue).Inc()
}

func (m *Metrics) teardownWarning(queue, op string) {
	if m == nil {
		return
	}
	m.teardownWarnings.WithLabelValues(queue, op).Inc()
}

func (m *Metrics) poll(queue, outcome string, size int) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(queue, outcome).Inc()
	if outcome != pollOutcomeError {
		m.pollBatchSize.WithLabelValues(queue).Observe(float64(size))
	}
}

func (m *Metrics) streamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Metrics) streamEnded() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}
