package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "mq"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	Outbox     = "outbox"
	Inbox      = "inbox"
	Reconciler = "reconciler"
	Kafka      = "kafka"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple relay instances.
type Labels struct {
	Service       string // Logical service name (e.g., "orders-relay")
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "us-east-1", "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Service != "" {
		labels["service"] = l.Service
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

type Metrics struct {
	// Outbox
	published       *prometheus.CounterVec // by business_type, status
	confirms        *prometheus.CounterVec // by result (ack/nack)
	returns         *prometheus.CounterVec // by business_type
	sendsExhausted  *prometheus.CounterVec // by business_type
	publishDuration prometheus.Histogram

	// Inbox
	consumed        *prometheus.CounterVec   // by business_type, outcome
	handlerDuration *prometheus.HistogramVec // by business_type
	ackErrors       *prometheus.CounterVec   // by op (ack/nack)

	// Reconciler
	sweeps         *prometheus.CounterVec   // by kind, status
	sweepRecords   *prometheus.CounterVec   // by kind, result
	sweepDuration  *prometheus.HistogramVec // by kind
	lockContention *prometheus.CounterVec   // by kind

	// Kafka consumer
	messagesInFlight prometheus.Gauge
	requeued         *prometheus.CounterVec // by status
	dlqProduced      *prometheus.CounterVec // by status
	kafkaErrors      *prometheus.CounterVec // by severity (fatal/non_fatal)
	offsetCommits    *prometheus.CounterVec // by status
	rebalanceEvents  *prometheus.CounterVec // by event (assigned/revoked)
	assignedParts    prometheus.Gauge
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	buckets := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Outbox,
			Name:      "published_total",
			Help:      "Publish attempts by business type and synchronous outcome",
		}, []string{"business_type", "status"}),
		confirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Outbox,
			Name:      "confirms_total",
			Help:      "Broker confirmations received by result",
		}, []string{"result"}),
		returns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Outbox,
			Name:      "returns_total",
			Help:      "Unroutable messages returned by the broker",
		}, []string{"business_type"}),
		sendsExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Outbox,
			Name:      "retries_exhausted_total",
			Help:      "Send records marked FAIL after exhausting provider retries",
		}, []string{"business_type"}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Outbox,
			Name:      "publish_duration_seconds",
			Help:      "Time spent in the synchronous publish path, including record writes",
			Buckets:   buckets,
		}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Inbox,
			Name:      "deliveries_total",
			Help:      "Deliveries handled by business type and outcome",
		}, []string{"business_type", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Inbox,
			Name:      "handler_duration_seconds",
			Help:      "Business handler execution time",
			Buckets:   buckets,
		}, []string{"business_type"}),
		ackErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Inbox,
			Name:      "settle_errors_total",
			Help:      "Failed broker ack/nack calls",
		}, []string{"op"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Reconciler,
			Name:      "sweeps_total",
			Help:      "Reconciler sweeps by record kind and status",
		}, []string{"kind", "status"}),
		sweepRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Reconciler,
			Name:      "records_total",
			Help:      "Records visited by the reconciler by kind and result",
		}, []string{"kind", "result"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Reconciler,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full reconciler sweep",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Reconciler,
			Name:      "lock_contention_total",
			Help:      "Records skipped because another worker held the lock",
		}, []string{"kind"}),
		messagesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Kafka,
			Name:      "messages_in_flight",
			Help:      "Messages currently being handled by the consumer",
		}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Kafka,
			Name:      "requeued_total",
			Help:      "Deliveries re-produced to their topic after a requeueing nack",
		}, []string{"status"}),
		dlqProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Kafka,
			Name:      "dlq_produced_total",
			Help:      "Deliveries produced to the dead letter topic",
		}, []string{"status"}),
		kafkaErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Kafka,
			Name:      "errors_total",
			Help:      "Kafka client errors by severity",
		}, []string{"severity"}),
		offsetCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Kafka,
			Name:      "offset_commits_total",
			Help:      "Offset commit attempts by status",
		}, []string{"status"}),
		rebalanceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Kafka,
			Name:      "rebalance_events_total",
			Help:      "Consumer group rebalance events",
		}, []string{"event"}),
		assignedParts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Kafka,
			Name:      "assigned_partitions",
			Help:      "Partitions currently assigned to this consumer",
		}),
	}

	err := errors.Join(
		reg.Register(m.published),
		reg.Register(m.confirms),
		reg.Register(m.returns),
		reg.Register(m.sendsExhausted),
		reg.Register(m.publishDuration),
		reg.Register(m.consumed),
		reg.Register(m.handlerDuration),
		reg.Register(m.ackErrors),
		reg.Register(m.sweeps),
		reg.Register(m.sweepRecords),
		reg.Register(m.sweepDuration),
		reg.Register(m.lockContention),
		reg.Register(m.messagesInFlight),
		reg.Register(m.requeued),
		reg.Register(m.dlqProduced),
		reg.Register(m.kafkaErrors),
		reg.Register(m.offsetCommits),
		reg.Register(m.rebalanceEvents),
		reg.Register(m.assignedParts),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// RecordPublish records one synchronous publish attempt.
func (m *Metrics) RecordPublish(businessType string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(businessType, status(err)).Inc()
	m.publishDuration.Observe(durationSeconds)
}

// RecordConfirm records a broker ack or nack.
func (m *Metrics) RecordConfirm(ack bool) {
	if m == nil {
		return
	}
	result := "nack"
	if ack {
		result = "ack"
	}
	m.confirms.WithLabelValues(result).Inc()
}

// RecordReturn records an unroutable return.
func (m *Metrics) RecordReturn(businessType string) {
	if m == nil {
		return
	}
	m.returns.WithLabelValues(businessType).Inc()
}

// RecordSendExhausted records a send record giving up after nacks.
func (m *Metrics) RecordSendExhausted(businessType string) {
	if m == nil {
		return
	}
	m.sendsExhausted.WithLabelValues(businessType).Inc()
}

// RecordDelivery records how the inbox settled one delivery.
func (m *Metrics) RecordDelivery(businessType, outcome string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(businessType, outcome).Inc()
}

// ObserveHandlerDuration records business handler latency.
func (m *Metrics) ObserveHandlerDuration(businessType string, seconds float64) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(businessType).Observe(seconds)
}

// IncSettleError counts a failed ack or nack call.
func (m *Metrics) IncSettleError(op string) {
	if m == nil {
		return
	}
	m.ackErrors.WithLabelValues(op).Inc()
}

// RecordSweep records a finished reconciler sweep.
func (m *Metrics) RecordSweep(kind string, err error, attempted, skipped, failed int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(kind, status(err)).Inc()
	m.sweepRecords.WithLabelValues(kind, "attempted").Add(float64(attempted))
	m.sweepRecords.WithLabelValues(kind, "skipped").Add(float64(skipped))
	m.sweepRecords.WithLabelValues(kind, "failed").Add(float64(failed))
	m.sweepDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// IncLockContention counts a record skipped because its lock was held.
func (m *Metrics) IncLockContention(kind string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(kind).Inc()
}

// IncMessagesInFlight increments the in-flight consumer gauge.
func (m *Metrics) IncMessagesInFlight() {
	if m == nil {
		return
	}
	m.messagesInFlight.Inc()
}

// DecMessagesInFlight decrements the in-flight consumer gauge.
func (m *Metrics) DecMessagesInFlight() {
	if m == nil {
		return
	}
	m.messagesInFlight.Dec()
}

// RecordRequeue records a re-produce after a requeueing nack.
func (m *Metrics) RecordRequeue(err error) {
	if m == nil {
		return
	}
	m.requeued.WithLabelValues(status(err)).Inc()
}

// RecordDLQProduction records a produce to the dead letter topic.
func (m *Metrics) RecordDLQProduction(err error) {
	if m == nil {
		return
	}
	m.dlqProduced.WithLabelValues(status(err)).Inc()
}

// RecordKafkaError records a Kafka client error.
func (m *Metrics) RecordKafkaError(fatal bool) {
	if m == nil {
		return
	}
	severity := "non_fatal"
	if fatal {
		severity = "fatal"
	}
	m.kafkaErrors.WithLabelValues(severity).Inc()
}

// RecordOffsetCommit records an offset commit attempt.
func (m *Metrics) RecordOffsetCommit(err error) {
	if m == nil {
		return
	}
	m.offsetCommits.WithLabelValues(status(err)).Inc()
}

// RecordPartitionAssignment records a rebalance that assigned count partitions.
func (m *Metrics) RecordPartitionAssignment(count int) {
	if m == nil {
		return
	}
	m.rebalanceEvents.WithLabelValues("assigned").Inc()
	m.assignedParts.Set(float64(count))
}

// RecordPartitionRevocation records a rebalance that revoked all partitions.
func (m *Metrics) RecordPartitionRevocation() {
	if m == nil {
		return
	}
	m.rebalanceEvents.WithLabelValues("revoked").Inc()
	m.assignedParts.Set(0)
}
