package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Producer metrics
	EventsProducedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flipper_cloud_events_produced_total",
			Help: "Total number of events accepted into the producer queue",
		},
	)

	EventsDiscardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flipper_cloud_events_discarded_total",
			Help: "Total number of events dropped because the queue was full",
		},
	)

	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flipper_cloud_queue_size",
			Help: "Current number of messages in the producer queue",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flipper_cloud_queue_capacity",
			Help: "Capacity of the producer queue",
		},
	)

	GenerationResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flipper_cloud_generation_resets_total",
			Help: "Total number of times the producer was reinitialized after a process change",
		},
	)

	// Delivery metrics
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flipper_cloud_batches_total",
			Help: "Total number of batches flushed by outcome",
		},
		[]string{"status"}, // status: delivered, failed, error
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flipper_cloud_batch_size",
			Help:    "Number of events per flushed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flipper_cloud_request_duration_seconds",
			Help:    "Latency of a single POST to the collector",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"code"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flipper_cloud_retries_total",
			Help: "Total number of failed delivery attempts by reason",
		},
		[]string{"reason"}, // reason: http_5xx, timeout, network
	)

	// Collector HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flipper_collector_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flipper_collector_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flipper_collector_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	// Collector ingest metrics
	CollectorEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flipper_collector_events_total",
			Help: "Total number of events received by the collector",
		},
		[]string{"status"}, // status: accepted, rejected
	)

	CollectorDuplicateBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flipper_collector_duplicate_batches_total",
			Help: "Total number of batches acknowledged as retries of an earlier request",
		},
	)

	ForwarderQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flipper_collector_forward_queue_size",
			Help: "Current size of the collector forward queue",
		},
	)

	ForwarderBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flipper_collector_forward_batch_duration_seconds",
			Help:    "Time taken to forward a batch to the sink",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flipper_collector_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flipper_collector_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flipper_collector_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flipper_cloud_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
