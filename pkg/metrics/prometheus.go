// Package metrics provides Prometheus metrics for the recsync service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Model call outcomes used as label values.
const (
	OutcomeSuccess   = "success"
	OutcomeTransport = "transport"
	OutcomeRejected  = "rejected"
)

// Manager owns every Prometheus collector exported by the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Model client
	modelRequests        *prometheus.CounterVec
	modelRequestDuration *prometheus.HistogramVec
	modelRetries         *prometheus.CounterVec
	circuitBreakerState  *prometheus.GaugeVec

	// Feedback and sync
	feedbackRecorded  prometheus.Counter
	feedbackDuplicate prometheus.Counter
	syncTriggered     prometheus.Counter
	syncSucceeded     prometheus.Counter
	syncFailed        *prometheus.CounterVec
	syncConflicts     prometheus.Counter
	syncBatchSize     prometheus.Histogram
	lockWait          prometheus.Histogram
	lockLost          prometheus.Counter

	// Store
	storeOperationDuration *prometheus.HistogramVec
	storeUsers             *prometheus.GaugeVec

	// Recommendations and users
	recommendationsServed prometheus.Counter
	enrichmentMissing     *prometheus.CounterVec
	usersRegistered       *prometheus.CounterVec

	// Queue
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueUtilization   prometheus.Gauge
	queueEnqueueRate   prometheus.Counter
	queueDequeueRate   prometheus.Counter
	queueEnqueueErrors prometheus.Counter

	// Workers
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorRateByComponent *prometheus.CounterVec
	errorRateByType      *prometheus.CounterVec
	errorRateByEndpoint  *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // singleton used by the package-level helpers

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // process-wide registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "recsync",
		subsystem:        "core",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		enabled:          true,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels}
}

func (m *Manager) histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets, ConstLabels: m.constLabels}
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	auto := promauto.With(m.registry)

	m.modelRequests = auto.NewCounterVec(m.counterOpts("model_requests_total",
		"Model service calls by operation and outcome"), []string{"operation", "outcome"})
	m.modelRequestDuration = auto.NewHistogramVec(m.histogramOpts("model_request_duration_milliseconds",
		"Model service call latency including retries", m.histogramBuckets), []string{"operation"})
	m.modelRetries = auto.NewCounterVec(m.counterOpts("model_retries_total",
		"Retried model service attempts"), []string{"operation"})
	m.circuitBreakerState = auto.NewGaugeVec(m.gaugeOpts("circuit_breaker_state",
		"Circuit breaker state (0=closed, 1=half-open, 2=open)"), []string{"name"})

	m.feedbackRecorded = auto.NewCounter(m.counterOpts("feedback_recorded_total",
		"Feedback records durably stored"))
	m.feedbackDuplicate = auto.NewCounter(m.counterOpts("feedback_duplicate_total",
		"Feedback submissions dropped as duplicates"))
	m.syncTriggered = auto.NewCounter(m.counterOpts("sync_triggered_total",
		"Feedback batches submitted to the model"))
	m.syncSucceeded = auto.NewCounter(m.counterOpts("sync_succeeded_total",
		"Feedback batches confirmed by the model with watermark advanced"))
	m.syncFailed = auto.NewCounterVec(m.counterOpts("sync_failed_total",
		"Feedback batches that left the watermark unchanged"), []string{"reason"})
	m.syncConflicts = auto.NewCounter(m.counterOpts("sync_conflicts_total",
		"Watermark compare-and-swap conflicts resolved internally"))
	m.syncBatchSize = auto.NewHistogram(m.histogramOpts("sync_batch_size",
		"Number of feedback records per submitted batch", []float64{1, 5, 10, 20, 50, 100, 250}))
	m.lockWait = auto.NewHistogram(m.histogramOpts("user_lock_wait_milliseconds",
		"Time spent waiting for the per-user sync lock", m.histogramBuckets))
	m.lockLost = auto.NewCounter(m.counterOpts("user_lock_lost_total",
		"Distributed user locks whose lease expired while held"))

	m.storeOperationDuration = auto.NewHistogramVec(m.histogramOpts("store_operation_duration_milliseconds",
		"Store call latency by driver and operation", []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250}), []string{"driver", "operation"})
	m.storeUsers = auto.NewGaugeVec(m.gaugeOpts("store_users",
		"Users currently held by the store"), []string{"driver"})

	m.recommendationsServed = auto.NewCounter(m.counterOpts("recommendations_served_total",
		"Enriched recommendations returned to users"))
	m.enrichmentMissing = auto.NewCounterVec(m.counterOpts("enrichment_missing_total",
		"Recommended videos missing from the catalog"), []string{"policy"})
	m.usersRegistered = auto.NewCounterVec(m.counterOpts("users_registered_total",
		"Model registrations by outcome"), []string{"outcome"})

	m.queueSize = auto.NewGauge(m.gaugeOpts("queue_size", "Current size of the sync job queue"))
	m.queueCapacity = auto.NewGauge(m.gaugeOpts("queue_capacity", "Maximum sync job queue capacity"))
	m.queueUtilization = auto.NewGauge(m.gaugeOpts("queue_utilization_ratio", "Queue utilization ratio (size / capacity)"))
	m.queueEnqueueRate = auto.NewCounter(m.counterOpts("queue_enqueue_total", "Total number of jobs enqueued"))
	m.queueDequeueRate = auto.NewCounter(m.counterOpts("queue_dequeue_total", "Total number of jobs dequeued"))
	m.queueEnqueueErrors = auto.NewCounter(m.counterOpts("queue_enqueue_errors_total", "Total number of rejected enqueues"))

	m.workerActiveCount = auto.NewGauge(m.gaugeOpts("worker_active_count", "Number of running sync workers"))
	m.workerProcessingLatency = auto.NewHistogram(m.histogramOpts("worker_processing_latency_milliseconds",
		"Sync job processing latency in milliseconds", m.histogramBuckets))
	m.workerErrors = auto.NewCounter(m.counterOpts("worker_errors_total", "Total number of failed sync jobs"))

	m.httpRequests = auto.NewCounterVec(m.counterOpts("http_requests_total",
		"Total number of HTTP requests by endpoint and method"), []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts("http_request_duration_milliseconds",
		"HTTP request duration in milliseconds", m.histogramBuckets), []string{"endpoint", "method", "status_code"})

	m.errorRateByComponent = auto.NewCounterVec(m.counterOpts("errors_by_component_total",
		"Total number of errors by component"), []string{"component", "error_type"})
	m.errorRateByType = auto.NewCounterVec(m.counterOpts("errors_by_type_total",
		"Total number of errors by type"), []string{"error_type", "severity"})
	m.errorRateByEndpoint = auto.NewCounterVec(m.counterOpts("errors_by_endpoint_total",
		"Total number of errors by endpoint"), []string{"endpoint", "method", "error_type"})

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_usage_bytes", "Heap bytes allocated"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeOpts("system_goroutine_count", "Number of goroutines"))
	m.systemGCPauseTime = auto.NewHistogram(m.histogramOpts("system_gc_pause_time_milliseconds",
		"Average GC pause time in milliseconds", []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}))
}

// RecordModelRequest records one logical model call.
func RecordModelRequest(operation, outcome string, latencyMs float64) {
	if !globalManager.enabled {
		return
	}
	globalManager.modelRequests.WithLabelValues(operation, outcome).Inc()
	globalManager.modelRequestDuration.WithLabelValues(operation).Observe(latencyMs)
}

// RecordModelRetry records a retried model attempt.
func RecordModelRetry(operation string) {
	if globalManager.enabled {
		globalManager.modelRetries.WithLabelValues(operation).Inc()
	}
}

// UpdateCircuitBreakerState sets the breaker gauge.
func UpdateCircuitBreakerState(name string, state float64) {
	if globalManager.enabled {
		globalManager.circuitBreakerState.WithLabelValues(name).Set(state)
	}
}

// RecordFeedbackRecorded increments the stored feedback counter.
func RecordFeedbackRecorded() {
	if globalManager.enabled {
		globalManager.feedbackRecorded.Inc()
	}
}

// RecordFeedbackDuplicate increments the duplicate feedback counter.
func RecordFeedbackDuplicate() {
	if globalManager.enabled {
		globalManager.feedbackDuplicate.Inc()
	}
}

// RecordSyncTriggered records a submitted batch and its size.
func RecordSyncTriggered(batchSize int) {
	if !globalManager.enabled {
		return
	}
	globalManager.syncTriggered.Inc()
	globalManager.syncBatchSize.Observe(float64(batchSize))
}

// RecordSyncSucceeded increments the confirmed batch counter.
func RecordSyncSucceeded() {
	if globalManager.enabled {
		globalManager.syncSucceeded.Inc()
	}
}

// RecordSyncFailed increments the failed batch counter for reason.
func RecordSyncFailed(reason string) {
	if globalManager.enabled {
		globalManager.syncFailed.WithLabelValues(reason).Inc()
	}
}

// RecordSyncConflict increments the watermark conflict counter.
func RecordSyncConflict() {
	if globalManager.enabled {
		globalManager.syncConflicts.Inc()
	}
}

// RecordLockWait observes time spent acquiring a per-user lock.
func RecordLockWait(waitMs float64) {
	if globalManager.enabled {
		globalManager.lockWait.Observe(waitMs)
	}
}

// RecordLockLost counts a lease that expired before its holder released it.
func RecordLockLost() {
	if globalManager.enabled {
		globalManager.lockLost.Inc()
	}
}

// RecordStoreOperation observes one store call.
func RecordStoreOperation(driver, operation string, latencyMs float64) {
	if globalManager.enabled {
		globalManager.storeOperationDuration.WithLabelValues(driver, operation).Observe(latencyMs)
	}
}

// UpdateStoreUsers sets the user count gauge for driver.
func UpdateStoreUsers(driver string, n int) {
	if globalManager.enabled {
		globalManager.storeUsers.WithLabelValues(driver).Set(float64(n))
	}
}

// RecordRecommendationsServed adds n served recommendations.
func RecordRecommendationsServed(n int) {
	if globalManager.enabled {
		globalManager.recommendationsServed.Add(float64(n))
	}
}

// RecordEnrichmentMissing counts a catalog miss under the active policy.
func RecordEnrichmentMissing(policy string) {
	if globalManager.enabled {
		globalManager.enrichmentMissing.WithLabelValues(policy).Inc()
	}
}

// RecordUserRegistered counts a model registration outcome.
func RecordUserRegistered(outcome string) {
	if globalManager.enabled {
		globalManager.usersRegistered.WithLabelValues(outcome).Inc()
	}
}

// UpdateQueueSize sets the current queue length.
func UpdateQueueSize(size int) {
	if globalManager.enabled {
		globalManager.queueSize.Set(float64(size))
	}
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	if globalManager.enabled {
		globalManager.queueCapacity.Set(float64(capacity))
	}
}

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	if globalManager.enabled {
		globalManager.queueUtilization.Set(utilization)
	}
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	if globalManager.enabled {
		globalManager.queueEnqueueRate.Inc()
	}
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	if globalManager.enabled {
		globalManager.queueDequeueRate.Inc()
	}
}

// RecordQueueEnqueueError increments the rejected enqueue counter.
func RecordQueueEnqueueError() {
	if globalManager.enabled {
		globalManager.queueEnqueueErrors.Inc()
	}
}

// UpdateWorkerActiveCount sets the number of running workers.
func UpdateWorkerActiveCount(count int) {
	if globalManager.enabled {
		globalManager.workerActiveCount.Set(float64(count))
	}
}

// RecordWorkerProcessingLatency observes one job's processing time.
func RecordWorkerProcessingLatency(latencyMs float64) {
	if globalManager.enabled {
		globalManager.workerProcessingLatency.Observe(latencyMs)
	}
}

// RecordWorkerError increments the failed job counter.
func RecordWorkerError() {
	if globalManager.enabled {
		globalManager.workerErrors.Inc()
	}
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	if globalManager.enabled {
		globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	}
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	if globalManager.enabled {
		globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
	}
}

// RecordErrorByComponent records an error attributed to a component.
func RecordErrorByComponent(component, errorType string) {
	if globalManager.enabled {
		globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
	}
}

// RecordErrorByType records an error by type and severity.
func RecordErrorByType(errorType, severity string) {
	if globalManager.enabled {
		globalManager.errorRateByType.WithLabelValues(errorType, severity).Inc()
	}
}

// RecordErrorByEndpoint records an error by HTTP endpoint.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	if globalManager.enabled {
		globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
	}
}

// UpdateSystemMemoryUsage sets the heap allocation gauge.
func UpdateSystemMemoryUsage(bytes uint64) {
	if globalManager.enabled {
		globalManager.systemMemoryUsage.Set(float64(bytes))
	}
}

// UpdateSystemGoroutineCount sets the goroutine gauge.
func UpdateSystemGoroutineCount(count int) {
	if globalManager.enabled {
		globalManager.systemGoroutineCount.Set(float64(count))
	}
}

// RecordSystemGCPauseTime observes the average GC pause.
func RecordSystemGCPauseTime(pauseMs float64) {
	if globalManager.enabled {
		globalManager.systemGCPauseTime.Observe(pauseMs)
	}
}

// GetRegistry returns the registry backing the package-level helpers.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
