package metrics

import "time"

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Pre-registered series that do not carry dynamic labels.
var (
	IdempotencyEntries    = Collector.Gauge(Namespace+"_idempotency_entries", "Entries held by the idempotency guard", "")
	IdempotencyCollapsed  = Collector.Counter(Namespace+"_idempotency_collapsed_total", "Concurrent deliveries collapsed onto an in-flight one", "")
	ConversationsArchived = Collector.Counter(Namespace+"_conversations_archived_total", "Conversations archived for inactivity", "")
	RetryAttempts         = Collector.Counter(Namespace+"_retry_attempts_total", "Retry attempts made by RetryFailedMessage", "")
)

// Recorder is the ingestion-facing view of a collector. The zero value
// reports to the global Collector.
type Recorder struct {
	C *MetricsCollector
}

func (r Recorder) collector() *MetricsCollector {
	if r.C == nil {
		return Collector
	}
	return r.C
}

// Ingested counts a finished pipeline run and its wall time.
func (r Recorder) Ingested(providerID, status string, d time.Duration) {
	c := r.collector()
	c.Counter(Namespace+"_messages_total", "Messages processed by the ingestion pipeline",
		Label("provider", providerID)+","+Label("status", status)).Inc()
	c.Histogram(Namespace+"_ingest_duration_seconds", "Ingestion pipeline latency in seconds",
		Label("status", status), latencyBuckets).ObserveDuration(d)
}

// Duplicate counts a duplicate by the signal that caught it.
func (r Recorder) Duplicate(kind string) {
	r.collector().Counter(Namespace+"_duplicates_total", "Duplicate deliveries by detection signal",
		Label("type", kind)).Inc()
}

// StageFailed counts a failed pipeline stage, hard or soft.
func (r Recorder) StageFailed(stage string) {
	r.collector().Counter(Namespace+"_stage_failures_total", "Pipeline stage failures",
		Label("stage", stage)).Inc()
}

// SignatureRejected counts webhook deliveries refused at verification.
func (r Recorder) SignatureRejected(providerID, code string) {
	r.collector().Counter(Namespace+"_signature_rejections_total", "Webhook deliveries rejected by signature verification",
		Label("provider", providerID)+","+Label("code", code)).Inc()
}
