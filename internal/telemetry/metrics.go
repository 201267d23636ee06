package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TranscriptionAttempts = prometheus.NewCounter(prometheus.CounterOpts{Name: "utterance_transcription_attempts_total", Help: "Transcription attempts dispatched to providers"})
	RetriesScheduled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "utterance_retries_scheduled_total", Help: "Utterance tasks scheduled for a backoff retry"})
	TerminalFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "utterance_terminal_failures_total", Help: "Utterances closed with permanent failure data"})
	TranscriptsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "utterance_transcripts_completed_total", Help: "Utterances that received a transcript"})
	RecordingsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "recording_transcriptions_completed_total", Help: "Recordings whose transcription state flipped to complete"})
	WebhooksSent          = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhooks_sent_total", Help: "Transcript-update webhook deliveries attempted"})
	TasksDeadLettered     = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_dead_letter_total", Help: "Tasks moved to the DLQ after retry exhaustion"})
	PodsCreated           = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_pods_created_total", Help: "Bot workloads submitted to the cluster"})
	PodCreateErrors       = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_pod_create_errors_total", Help: "Bot workload submissions rejected by the scheduler"})
	QueueDepthGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_queue_depth", Help: "Ready queue depth"})
	InFlightGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_inflight", Help: "Tasks currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TranscriptionAttempts,
			RetriesScheduled,
			TerminalFailures,
			TranscriptsCompleted,
			RecordingsCompleted,
			WebhooksSent,
			TasksDeadLettered,
			PodsCreated,
			PodCreateErrors,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
