package models

import (
	"time"
)

// Transcription provider identifiers. Dispatch is a registry lookup keyed by
// these values, so adding a provider never touches existing code.
const (
	ProviderDeepgram   = "deepgram"
	ProviderGladia     = "gladia"
	ProviderOpenAI     = "openai"
	ProviderAssemblyAI = "assembly_ai"
	ProviderSarvam     = "sarvam"
	ProviderElevenLabs = "elevenlabs"
)

// Failure reasons recorded on utterances. The first five are the retryable
// set; anything else is terminal on first sight.
const (
	FailureAudioUploadFailed  = "audio_upload_failed"
	FailureRequestFailed      = "transcription_request_failed"
	FailureTimedOut           = "timed_out"
	FailureRateLimitExceeded  = "rate_limit_exceeded"
	FailureInternalError      = "internal_error"
	FailureCredentialsInvalid = "credentials_invalid"
	FailureAudioInvalid       = "audio_invalid"
)

// Recording capture states. The capture state machine itself lives with the
// meeting-automation layer; this core only needs the terminal predicate.
const (
	RecordingStateInProgress = "in_progress"
	RecordingStateComplete   = "complete"
	RecordingStateFailed     = "failed"
)

// IsTerminalRecordingState reports whether capture has finished for good.
func IsTerminalRecordingState(state string) bool {
	return state == RecordingStateComplete || state == RecordingStateFailed
}

// Transcription is the structured transcript stored on an utterance.
type Transcription struct {
	Transcript string  `json:"transcript"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Words      []Word  `json:"words,omitempty"`
}

// Word is a timestamped word when the provider supplies word timings.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// FailureData is the structured failure recorded on an utterance. Once set it
// is permanent; the utterance is excluded from all further processing.
type FailureData struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// Utterance is one discrete audio segment of a recording awaiting or having
// received a transcript. Transcription and FailureData are mutually exclusive
// terminal outcomes.
type Utterance struct {
	ID                        string         `json:"id"`
	RecordingID               string         `json:"recording_id"`
	Provider                  string         `json:"transcription_provider"`
	Transcription             *Transcription `json:"transcription,omitempty"`
	FailureData               *FailureData   `json:"failure_data,omitempty"`
	TranscriptionAttemptCount int            `json:"transcription_attempt_count"`
	AudioBlob                 []byte         `json:"-"`
	AudioChunkID              *string        `json:"audio_chunk_id,omitempty"`
	AsyncTranscriptionID      *string        `json:"async_transcription_id,omitempty"`
	SampleRate                int            `json:"sample_rate,omitempty"`
	CreatedAt                 time.Time      `json:"created_at"`
	UpdatedAt                 time.Time      `json:"updated_at"`
}

// IsAsync reports whether the utterance belongs to a deferred transcription
// flow. Async utterances never fire webhooks and never count toward
// recording-level completion.
func (u Utterance) IsAsync() bool {
	return u.AsyncTranscriptionID != nil
}

// AudioChunk is a coarser storage container that may hold the raw audio an
// utterance points at. Audio may live inline (AudioBlob) or in object storage
// (StorageKey).
type AudioChunk struct {
	ID          string    `json:"id"`
	RecordingID string    `json:"recording_id"`
	AudioBlob   []byte    `json:"-"`
	StorageKey  *string   `json:"storage_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Recording owns a set of utterances. RetainAsyncChunks and WebhookURL are
// bot-level settings denormalized onto the recording read model.
type Recording struct {
	ID                    string    `json:"id"`
	BotID                 string    `json:"bot_id"`
	State                 string    `json:"state"`
	TranscriptionComplete bool      `json:"transcription_complete"`
	RetainAsyncChunks     bool      `json:"retain_async_chunks"`
	WebhookURL            string    `json:"webhook_url,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Task lifecycle states persisted in Postgres.
const (
	TaskStatusQueued     = "queued"
	TaskStatusInProgress = "in_progress"
	TaskStatusSucceeded  = "succeeded"
	TaskStatusFailed     = "failed"
	TaskStatusDeadLetter = "dead_lettered"
)

// Task kinds executed by the engine.
const (
	TaskTypeUtterance = "utterance:transcribe"
	TaskTypeBotRun    = "bot:run"
)

// Task is one unit of retryable work persisted alongside the queue.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	NextRunAt   time.Time      `json:"next_run_at"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
