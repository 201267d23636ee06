// Package transcribe is the per-utterance orchestration: provider dispatch,
// failure classification, audio cleanup, webhook firing, and recording-level
// completion detection.
package transcribe

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"meeting-transcriber/internal/blobstore"
	"meeting-transcriber/internal/models"
	"meeting-transcriber/internal/provider"
	"meeting-transcriber/internal/task"
	"meeting-transcriber/internal/telemetry"
	"meeting-transcriber/internal/webhook"
)

// Store is the persistence surface the pipeline needs. All writes are narrow
// field-level updates so concurrent tasks on the same recording never clobber
// each other's rows.
type Store interface {
	RecordingStore
	GetUtterance(ctx context.Context, id string) (models.Utterance, error)
	IncrementAttemptCount(ctx context.Context, id string) (int, error)
	SetTranscription(ctx context.Context, id string, t models.Transcription) error
	SetFailureData(ctx context.Context, id string, f models.FailureData) error
	ClearUtteranceAudio(ctx context.Context, id string) error
	GetAudioChunk(ctx context.Context, id string) (models.AudioChunk, error)
}

// Pipeline is the utterance-processing task body.
type Pipeline struct {
	store        Store
	providers    *provider.Registry
	chunks       blobstore.ChunkStore
	notifier     webhook.Notifier
	completion   *Aggregator
	attemptLimit int
	log          zerolog.Logger
}

// NewPipeline wires the pipeline. attemptLimit is the utterance-level ceiling
// after which any failure becomes terminal.
func NewPipeline(store Store, providers *provider.Registry, chunks blobstore.ChunkStore, notifier webhook.Notifier, attemptLimit int, log zerolog.Logger) *Pipeline {
	if attemptLimit == 0 {
		attemptLimit = 5
	}
	return &Pipeline{
		store:        store,
		providers:    providers,
		chunks:       chunks,
		notifier:     notifier,
		completion:   NewAggregator(store, log),
		attemptLimit: attemptLimit,
		log:          log,
	}
}

// Handle processes one utterance task delivery. Deliveries may repeat; every
// step is guarded so reprocessing a closed utterance is a no-op.
func (p *Pipeline) Handle(ctx context.Context, t models.Task) task.Outcome {
	utteranceID, _ := t.Payload["utterance_id"].(string)
	if utteranceID == "" {
		return task.Terminal("invalid_payload", fmt.Errorf("utterance task %s has no utterance_id", t.ID))
	}

	utt, err := p.store.GetUtterance(ctx, utteranceID)
	if err != nil {
		return task.Retryable(models.FailureInternalError, err)
	}
	log := p.log.With().Str("utterance_id", utt.ID).Str("recording_id", utt.RecordingID).Logger()

	if utt.FailureData != nil {
		log.Info().Msg("utterance already failed, skipping")
		return task.Success()
	}

	if utt.Transcription == nil {
		outcome, done := p.transcribeAndPersist(ctx, &utt, log)
		if done {
			return outcome
		}
	}

	// Async utterances never touch recording-level state.
	if utt.IsAsync() {
		return task.Success()
	}

	if err := p.completion.MaybeCompleteTranscription(ctx, utt.RecordingID); err != nil {
		return task.Retryable(models.FailureInternalError, err)
	}
	return task.Success()
}

// transcribeAndPersist runs one transcription attempt and all success-side
// bookkeeping. done=true short-circuits the caller with the given outcome;
// done=false means the utterance now has a transcript and the caller should
// continue to completion accounting.
func (p *Pipeline) transcribeAndPersist(ctx context.Context, utt *models.Utterance, log zerolog.Logger) (task.Outcome, bool) {
	count, err := p.store.IncrementAttemptCount(ctx, utt.ID)
	if err != nil {
		return task.Retryable(models.FailureInternalError, err), true
	}
	utt.TranscriptionAttemptCount = count
	telemetry.TranscriptionAttempts.Inc()

	transcription, failure := p.transcribe(ctx, *utt)

	if failure != nil {
		if count < p.attemptLimit && IsRetryableFailure(*failure) {
			log.Warn().Str("reason", failure.Reason).Int("attempt", count).Msg("retryable transcription failure")
			return task.Retryable(failure.Reason, errors.New(failure.Error)), true
		}
		// Terminal: persist the failure and keep the audio for diagnosis.
		if err := p.store.SetFailureData(ctx, utt.ID, *failure); err != nil {
			return task.Retryable(models.FailureInternalError, err), true
		}
		telemetry.TerminalFailures.Inc()
		log.Error().Str("reason", failure.Reason).Int("attempt", count).Msg("transcription failed permanently")
		return task.Success(), true
	}

	// The transcript must be durable before any audio is destroyed: a crash
	// after clearing but before the transcript lands would leave an utterance
	// with no outcome and no audio left to retry from.
	if err := p.store.SetTranscription(ctx, utt.ID, *transcription); err != nil {
		return task.Retryable(models.FailureInternalError, err), true
	}
	utt.Transcription = transcription
	telemetry.TranscriptsCompleted.Inc()
	log.Info().Int("attempt", count).Msg("transcription complete")

	// Cleanup below is best-effort: the transcript is already committed, and
	// failing the task here would skip the webhook on redelivery.
	// The inline audio_blob column is deprecated; clear it once a transcript
	// exists so large payloads stop accumulating.
	if len(utt.AudioBlob) > 0 {
		if err := p.store.ClearUtteranceAudio(ctx, utt.ID); err != nil {
			log.Warn().Err(err).Msg("clear inline audio failed")
		}
	}

	rec, err := p.store.GetRecording(ctx, utt.RecordingID)
	if err != nil {
		return task.Retryable(models.FailureInternalError, err), true
	}

	// Chunk audio may still be needed by a deferred transcription pass, so it
	// is only cleared when the bot does not retain async chunks.
	if utt.AudioChunkID != nil && !rec.RetainAsyncChunks {
		if chunk, err := p.store.GetAudioChunk(ctx, *utt.AudioChunkID); err != nil {
			log.Warn().Err(err).Msg("load chunk for clearing failed")
		} else if err := p.chunks.Clear(ctx, chunk); err != nil {
			log.Warn().Err(err).Msg("clear chunk audio failed")
		}
	}

	if transcription.Transcript != "" && !utt.IsAsync() {
		if err := p.notifier.TranscriptUpdated(ctx, rec, *utt); err != nil {
			// Webhooks are a sink: delivery problems never fail the utterance.
			log.Warn().Err(err).Msg("webhook delivery failed")
		} else {
			telemetry.WebhooksSent.Inc()
		}
	}
	return task.Outcome{}, false
}

// transcribe resolves the provider and runs it, containing panics and
// unknown providers as internal errors so classification always applies.
func (p *Pipeline) transcribe(ctx context.Context, utt models.Utterance) (t *models.Transcription, f *models.FailureData) {
	defer func() {
		if r := recover(); r != nil {
			t = nil
			f = &models.FailureData{Reason: models.FailureInternalError, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	adapter, ok := p.providers.Lookup(utt.Provider)
	if !ok {
		return nil, &models.FailureData{Reason: models.FailureInternalError, Error: fmt.Sprintf("unknown transcription provider: %s", utt.Provider)}
	}

	audio, err := p.loadAudio(ctx, utt)
	if err != nil {
		return nil, &models.FailureData{Reason: models.FailureInternalError, Error: err.Error()}
	}

	return adapter.Transcribe(ctx, provider.Request{
		Audio:      audio,
		SampleRate: utt.SampleRate,
	})
}

// loadAudio prefers the legacy inline blob and falls back to the chunk store.
func (p *Pipeline) loadAudio(ctx context.Context, utt models.Utterance) ([]byte, error) {
	if len(utt.AudioBlob) > 0 {
		return utt.AudioBlob, nil
	}
	if utt.AudioChunkID == nil {
		return nil, fmt.Errorf("utterance %s has no audio", utt.ID)
	}
	chunk, err := p.store.GetAudioChunk(ctx, *utt.AudioChunkID)
	if err != nil {
		return nil, err
	}
	return p.chunks.Fetch(ctx, chunk)
}
