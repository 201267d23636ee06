package transcribe

import (
	"context"

	"github.com/rs/zerolog"

	"meeting-transcriber/internal/models"
	"meeting-transcriber/internal/telemetry"
)

// RecordingStore is the persistence surface completion checking needs.
type RecordingStore interface {
	GetRecording(ctx context.Context, id string) (models.Recording, error)
	PendingUtteranceCount(ctx context.Context, recordingID string) (int64, error)
	MarkTranscriptionComplete(ctx context.Context, recordingID string) (bool, error)
}

// Aggregator decides when a recording's transcription is complete. Utterance
// completions race to be the last one, so the check re-queries the
// authoritative pending count every time and the final transition is a
// conditional write that only one caller can win.
type Aggregator struct {
	store RecordingStore
	log   zerolog.Logger
}

// NewAggregator builds the aggregator.
func NewAggregator(store RecordingStore, log zerolog.Logger) *Aggregator {
	return &Aggregator{store: store, log: log}
}

// MaybeCompleteTranscription flips the recording to transcription-complete
// when capture has reached a terminal state and no utterance is still
// pending. Calling it on an already-complete recording is a no-op.
func (a *Aggregator) MaybeCompleteTranscription(ctx context.Context, recordingID string) error {
	rec, err := a.store.GetRecording(ctx, recordingID)
	if err != nil {
		return err
	}
	if rec.TranscriptionComplete {
		return nil
	}
	if !models.IsTerminalRecordingState(rec.State) {
		return nil
	}

	pending, err := a.store.PendingUtteranceCount(ctx, recordingID)
	if err != nil {
		return err
	}
	if pending != 0 {
		return nil
	}

	won, err := a.store.MarkTranscriptionComplete(ctx, recordingID)
	if err != nil {
		return err
	}
	if won {
		telemetry.RecordingsCompleted.Inc()
		a.log.Info().Str("recording_id", recordingID).Msg("recording transcription complete")
	}
	return nil
}
