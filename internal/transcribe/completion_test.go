package transcribe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"meeting-transcriber/internal/models"
)

// countingStore wraps fakeStore to count conditional-write wins.
type countingStore struct {
	*fakeStore
	wins atomic.Int64
}

func (c *countingStore) MarkTranscriptionComplete(ctx context.Context, recordingID string) (bool, error) {
	won, err := c.fakeStore.MarkTranscriptionComplete(ctx, recordingID)
	if won {
		c.wins.Add(1)
	}
	return won, err
}

func TestAggregatorExactlyOnceUnderRace(t *testing.T) {
	st := &countingStore{fakeStore: newFakeStore()}
	st.recordings["rec-1"] = &models.Recording{ID: "rec-1", State: models.RecordingStateComplete}

	agg := NewAggregator(st, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := agg.MaybeCompleteTranscription(context.Background(), "rec-1"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := st.wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
	if !st.recordings["rec-1"].TranscriptionComplete {
		t.Fatalf("recording should be complete")
	}
}

func TestAggregatorGuards(t *testing.T) {
	cases := []struct {
		name    string
		state   string
		pending int64
		already bool
	}{
		{name: "capture still running", state: models.RecordingStateInProgress},
		{name: "utterances still pending", state: models.RecordingStateComplete, pending: 3},
		{name: "already complete", state: models.RecordingStateFailed, already: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := &countingStore{fakeStore: newFakeStore()}
			st.recordings["rec-1"] = &models.Recording{
				ID:                    "rec-1",
				State:                 tc.state,
				TranscriptionComplete: tc.already,
			}
			st.pending["rec-1"] = tc.pending

			agg := NewAggregator(st, zerolog.Nop())
			if err := agg.MaybeCompleteTranscription(context.Background(), "rec-1"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if st.wins.Load() != 0 {
				t.Fatalf("expected no completion transition")
			}
		})
	}
}

func TestAggregatorCompletesOnFailedCapture(t *testing.T) {
	// A recording whose capture failed still completes transcription once no
	// utterance is pending.
	st := &countingStore{fakeStore: newFakeStore()}
	st.recordings["rec-1"] = &models.Recording{ID: "rec-1", State: models.RecordingStateFailed}

	agg := NewAggregator(st, zerolog.Nop())
	if err := agg.MaybeCompleteTranscription(context.Background(), "rec-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.wins.Load() != 1 {
		t.Fatalf("expected completion on terminal failed state")
	}
}
