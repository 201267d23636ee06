package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meeting-transcriber/internal/models"
)

func TestTranscriptUpdatedDelivers(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode event: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(2 * time.Second)
	rec := models.Recording{ID: "rec-1", BotID: "bot-1", WebhookURL: srv.URL}
	utt := models.Utterance{ID: "utt-1", Transcription: &models.Transcription{Transcript: "hello", Language: "en"}}

	if err := n.TranscriptUpdated(context.Background(), rec, utt); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if received.Trigger != TriggerTranscriptUpdate {
		t.Fatalf("unexpected trigger: %q", received.Trigger)
	}
	if received.BotID != "bot-1" || received.RecordingID != "rec-1" {
		t.Fatalf("unexpected envelope: %+v", received)
	}
	if received.Payload["transcript"] != "hello" || received.Payload["language"] != "en" {
		t.Fatalf("unexpected payload: %+v", received.Payload)
	}
}

func TestTranscriptUpdatedNoURLIsNoOp(t *testing.T) {
	n := NewHTTPNotifier(time.Second)
	err := n.TranscriptUpdated(context.Background(), models.Recording{ID: "rec-1"}, models.Utterance{ID: "utt-1"})
	if err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
}

func TestTranscriptUpdatedReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(time.Second)
	rec := models.Recording{ID: "rec-1", WebhookURL: srv.URL}
	if err := n.TranscriptUpdated(context.Background(), rec, models.Utterance{ID: "utt-1"}); err == nil {
		t.Fatalf("expected delivery error on 502")
	}
}
