// Package webhook delivers outbound notifications to bot-configured URLs.
// The pipeline treats this as a sink; delivery failures are logged, never
// allowed to fail an utterance.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"meeting-transcriber/internal/models"
)

// Trigger types carried in the event envelope.
const (
	TriggerTranscriptUpdate = "transcript.update"
)

// Event is the envelope posted to the bot's webhook URL.
type Event struct {
	Trigger     string         `json:"trigger"`
	BotID       string         `json:"bot_id"`
	RecordingID string         `json:"recording_id"`
	Payload     map[string]any `json:"payload"`
	SentAt      time.Time      `json:"sent_at"`
}

// Notifier is the sink the pipeline fires transitions into.
type Notifier interface {
	TranscriptUpdated(ctx context.Context, rec models.Recording, utt models.Utterance) error
}

// HTTPNotifier posts events to the recording's bot webhook URL.
type HTTPNotifier struct {
	client *http.Client
}

// NewHTTPNotifier builds a notifier with a bounded delivery timeout.
func NewHTTPNotifier(timeout time.Duration) *HTTPNotifier {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{client: &http.Client{Timeout: timeout}}
}

// TranscriptUpdated delivers a transcript-update event. A recording without a
// webhook URL is a silent no-op.
func (n *HTTPNotifier) TranscriptUpdated(ctx context.Context, rec models.Recording, utt models.Utterance) error {
	if rec.WebhookURL == "" {
		return nil
	}

	evt := Event{
		Trigger:     TriggerTranscriptUpdate,
		BotID:       rec.BotID,
		RecordingID: rec.ID,
		Payload:     utterancePayload(utt),
		SentAt:      time.Now().UTC(),
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("deliver webhook: status %d", resp.StatusCode)
	}
	return nil
}

func utterancePayload(utt models.Utterance) map[string]any {
	payload := map[string]any{
		"utterance_id": utt.ID,
	}
	if utt.Transcription != nil {
		payload["transcript"] = utt.Transcription.Transcript
		if utt.Transcription.Language != "" {
			payload["language"] = utt.Transcription.Language
		}
	}
	return payload
}
