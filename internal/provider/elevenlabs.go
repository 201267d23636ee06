package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"meeting-transcriber/internal/models"
)

const elevenLabsSTTURL = "https://api.elevenlabs.io/v1/speech-to-text"

// ElevenLabs transcribes audio via the ElevenLabs scribe endpoint.
type ElevenLabs struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewElevenLabs builds the adapter.
func NewElevenLabs(apiKey, baseURL string) *ElevenLabs {
	if baseURL == "" {
		baseURL = elevenLabsSTTURL
	}
	return &ElevenLabs{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (e *ElevenLabs) Name() string { return models.ProviderElevenLabs }

// Transcribe posts the audio as a multipart form.
func (e *ElevenLabs) Transcribe(ctx context.Context, req Request) (*models.Transcription, *models.FailureData) {
	fields := map[string]string{"model_id": "scribe_v1"}
	if req.Language != "" {
		fields["language_code"] = req.Language
	}

	body, failure := postMultipart(ctx, e.client, e.baseURL, "file", "utterance.wav", req.Audio, fields, map[string]string{
		"xi-api-key": e.apiKey,
	})
	if failure != nil {
		return nil, failure
	}

	var parsed struct {
		Text         string `json:"text"`
		LanguageCode string `json:"language_code"`
		Words        []struct {
			Text  string  `json:"text"`
			Start float64 `json:"start"`
			End   float64 `json:"end"`
		} `json:"words"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &models.FailureData{Reason: models.FailureRequestFailed, Error: "parse response: " + err.Error()}
	}

	t := &models.Transcription{
		Transcript: parsed.Text,
		Language:   parsed.LanguageCode,
	}
	for _, w := range parsed.Words {
		t.Words = append(t.Words, models.Word{Word: w.Text, Start: w.Start, End: w.End})
	}
	return t, nil
}
