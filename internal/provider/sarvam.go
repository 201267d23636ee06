package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"meeting-transcriber/internal/models"
)

const sarvamSTTURL = "https://api.sarvam.ai/speech-to-text"

// Sarvam transcribes audio via Sarvam's speech-to-text endpoint.
type Sarvam struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewSarvam builds the adapter.
func NewSarvam(apiKey, baseURL string) *Sarvam {
	if baseURL == "" {
		baseURL = sarvamSTTURL
	}
	return &Sarvam{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (s *Sarvam) Name() string { return models.ProviderSarvam }

// Transcribe posts the audio as a multipart form.
func (s *Sarvam) Transcribe(ctx context.Context, req Request) (*models.Transcription, *models.FailureData) {
	fields := map[string]string{"model": "saarika:v2"}
	if req.Language != "" {
		fields["language_code"] = req.Language
	}

	body, failure := postMultipart(ctx, s.client, s.baseURL, "file", "utterance.wav", req.Audio, fields, map[string]string{
		"api-subscription-key": s.apiKey,
	})
	if failure != nil {
		return nil, failure
	}

	var parsed struct {
		Transcript   string `json:"transcript"`
		LanguageCode string `json:"language_code"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &models.FailureData{Reason: models.FailureRequestFailed, Error: "parse response: " + err.Error()}
	}
	return &models.Transcription{
		Transcript: parsed.Transcript,
		Language:   parsed.LanguageCode,
	}, nil
}
