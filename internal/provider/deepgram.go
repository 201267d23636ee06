package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"meeting-transcriber/internal/models"
)

const deepgramListenURL = "https://api.deepgram.com/v1/listen"

// Deepgram transcribes pre-recorded audio via the Deepgram listen API.
type Deepgram struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewDeepgram builds the adapter. baseURL overrides the production endpoint
// when non-empty (used by tests).
func NewDeepgram(apiKey, baseURL string) *Deepgram {
	if baseURL == "" {
		baseURL = deepgramListenURL
	}
	return &Deepgram{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (d *Deepgram) Name() string { return models.ProviderDeepgram }

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
				Words      []struct {
					Word  string  `json:"word"`
					Start float64 `json:"start"`
					End   float64 `json:"end"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe posts raw audio and parses the first alternative.
func (d *Deepgram) Transcribe(ctx context.Context, req Request) (*models.Transcription, *models.FailureData) {
	params := url.Values{}
	params.Set("model", "nova-2")
	params.Set("smart_format", "true")
	params.Set("punctuate", "true")
	if req.Language != "" {
		params.Set("language", req.Language)
	}

	contentType := req.MimeType
	if contentType == "" {
		contentType = "audio/wav"
	}
	body, failure := postBytes(ctx, d.client, d.baseURL+"?"+params.Encode(), contentType, map[string]string{
		"Authorization": "Token " + d.apiKey,
	}, req.Audio)
	if failure != nil {
		return nil, failure
	}

	var parsed deepgramResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &models.FailureData{Reason: models.FailureRequestFailed, Error: "parse response: " + err.Error()}
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return &models.Transcription{Transcript: ""}, nil
	}

	alt := parsed.Results.Channels[0].Alternatives[0]
	t := &models.Transcription{
		Transcript: alt.Transcript,
		Language:   req.Language,
		Confidence: alt.Confidence,
	}
	for _, w := range alt.Words {
		t.Words = append(t.Words, models.Word{Word: w.Word, Start: w.Start, End: w.End})
	}
	return t, nil
}
