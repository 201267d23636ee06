package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"meeting-transcriber/internal/models"
)

const gladiaBaseURL = "https://api.gladia.io/v2"

// Gladia transcribes audio through Gladia's upload-then-poll flow.
type Gladia struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
}

// NewGladia builds the adapter.
func NewGladia(apiKey, baseURL string) *Gladia {
	if baseURL == "" {
		baseURL = gladiaBaseURL
	}
	return &Gladia{
		apiKey:       apiKey,
		baseURL:      baseURL,
		client:       &http.Client{Timeout: 2 * time.Minute},
		pollInterval: 3 * time.Second,
	}
}

func (g *Gladia) Name() string { return models.ProviderGladia }

type gladiaResult struct {
	Status string `json:"status"`
	Error  struct {
		Message string `json:"message"`
	} `json:"error"`
	Result struct {
		Transcription struct {
			FullTranscript string `json:"full_transcript"`
			Utterances     []struct {
				Text  string  `json:"text"`
				Start float64 `json:"start"`
				End   float64 `json:"end"`
			} `json:"utterances"`
		} `json:"transcription"`
	} `json:"result"`
}

// Transcribe uploads the audio file, requests a transcription, and polls the
// result URL until done.
func (g *Gladia) Transcribe(ctx context.Context, req Request) (*models.Transcription, *models.FailureData) {
	headers := map[string]string{"x-gladia-key": g.apiKey}

	uploadBody, failure := postMultipart(ctx, g.client, g.baseURL+"/upload", "audio", "utterance.wav", req.Audio, nil, headers)
	if failure != nil {
		failure.Reason = models.FailureAudioUploadFailed
		return nil, failure
	}
	var upload struct {
		AudioURL string `json:"audio_url"`
	}
	if err := json.Unmarshal(uploadBody, &upload); err != nil || upload.AudioURL == "" {
		return nil, &models.FailureData{Reason: models.FailureAudioUploadFailed, Error: "upload response missing audio_url"}
	}

	createReq, _ := json.Marshal(map[string]any{"audio_url": upload.AudioURL})
	createBody, failure := postBytes(ctx, g.client, g.baseURL+"/pre-recorded", "application/json", headers, createReq)
	if failure != nil {
		return nil, failure
	}
	var created struct {
		ID        string `json:"id"`
		ResultURL string `json:"result_url"`
	}
	if err := json.Unmarshal(createBody, &created); err != nil || created.ID == "" {
		return nil, &models.FailureData{Reason: models.FailureRequestFailed, Error: "create response missing id"}
	}

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, &models.FailureData{Reason: models.FailureTimedOut, Error: ctx.Err().Error()}
		case <-ticker.C:
		}

		pollBody, failure := getJSON(ctx, g.client, g.baseURL+"/pre-recorded/"+created.ID, headers)
		if failure != nil {
			return nil, failure
		}
		var result gladiaResult
		if err := json.Unmarshal(pollBody, &result); err != nil {
			return nil, &models.FailureData{Reason: models.FailureRequestFailed, Error: "parse poll response: " + err.Error()}
		}

		switch result.Status {
		case "done":
			t := &models.Transcription{
				Transcript: result.Result.Transcription.FullTranscript,
				Language:   req.Language,
			}
			for _, u := range result.Result.Transcription.Utterances {
				t.Words = append(t.Words, models.Word{Word: u.Text, Start: u.Start, End: u.End})
			}
			return t, nil
		case "error":
			return nil, &models.FailureData{Reason: models.FailureRequestFailed, Error: result.Error.Message}
		}
	}
}
