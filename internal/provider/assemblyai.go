package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"meeting-transcriber/internal/models"
)

const assemblyAIBaseURL = "https://api.assemblyai.com/v2"

// AssemblyAI transcribes audio through AssemblyAI's upload-then-poll flow.
type AssemblyAI struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
}

// NewAssemblyAI builds the adapter.
func NewAssemblyAI(apiKey, baseURL string) *AssemblyAI {
	if baseURL == "" {
		baseURL = assemblyAIBaseURL
	}
	return &AssemblyAI{
		apiKey:       apiKey,
		baseURL:      baseURL,
		client:       &http.Client{Timeout: 2 * time.Minute},
		pollInterval: 3 * time.Second,
	}
}

func (a *AssemblyAI) Name() string { return models.ProviderAssemblyAI }

type assemblyTranscript struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
	Words      []struct {
		Text  string `json:"text"`
		Start int    `json:"start"`
		End   int    `json:"end"`
	} `json:"words"`
}

// Transcribe uploads audio, creates a transcript job, and polls until the job
// reaches a terminal status or the context expires.
func (a *AssemblyAI) Transcribe(ctx context.Context, req Request) (*models.Transcription, *models.FailureData) {
	headers := map[string]string{"Authorization": a.apiKey}

	uploadBody, failure := postBytes(ctx, a.client, a.baseURL+"/upload", "application/octet-stream", headers, req.Audio)
	if failure != nil {
		failure.Reason = models.FailureAudioUploadFailed
		return nil, failure
	}
	var upload struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.Unmarshal(uploadBody, &upload); err != nil || upload.UploadURL == "" {
		return nil, &models.FailureData{Reason: models.FailureAudioUploadFailed, Error: "upload response missing url"}
	}

	createReq, _ := json.Marshal(map[string]any{
		"audio_url":     upload.UploadURL,
		"language_code": req.Language,
	})
	createBody, failure := postBytes(ctx, a.client, a.baseURL+"/transcript", "application/json", headers, createReq)
	if failure != nil {
		return nil, failure
	}
	var created assemblyTranscript
	if err := json.Unmarshal(createBody, &created); err != nil || created.ID == "" {
		return nil, &models.FailureData{Reason: models.FailureRequestFailed, Error: "create response missing id"}
	}

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, &models.FailureData{Reason: models.FailureTimedOut, Error: ctx.Err().Error()}
		case <-ticker.C:
		}

		pollBody, failure := getJSON(ctx, a.client, a.baseURL+"/transcript/"+created.ID, headers)
		if failure != nil {
			return nil, failure
		}
		var status assemblyTranscript
		if err := json.Unmarshal(pollBody, &status); err != nil {
			return nil, &models.FailureData{Reason: models.FailureRequestFailed, Error: "parse poll response: " + err.Error()}
		}

		switch status.Status {
		case "completed":
			t := &models.Transcription{
				Transcript: status.Text,
				Language:   req.Language,
				Confidence: status.Confidence,
			}
			for _, w := range status.Words {
				t.Words = append(t.Words, models.Word{
					Word:  w.Text,
					Start: float64(w.Start) / 1000,
					End:   float64(w.End) / 1000,
				})
			}
			return t, nil
		case "error":
			return nil, &models.FailureData{Reason: models.FailureRequestFailed, Error: status.Error}
		}
	}
}
