package provider

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"meeting-transcriber/internal/models"
)

// OpenAI transcribes audio with the Whisper API via the go-openai client.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI builds the adapter. baseURL overrides the API host when non-empty.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}
}

func (o *OpenAI) Name() string { return models.ProviderOpenAI }

// Transcribe sends the audio to Whisper and maps API errors onto the failure
// taxonomy.
func (o *OpenAI) Transcribe(ctx context.Context, req Request) (*models.Transcription, *models.FailureData) {
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(req.Audio),
		Language: req.Language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, mapOpenAIError(err)
	}

	t := &models.Transcription{
		Transcript: resp.Text,
		Language:   resp.Language,
	}
	for _, w := range resp.Words {
		t.Words = append(t.Words, models.Word{Word: w.Word, Start: w.Start, End: w.End})
	}
	return t, nil
}

func mapOpenAIError(err error) *models.FailureData {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return &models.FailureData{Reason: models.FailureRateLimitExceeded, Error: apiErr.Message}
		case http.StatusUnauthorized, http.StatusForbidden:
			return &models.FailureData{Reason: models.FailureCredentialsInvalid, Error: apiErr.Message}
		default:
			return &models.FailureData{Reason: models.FailureRequestFailed, Error: apiErr.Message}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.FailureData{Reason: models.FailureTimedOut, Error: err.Error()}
	}
	return &models.FailureData{Reason: models.FailureRequestFailed, Error: err.Error()}
}
