// Package api is the external trigger boundary: bot provisioning, teardown,
// capture ingestion from the bot pod, and utterance task submission.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"meeting-transcriber/internal/config"
	"meeting-transcriber/internal/models"
	"meeting-transcriber/internal/provision"
	"meeting-transcriber/internal/queue"
	"meeting-transcriber/internal/store"
	"meeting-transcriber/internal/telemetry"
)

// Store is the persistence surface the API needs.
type Store interface {
	CreateBot(ctx context.Context, name, webhookURL string, retainAsyncChunks bool) (string, error)
	CreateRecording(ctx context.Context, botID, state string) (string, error)
	GetRecording(ctx context.Context, id string) (models.Recording, error)
	SetRecordingState(ctx context.Context, id, state string) error
	CreateUtterance(ctx context.Context, p store.CreateUtteranceParams) (models.Utterance, error)
	CreateAudioChunk(ctx context.Context, recordingID string, blob []byte, storageKey *string) (string, error)
	GetUtterance(ctx context.Context, id string) (models.Utterance, error)
	CreateTask(ctx context.Context, taskType string, payload map[string]any, maxAttempts int, runAt time.Time) (models.Task, error)
	GetTask(ctx context.Context, id string) (models.Task, error)
	MarkTaskFailed(ctx context.Context, id, lastErr string) error
	AppendTaskEvent(ctx context.Context, taskID, event, detail string) error
}

// Server wires HTTP handlers for the trigger API.
type Server struct {
	cfg         config.Config
	store       Store
	queue       *queue.TaskQueue
	provisioner *provision.Provisioner
}

// New constructs the API server.
func New(cfg config.Config, st Store, q *queue.TaskQueue, p *provision.Provisioner) *Server {
	return &Server{
		cfg:         cfg,
		store:       st,
		queue:       q,
		provisioner: p,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/bots", s.handleCreateBot)
	r.Delete("/bots/{name}", s.handleTeardown)
	r.Post("/recordings/{id}/state", s.handleSetRecordingState)
	r.Post("/recordings/{id}/chunks", s.handleCreateChunk)
	r.Post("/recordings/{id}/utterances", s.handleCreateUtterance)
	r.Post("/utterances/{id}/transcribe", s.handleTranscribe)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type createBotRequest struct {
	Name              string `json:"name"`
	WebhookURL        string `json:"webhook_url"`
	RetainAsyncChunks bool   `json:"retain_async_chunks"`
	CPURequest        string `json:"cpu_request"`
}

type createBotResponse struct {
	BotID       string                    `json:"bot_id"`
	RecordingID string                    `json:"recording_id"`
	Provision   provision.ProvisionResult `json:"provision"`
}

// handleCreateBot registers a bot, opens its recording, and provisions the
// cluster workload that will run it. A scheduler rejection comes back as a
// structured provision result, not a bare 500.
func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	botID, err := s.store.CreateBot(r.Context(), req.Name, req.WebhookURL, req.RetainAsyncChunks)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	recordingID, err := s.store.CreateRecording(r.Context(), botID, models.RecordingStateInProgress)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	result := s.provisioner.Provision(r.Context(), provision.BotRunRequest{
		BotID:      botID,
		Name:       req.Name,
		CPURequest: req.CPURequest,
	})

	code := http.StatusCreated
	if !result.Created {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, createBotResponse{
		BotID:       botID,
		RecordingID: recordingID,
		Provision:   result,
	})
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	result := s.provisioner.Teardown(r.Context(), name)
	code := http.StatusOK
	if !result.Deleted {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, result)
}

type setRecordingStateRequest struct {
	State string `json:"state"`
}

// handleSetRecordingState records the capture outcome reported by the bot pod.
// Completion accounting stays with the utterance tasks; this only moves the
// recording's state column.
func (s *Server) handleSetRecordingState(w http.ResponseWriter, r *http.Request) {
	recordingID := chi.URLParam(r, "id")
	var req setRecordingStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	switch req.State {
	case models.RecordingStateInProgress, models.RecordingStateComplete, models.RecordingStateFailed:
	default:
		http.Error(w, "unknown recording state", http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetRecording(r.Context(), recordingID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "recording not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.SetRecordingState(r.Context(), recordingID, req.State); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recording_id": recordingID, "state": req.State})
}

type createChunkRequest struct {
	Audio []byte `json:"audio"`
}

// handleCreateChunk stores a raw audio chunk for later utterance references.
func (s *Server) handleCreateChunk(w http.ResponseWriter, r *http.Request) {
	recordingID := chi.URLParam(r, "id")
	var req createChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Audio) == 0 {
		http.Error(w, "audio is required", http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetRecording(r.Context(), recordingID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "recording not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	chunkID, err := s.store.CreateAudioChunk(r.Context(), recordingID, req.Audio, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"chunk_id": chunkID})
}

type createUtteranceRequest struct {
	Provider             string  `json:"provider"`
	Audio                []byte  `json:"audio"`
	AudioChunkID         *string `json:"audio_chunk_id"`
	AsyncTranscriptionID *string `json:"async_transcription_id"`
	SampleRate           int     `json:"sample_rate"`
}

type createUtteranceResponse struct {
	Utterance models.Utterance `json:"utterance"`
	Task      models.Task      `json:"task"`
}

// handleCreateUtterance persists one detected utterance and enqueues its
// transcription task in the same request.
func (s *Server) handleCreateUtterance(w http.ResponseWriter, r *http.Request) {
	recordingID := chi.URLParam(r, "id")
	var req createUtteranceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Provider == "" {
		http.Error(w, "provider is required", http.StatusBadRequest)
		return
	}
	if len(req.Audio) == 0 && req.AudioChunkID == nil {
		http.Error(w, "audio or audio_chunk_id is required", http.StatusBadRequest)
		return
	}
	if req.SampleRate == 0 {
		req.SampleRate = 16000
	}

	if _, err := s.store.GetRecording(r.Context(), recordingID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "recording not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utt, err := s.store.CreateUtterance(r.Context(), store.CreateUtteranceParams{
		RecordingID:          recordingID,
		Provider:             req.Provider,
		AudioBlob:            req.Audio,
		AudioChunkID:         req.AudioChunkID,
		AsyncTranscriptionID: req.AsyncTranscriptionID,
		SampleRate:           req.SampleRate,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	task, err := s.enqueueUtteranceTask(r.Context(), utt.ID, "utterance ingested via API")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, createUtteranceResponse{Utterance: utt, Task: task})
}

// handleTranscribe enqueues an utterance-processing task. Safe to call more
// than once for the same utterance: the pipeline no-ops on closed utterances.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	utteranceID := chi.URLParam(r, "id")
	if _, err := s.store.GetUtterance(r.Context(), utteranceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "utterance not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	task, err := s.enqueueUtteranceTask(r.Context(), utteranceID, "transcription requested via API")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// enqueueUtteranceTask creates the task row and pushes it to the shared queue.
func (s *Server) enqueueUtteranceTask(ctx context.Context, utteranceID, detail string) (models.Task, error) {
	task, err := s.store.CreateTask(ctx, models.TaskTypeUtterance, map[string]any{
		"utterance_id": utteranceID,
	}, s.cfg.MaxTaskRetries, time.Now())
	if err != nil {
		return models.Task{}, err
	}
	if err := s.queue.Enqueue(ctx, task.ID, task.NextRunAt); err != nil {
		_ = s.store.MarkTaskFailed(ctx, task.ID, err.Error())
		return models.Task{}, fmt.Errorf("enqueue: %w", err)
	}
	_ = s.store.AppendTaskEvent(ctx, task.ID, "enqueued", detail)
	return task, nil
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
