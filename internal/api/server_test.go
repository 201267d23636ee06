package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"k8s.io/client-go/kubernetes/fake"

	"meeting-transcriber/internal/config"
	"meeting-transcriber/internal/models"
	"meeting-transcriber/internal/provision"
	"meeting-transcriber/internal/queue"
	"meeting-transcriber/internal/store"
)

type fakeAPIStore struct {
	recordings map[string]models.Recording
	utterances map[string]models.Utterance
	chunks     map[string]models.AudioChunk
	tasks      map[string]models.Task
	seq        int
}

func newFakeAPIStore() *fakeAPIStore {
	return &fakeAPIStore{
		recordings: map[string]models.Recording{},
		utterances: map[string]models.Utterance{},
		chunks:     map[string]models.AudioChunk{},
		tasks:      map[string]models.Task{},
	}
}

func (f *fakeAPIStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeAPIStore) CreateBot(_ context.Context, name, webhookURL string, retain bool) (string, error) {
	return f.nextID("bot"), nil
}

func (f *fakeAPIStore) CreateRecording(_ context.Context, botID, state string) (string, error) {
	id := f.nextID("rec")
	f.recordings[id] = models.Recording{ID: id, BotID: botID, State: state}
	return id, nil
}

func (f *fakeAPIStore) GetRecording(_ context.Context, id string) (models.Recording, error) {
	r, ok := f.recordings[id]
	if !ok {
		return models.Recording{}, fmt.Errorf("recording %s: %w", id, store.ErrNotFound)
	}
	return r, nil
}

func (f *fakeAPIStore) SetRecordingState(_ context.Context, id, state string) error {
	r := f.recordings[id]
	r.State = state
	f.recordings[id] = r
	return nil
}

func (f *fakeAPIStore) CreateUtterance(_ context.Context, p store.CreateUtteranceParams) (models.Utterance, error) {
	u := models.Utterance{
		ID:                   f.nextID("utt"),
		RecordingID:          p.RecordingID,
		Provider:             p.Provider,
		AudioBlob:            p.AudioBlob,
		AudioChunkID:         p.AudioChunkID,
		AsyncTranscriptionID: p.AsyncTranscriptionID,
		SampleRate:           p.SampleRate,
	}
	f.utterances[u.ID] = u
	return u, nil
}

func (f *fakeAPIStore) CreateAudioChunk(_ context.Context, recordingID string, blob []byte, storageKey *string) (string, error) {
	id := f.nextID("chunk")
	f.chunks[id] = models.AudioChunk{ID: id, RecordingID: recordingID, AudioBlob: blob, StorageKey: storageKey}
	return id, nil
}

func (f *fakeAPIStore) GetUtterance(_ context.Context, id string) (models.Utterance, error) {
	u, ok := f.utterances[id]
	if !ok {
		return models.Utterance{}, fmt.Errorf("utterance %s: %w", id, store.ErrNotFound)
	}
	return u, nil
}

func (f *fakeAPIStore) CreateTask(_ context.Context, taskType string, payload map[string]any, maxAttempts int, runAt time.Time) (models.Task, error) {
	t := models.Task{
		ID:          f.nextID("task"),
		Type:        taskType,
		Payload:     payload,
		Status:      models.TaskStatusQueued,
		MaxAttempts: maxAttempts,
		NextRunAt:   runAt,
	}
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeAPIStore) GetTask(_ context.Context, id string) (models.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return t, nil
}

func (f *fakeAPIStore) MarkTaskFailed(_ context.Context, id, lastErr string) error {
	t := f.tasks[id]
	t.Status = models.TaskStatusFailed
	t.LastError = &lastErr
	f.tasks[id] = t
	return nil
}

func (f *fakeAPIStore) AppendTaskEvent(context.Context, string, string, string) error {
	return nil
}

func newTestServer(t *testing.T) (*fakeAPIStore, *queue.TaskQueue, http.Handler) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewTaskQueueWithClient(client, 30*time.Second)

	cfg := config.Config{
		MaxTaskRetries:      6,
		AppName:             "transcriber",
		Namespace:           "transcriber",
		ReleaseVersion:      "2026.08.1-abc1234",
		BotImage:            "registry.example.com/transcriber-bot",
		BotCPURequest:       "4",
		BotMemoryRequest:    "4Gi",
		BotMemoryLimit:      "4Gi",
		BotEphemeralRequest: "10Gi",
		BotEphemeralLimit:   "10Gi",
		BotBackoffLimit:     4,
		BotTerminationGrace: time.Minute,
		BotTolerationWindow: 900 * time.Second,
	}
	prov, err := provision.NewWithClient(fake.NewSimpleClientset(), &cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("provisioner: %v", err)
	}

	st := newFakeAPIStore()
	return st, q, New(cfg, st, q, prov).Router()
}

func postJSON(t *testing.T, router http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSetRecordingState(t *testing.T) {
	st, _, router := newTestServer(t)
	st.recordings["rec-1"] = models.Recording{ID: "rec-1", State: models.RecordingStateInProgress}

	rec := postJSON(t, router, "/recordings/rec-1/state", map[string]string{"state": models.RecordingStateComplete})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := st.recordings["rec-1"].State; got != models.RecordingStateComplete {
		t.Fatalf("state not persisted, got %q", got)
	}
}

func TestSetRecordingStateRejectsUnknownState(t *testing.T) {
	st, _, router := newTestServer(t)
	st.recordings["rec-1"] = models.Recording{ID: "rec-1", State: models.RecordingStateInProgress}

	rec := postJSON(t, router, "/recordings/rec-1/state", map[string]string{"state": "paused"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := st.recordings["rec-1"].State; got != models.RecordingStateInProgress {
		t.Fatalf("state must not move on rejection, got %q", got)
	}
}

func TestSetRecordingStateUnknownRecording(t *testing.T) {
	_, _, router := newTestServer(t)
	rec := postJSON(t, router, "/recordings/nope/state", map[string]string{"state": models.RecordingStateFailed})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateChunk(t *testing.T) {
	st, _, router := newTestServer(t)
	st.recordings["rec-1"] = models.Recording{ID: "rec-1", State: models.RecordingStateInProgress}

	rec := postJSON(t, router, "/recordings/rec-1/chunks", map[string]any{"audio": []byte("pcm-data")})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	chunk, ok := st.chunks[resp["chunk_id"]]
	if !ok {
		t.Fatalf("chunk %q not persisted", resp["chunk_id"])
	}
	if string(chunk.AudioBlob) != "pcm-data" || chunk.RecordingID != "rec-1" {
		t.Fatalf("unexpected chunk row: %+v", chunk)
	}
}

func TestCreateChunkRequiresAudio(t *testing.T) {
	st, _, router := newTestServer(t)
	st.recordings["rec-1"] = models.Recording{ID: "rec-1", State: models.RecordingStateInProgress}

	rec := postJSON(t, router, "/recordings/rec-1/chunks", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateUtteranceEnqueuesTask(t *testing.T) {
	st, q, router := newTestServer(t)
	st.recordings["rec-1"] = models.Recording{ID: "rec-1", State: models.RecordingStateInProgress}

	rec := postJSON(t, router, "/recordings/rec-1/utterances", map[string]any{
		"provider":    models.ProviderDeepgram,
		"audio":       []byte("pcm"),
		"sample_rate": 48000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp createUtteranceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	u, ok := st.utterances[resp.Utterance.ID]
	if !ok {
		t.Fatalf("utterance %q not persisted", resp.Utterance.ID)
	}
	if u.Provider != models.ProviderDeepgram || u.SampleRate != 48000 {
		t.Fatalf("unexpected utterance row: %+v", u)
	}

	// The transcription task lands on the shared ready queue.
	id, err := q.DequeueWithLease(context.Background())
	if err != nil || id != resp.Task.ID {
		t.Fatalf("expected task %q on the queue, got %q err=%v", resp.Task.ID, id, err)
	}
	task := st.tasks[id]
	if task.Type != models.TaskTypeUtterance {
		t.Fatalf("unexpected task type %q", task.Type)
	}
	if task.Payload["utterance_id"] != resp.Utterance.ID {
		t.Fatalf("task payload missing utterance id: %+v", task.Payload)
	}
}

func TestCreateUtteranceDefaultsSampleRate(t *testing.T) {
	st, _, router := newTestServer(t)
	st.recordings["rec-1"] = models.Recording{ID: "rec-1", State: models.RecordingStateInProgress}

	chunkID := "chunk-1"
	rec := postJSON(t, router, "/recordings/rec-1/utterances", map[string]any{
		"provider":       models.ProviderGladia,
		"audio_chunk_id": chunkID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createUtteranceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	u := st.utterances[resp.Utterance.ID]
	if u.SampleRate != 16000 {
		t.Fatalf("expected default sample rate, got %d", u.SampleRate)
	}
	if u.AudioChunkID == nil || *u.AudioChunkID != chunkID {
		t.Fatalf("chunk reference lost: %+v", u.AudioChunkID)
	}
}

func TestCreateUtteranceRequiresAudioSource(t *testing.T) {
	st, _, router := newTestServer(t)
	st.recordings["rec-1"] = models.Recording{ID: "rec-1", State: models.RecordingStateInProgress}

	rec := postJSON(t, router, "/recordings/rec-1/utterances", map[string]any{
		"provider": models.ProviderDeepgram,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateUtteranceUnknownRecording(t *testing.T) {
	_, _, router := newTestServer(t)
	rec := postJSON(t, router, "/recordings/nope/utterances", map[string]any{
		"provider": models.ProviderDeepgram,
		"audio":    []byte("pcm"),
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestTranscribeUnknownUtterance(t *testing.T) {
	_, _, router := newTestServer(t)
	rec := postJSON(t, router, "/utterances/nope/transcribe", map[string]any{})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
