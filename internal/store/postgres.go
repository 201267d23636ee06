package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"meeting-transcriber/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// --- tasks ---

// CreateTask inserts a task row for the engine.
func (s *Store) CreateTask(ctx context.Context, taskType string, payload map[string]any, maxAttempts int, runAt time.Time) (models.Task, error) {
	if maxAttempts == 0 {
		maxAttempts = 6
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.Task{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, type, payload, status, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7)
	`, id, taskType, payloadJSON, models.TaskStatusQueued, maxAttempts, runAt, now)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}

	return models.Task{
		ID:          id,
		Type:        taskType,
		Payload:     payload,
		Status:      models.TaskStatusQueued,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		NextRunAt:   runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, payload, status, attempts, max_attempts, next_run_at, last_error, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id)

	var task models.Task
	var payloadJSON []byte
	var lastErr pgtype.Text

	if err := row.Scan(&task.ID, &task.Type, &payloadJSON, &task.Status, &task.Attempts, &task.MaxAttempts, &task.NextRunAt, &lastErr, &task.CreatedAt, &task.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &task.Payload); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	task.LastError = textPtr(lastErr)
	return task, nil
}

// SetTaskStatus updates status only.
func (s *Store) SetTaskStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// UpdateTaskAttempts records a failed attempt and the next retry time.
func (s *Store) UpdateTaskAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.TaskStatusQueued, attempts, nextRun, lastErr)
	return err
}

// MarkTaskSucceeded transitions a task to succeeded.
func (s *Store) MarkTaskSucceeded(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.TaskStatusSucceeded)
	return err
}

// MarkTaskFailed flags a task as permanently failed without retry.
func (s *Store) MarkTaskFailed(ctx context.Context, id, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.TaskStatusFailed, lastErr)
	return err
}

// MarkTaskDeadLetter flags a task as dead_lettered after retry exhaustion.
func (s *Store) MarkTaskDeadLetter(ctx context.Context, id, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.TaskStatusDeadLetter, lastErr)
	return err
}

// AppendTaskEvent adds an audit row for a task transition.
func (s *Store) AppendTaskEvent(ctx context.Context, taskID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_events (task_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
	return err
}

// --- bots and recordings ---

// CreateBot inserts a bot row.
func (s *Store) CreateBot(ctx context.Context, name, webhookURL string, retainAsyncChunks bool) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bots (id, name, webhook_url, retain_async_chunks, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, id, name, webhookURL, retainAsyncChunks)
	if err != nil {
		return "", fmt.Errorf("insert bot: %w", err)
	}
	return id, nil
}

// CreateRecording inserts a recording owned by a bot.
func (s *Store) CreateRecording(ctx context.Context, botID, state string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recordings (id, bot_id, state, transcription_complete, created_at, updated_at)
		VALUES ($1, $2, $3, FALSE, NOW(), NOW())
	`, id, botID, state)
	if err != nil {
		return "", fmt.Errorf("insert recording: %w", err)
	}
	return id, nil
}

// GetRecording fetches a recording with its bot-level settings denormalized.
func (s *Store) GetRecording(ctx context.Context, id string) (models.Recording, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT r.id, r.bot_id, r.state, r.transcription_complete, b.retain_async_chunks, b.webhook_url, r.created_at, r.updated_at
		FROM recordings r
		JOIN bots b ON b.id = r.bot_id
		WHERE r.id = $1
	`, id)

	var rec models.Recording
	if err := row.Scan(&rec.ID, &rec.BotID, &rec.State, &rec.TranscriptionComplete, &rec.RetainAsyncChunks, &rec.WebhookURL, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Recording{}, fmt.Errorf("recording %s: %w", id, ErrNotFound)
		}
		return models.Recording{}, fmt.Errorf("scan recording: %w", err)
	}
	return rec, nil
}

// SetRecordingState writes the capture state. The capture state machine
// itself belongs to the meeting-automation layer; this is its write path.
func (s *Store) SetRecordingState(ctx context.Context, id, state string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE recordings SET state = $2, updated_at = NOW() WHERE id = $1
	`, id, state)
	return err
}

// PendingUtteranceCount counts utterances still awaiting a terminal outcome.
// Terminally failed utterances count as resolved, and async utterances are
// excluded from completion accounting entirely.
func (s *Store) PendingUtteranceCount(ctx context.Context, recordingID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM utterances
		WHERE recording_id = $1
		  AND transcription IS NULL
		  AND failure_data IS NULL
		  AND async_transcription_id IS NULL
	`, recordingID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending utterances: %w", err)
	}
	return n, nil
}

// MarkTranscriptionComplete flips the recording's transcription status to
// complete. The conditional update makes the transition exactly-once under
// concurrent callers; the returned bool reports whether this caller won.
func (s *Store) MarkTranscriptionComplete(ctx context.Context, recordingID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recordings
		SET transcription_complete = TRUE, updated_at = NOW()
		WHERE id = $1 AND transcription_complete = FALSE
	`, recordingID)
	if err != nil {
		return false, fmt.Errorf("mark transcription complete: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- utterances ---

// CreateUtteranceParams collects inputs required to insert an utterance.
type CreateUtteranceParams struct {
	RecordingID          string
	Provider             string
	AudioBlob            []byte
	AudioChunkID         *string
	AsyncTranscriptionID *string
	SampleRate           int
}

// CreateUtterance inserts an utterance row awaiting transcription.
func (s *Store) CreateUtterance(ctx context.Context, p CreateUtteranceParams) (models.Utterance, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO utterances (id, recording_id, transcription_provider, audio_blob, audio_chunk_id, async_transcription_id, sample_rate, transcription_attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)
	`, id, p.RecordingID, p.Provider, p.AudioBlob, p.AudioChunkID, p.AsyncTranscriptionID, p.SampleRate, now)
	if err != nil {
		return models.Utterance{}, fmt.Errorf("insert utterance: %w", err)
	}
	return models.Utterance{
		ID:                   id,
		RecordingID:          p.RecordingID,
		Provider:             p.Provider,
		AudioBlob:            p.AudioBlob,
		AudioChunkID:         p.AudioChunkID,
		AsyncTranscriptionID: p.AsyncTranscriptionID,
		SampleRate:           p.SampleRate,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// GetUtterance fetches an utterance by id.
func (s *Store) GetUtterance(ctx context.Context, id string) (models.Utterance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, recording_id, transcription_provider, transcription, failure_data, transcription_attempt_count,
		       audio_blob, audio_chunk_id, async_transcription_id, sample_rate, created_at, updated_at
		FROM utterances WHERE id = $1
	`, id)

	var u models.Utterance
	var transcriptionJSON, failureJSON []byte
	var chunkID, asyncID pgtype.Text

	if err := row.Scan(&u.ID, &u.RecordingID, &u.Provider, &transcriptionJSON, &failureJSON, &u.TranscriptionAttemptCount,
		&u.AudioBlob, &chunkID, &asyncID, &u.SampleRate, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Utterance{}, fmt.Errorf("utterance %s: %w", id, ErrNotFound)
		}
		return models.Utterance{}, fmt.Errorf("scan utterance: %w", err)
	}

	if transcriptionJSON != nil {
		u.Transcription = &models.Transcription{}
		if err := json.Unmarshal(transcriptionJSON, u.Transcription); err != nil {
			return models.Utterance{}, fmt.Errorf("unmarshal transcription: %w", err)
		}
	}
	if failureJSON != nil {
		u.FailureData = &models.FailureData{}
		if err := json.Unmarshal(failureJSON, u.FailureData); err != nil {
			return models.Utterance{}, fmt.Errorf("unmarshal failure data: %w", err)
		}
	}
	u.AudioChunkID = textPtr(chunkID)
	u.AsyncTranscriptionID = textPtr(asyncID)
	return u, nil
}

// IncrementAttemptCount bumps the attempt counter and returns the new value.
// Persisted before the provider call so a crash mid-attempt stays visible.
func (s *Store) IncrementAttemptCount(ctx context.Context, id string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE utterances
		SET transcription_attempt_count = transcription_attempt_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING transcription_attempt_count
	`, id).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("utterance %s: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("increment attempt count: %w", err)
	}
	return count, nil
}

// SetTranscription persists the transcript. The guard keeps transcription and
// failure_data mutually exclusive.
func (s *Store) SetTranscription(ctx context.Context, id string, t models.Transcription) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transcription: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE utterances SET transcription = $2, updated_at = NOW()
		WHERE id = $1 AND failure_data IS NULL
	`, id, payload)
	return err
}

// SetFailureData records a permanent failure. Once set it never changes; the
// conditional write enforces immutability at the row level.
func (s *Store) SetFailureData(ctx context.Context, id string, f models.FailureData) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal failure data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE utterances SET failure_data = $2, updated_at = NOW()
		WHERE id = $1 AND failure_data IS NULL AND transcription IS NULL
	`, id, payload)
	return err
}

// ClearUtteranceAudio empties the legacy inline audio field. Set to empty,
// not NULL, to preserve row shape for older readers.
func (s *Store) ClearUtteranceAudio(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE utterances SET audio_blob = ''::bytea, updated_at = NOW() WHERE id = $1
	`, id)
	return err
}

// --- audio chunks ---

// CreateAudioChunk inserts a chunk holding raw audio for a recording.
func (s *Store) CreateAudioChunk(ctx context.Context, recordingID string, blob []byte, storageKey *string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audio_chunks (id, recording_id, audio_blob, storage_key, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, id, recordingID, blob, storageKey)
	if err != nil {
		return "", fmt.Errorf("insert audio chunk: %w", err)
	}
	return id, nil
}

// GetAudioChunk fetches a chunk by id.
func (s *Store) GetAudioChunk(ctx context.Context, id string) (models.AudioChunk, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, recording_id, audio_blob, storage_key, created_at
		FROM audio_chunks WHERE id = $1
	`, id)

	var c models.AudioChunk
	var key pgtype.Text
	if err := row.Scan(&c.ID, &c.RecordingID, &c.AudioBlob, &key, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AudioChunk{}, fmt.Errorf("audio chunk %s: %w", id, ErrNotFound)
		}
		return models.AudioChunk{}, fmt.Errorf("scan audio chunk: %w", err)
	}
	c.StorageKey = textPtr(key)
	return c, nil
}

// ClearChunkAudio empties a chunk's inline audio and drops its storage key.
func (s *Store) ClearChunkAudio(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audio_chunks SET audio_blob = ''::bytea, storage_key = NULL WHERE id = $1
	`, id)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
