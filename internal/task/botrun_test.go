package task

import (
	"context"
	"errors"
	"testing"

	"meeting-transcriber/internal/models"
)

type fakeRunner struct {
	err    error
	botIDs []string
}

func (f *fakeRunner) Run(_ context.Context, botID string) error {
	f.botIDs = append(f.botIDs, botID)
	return f.err
}

func TestBotRunHandlerSuccess(t *testing.T) {
	runner := &fakeRunner{}
	handler := NewBotRunHandler(runner)

	out := handler(context.Background(), models.Task{
		ID:      "t1",
		Type:    models.TaskTypeBotRun,
		Payload: map[string]any{"bot_id": "bot-7"},
	})
	if !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out)
	}
	if len(runner.botIDs) != 1 || runner.botIDs[0] != "bot-7" {
		t.Fatalf("runner not invoked correctly: %v", runner.botIDs)
	}
}

func TestBotRunHandlerFailureIsTerminal(t *testing.T) {
	runner := &fakeRunner{err: errors.New("meeting join crashed")}
	handler := NewBotRunHandler(runner)

	out := handler(context.Background(), models.Task{
		ID:      "t1",
		Type:    models.TaskTypeBotRun,
		Payload: map[string]any{"bot_id": "bot-7"},
	})
	// A crashed bot run surfaces; it is never retried automatically.
	if !out.IsTerminal() {
		t.Fatalf("expected terminal, got %+v", out)
	}
}

func TestBotRunHandlerMissingBotID(t *testing.T) {
	handler := NewBotRunHandler(&fakeRunner{})
	out := handler(context.Background(), models.Task{ID: "t1", Type: models.TaskTypeBotRun, Payload: map[string]any{}})
	if !out.IsTerminal() {
		t.Fatalf("expected terminal on missing bot_id, got %+v", out)
	}
}
