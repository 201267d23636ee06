package task

import (
	"context"
	"fmt"

	"meeting-transcriber/internal/models"
)

// BotRunner joins the meeting and captures audio for one bot. The capture
// layer (browser/WebRTC control) lives outside this module; this is its
// contract.
type BotRunner interface {
	Run(ctx context.Context, botID string) error
}

// NewBotRunHandler wraps a runner as the bot-run task body. A crashed bot run
// is always terminal: blindly rejoining a meeting is not safe, so the failure
// surfaces instead of retrying.
func NewBotRunHandler(runner BotRunner) Handler {
	return func(ctx context.Context, t models.Task) Outcome {
		botID, _ := t.Payload["bot_id"].(string)
		if botID == "" {
			return Terminal("invalid_payload", fmt.Errorf("bot:run task %s has no bot_id", t.ID))
		}
		if err := runner.Run(ctx, botID); err != nil {
			return Terminal("bot_run_failed", err)
		}
		return Success()
	}
}
