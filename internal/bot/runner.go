// Package bot bridges to the meeting-capture process. The capture program
// itself (browser automation, WebRTC) ships as a separate binary baked into
// the bot pod image; this package only supervises it.
package bot

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// ExecRunner launches the capture program as a child process. Context
// cancellation kills the child, which is how a pod-level shutdown signal
// reaches the capture layer.
type ExecRunner struct {
	command []string
	log     zerolog.Logger
}

// NewExecRunner parses a space-separated command line. An empty command is a
// configuration error surfaced at startup, not at run time.
func NewExecRunner(command string, log zerolog.Logger) (*ExecRunner, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("bot command is empty")
	}
	return &ExecRunner{command: fields, log: log}, nil
}

// Run blocks until the capture process exits or the context is cancelled.
func (r *ExecRunner) Run(ctx context.Context, botID string) error {
	args := append(append([]string(nil), r.command[1:]...), "--bot-id", botID)
	cmd := exec.CommandContext(ctx, r.command[0], args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	r.log.Info().Str("bot_id", botID).Str("command", strings.Join(r.command, " ")).Msg("starting capture process")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("capture process: %w", err)
	}
	return nil
}
