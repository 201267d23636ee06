package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"meeting-transcriber/internal/blobstore"
	"meeting-transcriber/internal/bot"
	"meeting-transcriber/internal/config"
	"meeting-transcriber/internal/models"
	"meeting-transcriber/internal/provider"
	"meeting-transcriber/internal/queue"
	"meeting-transcriber/internal/store"
	"meeting-transcriber/internal/task"
	"meeting-transcriber/internal/telemetry"
	"meeting-transcriber/internal/transcribe"
	"meeting-transcriber/internal/webhook"
)

func main() {
	cfg := config.Load()
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "worker").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	q := queue.NewTaskQueue(cfg)

	registry := provider.NewRegistry()
	registry.Register(provider.NewDeepgram(cfg.DeepgramAPIKey, ""))
	registry.Register(provider.NewGladia(cfg.GladiaAPIKey, ""))
	registry.Register(provider.NewOpenAI(cfg.OpenAIAPIKey, ""))
	registry.Register(provider.NewAssemblyAI(cfg.AssemblyAIAPIKey, ""))
	registry.Register(provider.NewSarvam(cfg.SarvamAPIKey, ""))
	registry.Register(provider.NewElevenLabs(cfg.ElevenLabsAPIKey, ""))

	chunks, err := blobstore.New(ctx, cfg, st)
	if err != nil {
		log.Fatal().Err(err).Msg("init chunk store")
	}

	notifier := webhook.NewHTTPNotifier(cfg.WebhookTimeout)
	pipeline := transcribe.NewPipeline(st, registry, chunks, notifier, cfg.UtteranceAttemptLimit, log)

	engine := task.NewEngine(cfg, q, st, log)
	engine.RegisterHandler(models.TaskTypeUtterance, pipeline.Handle)

	// Inside a provisioned bot pod the capture process runs under the same
	// engine supervision as queue work, but directly: the run must stay in
	// this pod and never be leased by another worker.
	if cfg.BotID != "" {
		runner, err := bot.NewExecRunner(cfg.BotCommand, log)
		if err != nil {
			log.Fatal().Err(err).Msg("init bot runner")
		}
		engine.RegisterHandler(models.TaskTypeBotRun, task.NewBotRunHandler(runner))

		go runBot(ctx, cfg, st, engine, log)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Msg("worker started")
	if err := engine.Run(ctx); err != nil {
		log.Info().Err(err).Msg("worker stopped")
	}
}

// runBot executes this pod's own bot-run task and records the outcome. A
// failed run surfaces as a failed task; it is never retried automatically.
func runBot(ctx context.Context, cfg config.Config, st *store.Store, engine *task.Engine, log zerolog.Logger) {
	t, err := st.CreateTask(ctx, models.TaskTypeBotRun, map[string]any{
		"bot_id": cfg.BotID,
	}, 1, time.Now())
	if err != nil {
		log.Error().Err(err).Str("bot_id", cfg.BotID).Msg("create bot run task")
		return
	}
	_ = st.SetTaskStatus(ctx, t.ID, models.TaskStatusInProgress)

	outcome := engine.Execute(ctx, t)

	// Bookkeeping must land even when the run ended because of shutdown.
	done := context.WithoutCancel(ctx)
	if outcome.IsSuccess() {
		_ = st.MarkTaskSucceeded(done, t.ID)
		log.Info().Str("bot_id", cfg.BotID).Msg("bot run finished")
		return
	}
	_ = st.MarkTaskFailed(done, t.ID, outcome.Detail())
	log.Error().Str("bot_id", cfg.BotID).Str("reason", outcome.Reason).Msg("bot run failed")
}
