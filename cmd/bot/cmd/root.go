package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aprudkin/whisper-bot/internal/bot"
	"github.com/aprudkin/whisper-bot/internal/config"
	"github.com/aprudkin/whisper-bot/internal/groq"
	"github.com/aprudkin/whisper-bot/internal/health"
	"github.com/aprudkin/whisper-bot/internal/metrics"
	"github.com/aprudkin/whisper-bot/internal/ratelimit"
	"github.com/aprudkin/whisper-bot/internal/storage"
	"github.com/aprudkin/whisper-bot/internal/worker"
	"github.com/aprudkin/whisper-bot/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "whisper-bot",
	Short: "Telegram bot that replies to voice and video notes with their transcription",
	Long: `Telegram bot that replies to voice and video notes with their transcription.
- Audio is transcribed by Groq Whisper
- Punctuation can optionally be fixed by a Groq chat model
- Only chats listed in ALLOWED_CHATS are served`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

// Execute runs the root command. It is called once by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(healthcheckCmd)
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		// the logger is not configured yet
		_ = logger.Init(false)
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	if err := logger.Init(cfg.Debug); err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting whisper bot",
		zap.String("whisper_model", cfg.Groq.WhisperModel),
		zap.String("language", cfg.Whisper.Language),
		zap.Bool("postprocess", cfg.PostprocessEnabled()),
		zap.Int64s("allowed_chats", cfg.AllowedChatIDs()))

	if !cfg.HasAPIKey() {
		logger.Warn("GROQ_API_KEY is not set, transcription requests will be rejected")
	}

	m := metrics.New()
	tracker := ratelimit.NewTracker()
	tracker.OnRecord(m.ObserveLimits)

	transcriber := groq.NewClient(cfg.Groq.APIKey, cfg.Groq.BaseURL, cfg.Groq.WhisperModel, tracker)

	var corrector worker.Corrector
	if cfg.PostprocessEnabled() {
		corrector = groq.NewCorrector(cfg.Groq.APIKey, cfg.Groq.BaseURL, cfg.Groq.LLMModel)
	}

	b, err := bot.New(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	processor := worker.NewProcessor(cfg, b.Messenger(), transcriber, corrector,
		storage.NewScratch(cfg.TempDir), m, worker.Options{
			Language:     cfg.Whisper.Language,
			Concurrency:  cfg.Worker.Concurrency,
			QueueTimeout: cfg.Worker.QueueTimeout,
		})

	b.Route(processor, cfg, tracker)

	var healthServer *health.Server
	if cfg.Health.Addr != "" {
		healthServer = health.NewServer(cfg.Health.Addr, b.Alive, m.Registry)
		healthServer.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Starting Telegram bot")
		b.Start()
	}()

	sig := <-sigChan
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	b.Stop()

	if healthServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := healthServer.Shutdown(ctx); err != nil {
			logger.Warn("Health server shutdown failed", zap.Error(err))
		}
	}

	logger.Info("Bot shutdown complete")
	return nil
}
