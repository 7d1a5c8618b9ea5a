package bot

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aprudkin/whisper-bot/internal/ratelimit"
	"github.com/aprudkin/whisper-bot/internal/worker"
	"github.com/aprudkin/whisper-bot/pkg/logger"
	"github.com/aprudkin/whisper-bot/pkg/model"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

const downloadTimeout = 60 * time.Second

// MediaHandler consumes voice and video notes
type MediaHandler interface {
	Handle(ctx context.Context, job model.Job)
}

// Access answers per-chat policy questions
type Access interface {
	IsChatAllowed(chatID int64) bool
	HasAPIKey() bool
}

// LimitsReader exposes the last recorded Groq quota
type LimitsReader interface {
	Current() (ratelimit.Reading, bool)
}

type Bot struct {
	tb      *tele.Bot
	access  Access
	media   MediaHandler
	limits  LimitsReader
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New connects to Telegram. Handlers are attached later with Route, once
// the pipeline that needs Messenger exists.
func New(token string) (*Bot, error) {
	return newBot(tele.Settings{
		Token: token,
		Poller: &tele.LongPoller{
			Timeout: 10 * time.Second,
		},
		OnError: func(err error, c tele.Context) {
			logger.Error("Telegram handler error", zap.Error(err))
		},
	})
}

func newBot(pref tele.Settings) (*Bot, error) {
	logger.Info("Starting bot initialization")

	tb, err := tele.NewBot(pref)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	logger.Info("Bot created successfully", zap.String("username", tb.Me.Username))

	return &Bot{
		tb:     tb,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Messenger returns the Telegram side of the media pipeline
func (b *Bot) Messenger() worker.Messenger {
	return &messenger{
		tb:     b.tb,
		client: &http.Client{Timeout: downloadTimeout},
	}
}

// Route registers the update handlers
func (b *Bot) Route(media MediaHandler, access Access, limits LimitsReader) {
	b.media = media
	b.access = access
	b.limits = limits

	b.tb.Handle("/start", b.handleStart)
	b.tb.Handle("/limits", b.handleLimits)
	b.tb.Handle("/status", b.handleLimits)
	b.tb.Handle(tele.OnVoice, b.handleVoice)
	b.tb.Handle(tele.OnVideoNote, b.handleVideoNote)
}

// Start runs the long poller and blocks until Stop
func (b *Bot) Start() {
	b.running.Store(true)
	defer b.running.Store(false)

	logger.Info("Bot started")
	b.tb.Start()
}

func (b *Bot) Stop() {
	b.cancel()
	b.tb.Stop()
	logger.Info("Bot stopped")
}

// Alive reports whether the poller is running
func (b *Bot) Alive() bool {
	return b.running.Load()
}
