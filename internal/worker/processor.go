package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aprudkin/whisper-bot/internal/groq"
	"github.com/aprudkin/whisper-bot/internal/metrics"
	"github.com/aprudkin/whisper-bot/internal/storage"
	"github.com/aprudkin/whisper-bot/pkg/logger"
	"github.com/aprudkin/whisper-bot/pkg/model"
	"github.com/aprudkin/whisper-bot/pkg/resilience"

	"go.uber.org/zap"
)

// Replies sent back to the chat
const (
	MsgFileUnavailable  = "Не удалось получить файл"
	MsgDownloadError    = "Ошибка загрузки файла"
	MsgRecognitionError = "Ошибка распознавания: %v"
	MsgEmptyRecording   = "(пустая запись)"
	MsgBusy             = "Слишком много сообщений в обработке, попробуйте позже"
)

// Outcomes reported to metrics
const (
	OutcomeReplied        = "replied"
	OutcomeEmpty          = "empty"
	OutcomeUnauthorized   = "unauthorized"
	OutcomeUnavailable    = "unavailable"
	OutcomeTransportError = "transport_error"
	OutcomeFailed         = "failed"
	OutcomeBusy           = "busy"
)

// ErrFileUnavailable means the platform returned no downloadable path
var ErrFileUnavailable = errors.New("file path is not available")

// TransportError wraps a failure of the messaging platform itself
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("telegram %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Messenger is the messaging platform as seen by the pipeline. Failures of
// the platform should be returned as *TransportError.
type Messenger interface {
	FilePath(ctx context.Context, fileID string) (string, error)
	Download(ctx context.Context, filePath string) (io.ReadCloser, error)
	Reply(ctx context.Context, job model.Job, text string) error
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, language string) (*groq.TranscriptionResult, error)
}

// Corrector post-processes a transcript. It must return the input when it
// cannot do better.
type Corrector interface {
	Correct(ctx context.Context, text string) string
}

// Settings is the part of the configuration the pipeline consults per job
type Settings interface {
	IsChatAllowed(chatID int64) bool
	PostprocessEnabled() bool
}

type Options struct {
	Language     string
	Concurrency  int
	QueueTimeout time.Duration
}

type Processor struct {
	settings    Settings
	messenger   Messenger
	transcriber Transcriber
	corrector   Corrector
	scratch     *storage.Scratch
	metrics     *metrics.Metrics
	bulkhead    *resilience.Bulkhead
	language    string
}

// NewProcessor creates the media pipeline. corrector and m may be nil.
func NewProcessor(
	settings Settings,
	messenger Messenger,
	transcriber Transcriber,
	corrector Corrector,
	scratch *storage.Scratch,
	m *metrics.Metrics,
	opts Options,
) *Processor {
	return &Processor{
		settings:    settings,
		messenger:   messenger,
		transcriber: transcriber,
		corrector:   corrector,
		scratch:     scratch,
		metrics:     m,
		bulkhead:    resilience.NewBulkhead(opts.Concurrency, opts.QueueTimeout),
		language:    opts.Language,
	}
}

// Handle runs one media event through the pipeline. It never panics and
// never returns an error: every failure ends as a reply or a log line.
func (p *Processor) Handle(ctx context.Context, job model.Job) {
	log := logger.With(
		zap.String("job_id", job.ID),
		zap.Int64("chat_id", job.ChatID),
		zap.Int("message_id", job.MessageID),
		zap.String("media", job.Media.Kind.String()))

	// Unauthorized chats get no reply at all
	if !p.settings.IsChatAllowed(job.ChatID) {
		log.Warn("Ignored media from unauthorized chat", zap.String("sender", job.Sender))
		p.metrics.ObserveMedia(job.Media.Kind.String(), OutcomeUnauthorized)
		return
	}

	log.Info("Received media",
		zap.String("sender", job.Sender),
		zap.Int("duration", job.Media.Duration))

	var outcome string
	err := p.bulkhead.Execute(ctx, func() error {
		outcome = p.process(ctx, job, log)
		return nil
	})
	if err != nil {
		log.Warn("Pipeline is saturated, rejecting media", zap.Error(err))
		p.reply(ctx, job, MsgBusy, log)
		outcome = OutcomeBusy
	}

	p.metrics.ObserveMedia(job.Media.Kind.String(), outcome)
}

func (p *Processor) process(ctx context.Context, job model.Job, log *zap.Logger) (outcome string) {
	defer p.metrics.TrackInFlight()()

	var release func()
	defer func() {
		if release != nil {
			release()
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic while processing media", zap.Any("panic", r), zap.Stack("stack"))
			outcome = p.fail(ctx, job, fmt.Errorf("internal error: %v", r), log)
		}
	}()

	outcome, err := p.run(ctx, job, &release, log)
	if err != nil {
		return p.fail(ctx, job, err, log)
	}
	return outcome
}

// run performs download, transcription, correction and reply. release is
// set as soon as the scratch file is reserved so the caller can clean up.
func (p *Processor) run(ctx context.Context, job model.Job, release *func(), log *zap.Logger) (string, error) {
	filePath, err := p.messenger.FilePath(ctx, job.Media.FileID)
	if err != nil {
		return "", err
	}
	if filePath == "" {
		return "", ErrFileUnavailable
	}

	// forwarded notes share a unique id, so the path may be held by another job
	path, unlock, err := p.scratch.Acquire(ctx, job.Media.FileName())
	if err != nil {
		return "", err
	}
	*release = unlock

	body, err := p.messenger.Download(ctx, filePath)
	if err != nil {
		return "", err
	}
	size, err := p.scratch.Write(path, body)
	body.Close()
	if err != nil {
		return "", err
	}

	log.Info("Downloaded media", zap.String("path", path), zap.Int64("size", size))

	started := time.Now()
	result, err := p.transcriber.Transcribe(ctx, path, p.language)
	if err != nil {
		return "", err
	}
	p.metrics.ObserveTranscription(time.Since(started))

	text := strings.TrimSpace(result.Text)
	if text != "" && p.corrector != nil && p.settings.PostprocessEnabled() {
		text = p.correct(ctx, text, log)
	}

	outcome := OutcomeReplied
	if text == "" {
		text = MsgEmptyRecording
		outcome = OutcomeEmpty
	}

	if err := p.messenger.Reply(ctx, job, text); err != nil {
		return "", err
	}

	log.Info("Transcription sent", zap.Int("chars", len([]rune(text))))
	return outcome, nil
}

// correct runs the corrector and falls back to text on any misbehaviour,
// including a panic or an empty answer.
func (p *Processor) correct(ctx context.Context, text string, log *zap.Logger) (out string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("LLM postprocess panicked, using raw transcript", zap.Any("panic", r))
			out = text
		}
	}()

	out = p.corrector.Correct(ctx, text)
	if strings.TrimSpace(out) == "" {
		out = text
	}
	p.metrics.ObservePostprocess(out != text)
	return out
}

// fail turns a pipeline error into a single user-facing reply
func (p *Processor) fail(ctx context.Context, job model.Job, err error, log *zap.Logger) string {
	if errors.Is(err, ErrFileUnavailable) {
		log.Warn("File path not returned by Telegram", zap.String("file_id", job.Media.FileID))
		p.reply(ctx, job, MsgFileUnavailable, log)
		return OutcomeUnavailable
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		log.Error("Telegram API error", zap.Error(err))
		p.reply(ctx, job, MsgDownloadError, log)
		return OutcomeTransportError
	}

	log.Error("Error processing media",
		zap.Error(err),
		zap.String("file_id", job.Media.FileID),
		zap.String("file_unique_id", job.Media.UniqueID))
	p.reply(ctx, job, fmt.Sprintf(MsgRecognitionError, err), log)
	return OutcomeFailed
}

func (p *Processor) reply(ctx context.Context, job model.Job, text string, log *zap.Logger) {
	if err := p.messenger.Reply(ctx, job, text); err != nil {
		log.Error("Failed to send reply", zap.Error(err))
	}
}
