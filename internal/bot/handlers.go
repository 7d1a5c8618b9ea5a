package bot

import (
	"fmt"

	"github.com/aprudkin/whisper-bot/internal/ratelimit"
	"github.com/aprudkin/whisper-bot/pkg/logger"
	"github.com/aprudkin/whisper-bot/pkg/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

const (
	MsgNotConfigured = "Groq API не настроен"
	MsgNoLimits      = "Нет данных о лимитах"
	MsgHelp          = "Пришлите голосовое сообщение или кружок, и я отвечу текстом.\n/limits - остаток лимитов Groq"
)

func (b *Bot) handleVoice(c tele.Context) error {
	msg := c.Message()
	if msg == nil || msg.Voice == nil {
		return nil
	}

	b.media.Handle(b.ctx, newJob(msg, model.Media{
		Kind:     model.KindVoice,
		FileID:   msg.Voice.FileID,
		UniqueID: msg.Voice.UniqueID,
		Duration: msg.Voice.Duration,
	}))
	return nil
}

func (b *Bot) handleVideoNote(c tele.Context) error {
	msg := c.Message()
	if msg == nil || msg.VideoNote == nil {
		return nil
	}

	b.media.Handle(b.ctx, newJob(msg, model.Media{
		Kind:     model.KindVideoNote,
		FileID:   msg.VideoNote.FileID,
		UniqueID: msg.VideoNote.UniqueID,
		Duration: msg.VideoNote.Duration,
	}))
	return nil
}

func (b *Bot) handleStart(c tele.Context) error {
	if c.Chat() == nil || !b.access.IsChatAllowed(c.Chat().ID) {
		return nil
	}
	return c.Send(MsgHelp)
}

// handleLimits answers /limits and /status
func (b *Bot) handleLimits(c tele.Context) error {
	if c.Chat() == nil {
		return nil
	}

	text, ok := b.limitsText(c.Chat().ID)
	if !ok {
		logger.Warn("Ignored limits command from unauthorized chat",
			zap.Int64("chat_id", c.Chat().ID))
		return nil
	}
	return c.Reply(text)
}

// limitsText returns false when the chat must get no answer at all
func (b *Bot) limitsText(chatID int64) (string, bool) {
	if !b.access.IsChatAllowed(chatID) {
		return "", false
	}
	if !b.access.HasAPIKey() {
		return MsgNotConfigured, true
	}

	reading, ok := b.limits.Current()
	if !ok {
		return MsgNoLimits, true
	}
	return ratelimit.Format(reading), true
}

func newJob(msg *tele.Message, media model.Media) model.Job {
	job := model.Job{
		ID:        uuid.New().String(),
		MessageID: msg.ID,
		Sender:    senderLabel(msg.Sender),
		Media:     media,
	}
	if msg.Chat != nil {
		job.ChatID = msg.Chat.ID
	}
	return job
}

func senderLabel(u *tele.User) string {
	switch {
	case u == nil:
		return "unknown"
	case u.Username != "":
		return u.Username
	default:
		return fmt.Sprintf("id:%d", u.ID)
	}
}
