package groq

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aprudkin/whisper-bot/pkg/logger"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	DefaultLLMModel    = "llama-3.3-70b-versatile"
	PostprocessTimeout = 30 * time.Second

	minCorrectableLength = 10
	correctionTemp       = 0.1
	correctionMaxTokens  = 2048
)

const correctionPrompt = `Ты корректор текста. Исправь пунктуацию и орфографию в тексте транскрипции голосового сообщения.

Правила:
- Добавь знаки препинания (точки, запятые, вопросительные и восклицательные знаки)
- Исправь очевидные орфографические ошибки
- Разбей на предложения
- НЕ меняй смысл и слова
- НЕ добавляй ничего от себя
- Верни ТОЛЬКО исправленный текст, без комментариев`

// Corrector adds punctuation and fixes spelling with a chat model. It never
// fails: any problem yields the input unchanged.
type Corrector struct {
	client *openai.Client
	model  string
}

func NewCorrector(apiKey, baseURL, model string) *Corrector {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultLLMModel
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.HTTPClient = &http.Client{Timeout: PostprocessTimeout}

	return &Corrector{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Correct returns the corrected text, or text itself when it is too short,
// the call fails, or the answer looks garbled.
func (c *Corrector) Correct(ctx context.Context, text string) string {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < minCorrectableLength {
		return text
	}

	ctx, cancel := context.WithTimeout(ctx, PostprocessTimeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: correctionPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: correctionTemp,
		MaxTokens:   correctionMaxTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			logger.Warn("LLM postprocess error",
				zap.Int("status", apiErr.HTTPStatusCode),
				zap.String("message", apiErr.Message))
		} else {
			logger.Warn("LLM postprocess request failed", zap.Error(err))
		}
		return text
	}

	if len(resp.Choices) == 0 {
		logger.Warn("LLM postprocess returned no choices")
		return text
	}

	limits := resp.GetRateLimitHeaders()
	logger.Debug("LLM postprocess completed",
		zap.Int("remaining_requests", limits.RemainingRequests),
		zap.Int("remaining_tokens", limits.RemainingTokens))

	result := strings.TrimSpace(resp.Choices[0].Message.Content)
	if !plausibleLength(text, result) {
		logger.Warn("LLM output length mismatch, returning original",
			zap.Int("original", utf8.RuneCountInString(text)),
			zap.Int("corrected", utf8.RuneCountInString(result)))
		return text
	}

	return result
}

// plausibleLength rejects corrections shorter than half or longer than
// twice the original.
func plausibleLength(original, corrected string) bool {
	o := float64(utf8.RuneCountInString(original))
	n := float64(utf8.RuneCountInString(corrected))
	return n >= o*0.5 && n <= o*2
}
