package groq

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aprudkin/whisper-bot/internal/ratelimit"
	"github.com/aprudkin/whisper-bot/pkg/logger"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL       = "https://api.groq.com/openai/v1"
	DefaultWhisperModel  = "whisper-large-v3"
	TranscriptionTimeout = 60 * time.Second
	ResponseFormat       = "json"

	transcriptionPath  = "/audio/transcriptions"
	defaultContentType = "audio/ogg"
)

// contentTypes maps local extensions to the MIME type sent to the API
var contentTypes = map[string]string{
	".oga":  "audio/ogg",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".mp4":  "video/mp4",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".webm": "audio/webm",
	".flac": "audio/flac",
}

// renamedExtensions are sent under a sibling extension the API recognizes.
// Telegram voice notes are .oga, which the API rejects by name although the
// codec is supported.
var renamedExtensions = map[string]string{
	".oga": ".ogg",
}

// Recorder receives the rate-limit snapshot of every successful call
type Recorder interface {
	Record(ratelimit.Snapshot)
}

type Client struct {
	apiKey  string
	baseURL string
	model   string
	limits  Recorder
	client  *http.Client
}

// NewClient creates a Groq Whisper client. An empty baseURL or model falls
// back to the defaults; limits may be nil.
func NewClient(apiKey, baseURL, model string, limits Recorder) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultWhisperModel
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		limits:  limits,
		client: &http.Client{
			Timeout: TranscriptionTimeout,
		},
	}
}

// ContentType returns the MIME type for a file extension (with the dot)
func ContentType(ext string) string {
	if ct, ok := contentTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	return defaultContentType
}

// UploadName returns the file name declared in the multipart body
func UploadName(audioPath string) string {
	name := filepath.Base(audioPath)
	ext := filepath.Ext(name)
	if renamed, ok := renamedExtensions[strings.ToLower(ext)]; ok {
		return strings.TrimSuffix(name, ext) + renamed
	}
	return name
}

// Transcribe uploads the audio file and returns the transcript
func (c *Client) Transcribe(ctx context.Context, audioPath, language string) (*TranscriptionResult, error) {
	body, contentType, err := c.buildBody(audioPath, language)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+transcriptionPath, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", contentType)

	logger.Debug("Sending transcription request",
		zap.String("file", filepath.Base(audioPath)),
		zap.String("model", c.model),
		zap.String("language", language))

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &APIError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		logger.Error("Groq API error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(respBody)))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if c.limits != nil {
		c.limits.Record(ParseLimits(resp.Header))
	}

	parsed, err := parseTranscription(respBody)
	if err != nil {
		return nil, err
	}

	result := &TranscriptionResult{
		Text:       *parsed.Text,
		Language:   language,
		Duration:   parsed.Duration,
		SourceFile: filepath.Base(audioPath),
	}
	if parsed.Language != "" {
		result.Language = parsed.Language
	}

	logger.Info("Transcription completed",
		zap.String("file", result.SourceFile),
		zap.Int("text_length", len(result.Text)),
		zap.Duration("elapsed", time.Since(started)))

	return result, nil
}

// buildBody encodes the multipart form: file, model, language and format
func (c *Client) buildBody(audioPath, language string) (io.Reader, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(UploadName(audioPath))))
	header.Set("Content-Type", ContentType(filepath.Ext(audioPath)))

	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("failed to read audio file: %w", err)
	}

	fields := [][2]string{
		{"model", c.model},
		{"language", language},
		{"response_format", ResponseFormat},
	}
	for _, kv := range fields {
		if err := w.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", kv[0], err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	return &buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
