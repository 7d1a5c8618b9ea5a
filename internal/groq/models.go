package groq

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// TranscriptionResult is the outcome of one transcription call
type TranscriptionResult struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Duration   float64 `json:"duration"`
	SourceFile string  `json:"source_file"`
}

// transcriptionResponse covers both json and verbose_json response formats
type transcriptionResponse struct {
	Text     *string `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// APIError is returned for non-200 responses and for transport failures,
// in which case StatusCode is 0 and Err holds the cause.
type APIError struct {
	StatusCode int
	Body       string
	Err        error
}

const maxErrorBody = 300

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("groq: request failed: %v", e.Err)
	}

	body := strings.TrimSpace(e.Body)
	if utf8.RuneCountInString(body) > maxErrorBody {
		body = string([]rune(body)[:maxErrorBody]) + "…"
	}
	return fmt.Sprintf("groq: status %d: %s", e.StatusCode, body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// parseTranscription extracts the transcript from a 200 response body. The
// API answers with {"text": ...} for json, a bare JSON string or plain text
// otherwise.
func parseTranscription(body []byte) (*transcriptionResponse, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return &transcriptionResponse{Text: &trimmed}, nil
	}

	switch trimmed[0] {
	case '{':
		var resp transcriptionResponse
		if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if resp.Text == nil {
			return nil, fmt.Errorf("response has no text field")
		}
		return &resp, nil
	case '"':
		var text string
		if err := json.Unmarshal([]byte(trimmed), &text); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return &transcriptionResponse{Text: &text}, nil
	default:
		return &transcriptionResponse{Text: &trimmed}, nil
	}
}
