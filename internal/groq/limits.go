package groq

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/aprudkin/whisper-bot/internal/ratelimit"
)

const (
	HeaderLimitRequests         = "x-ratelimit-limit-requests"
	HeaderRemainingRequests     = "x-ratelimit-remaining-requests"
	HeaderResetRequests         = "x-ratelimit-reset-requests"
	HeaderLimitAudioSeconds     = "x-ratelimit-limit-audio-seconds"
	HeaderRemainingAudioSeconds = "x-ratelimit-remaining-audio-seconds"
	HeaderResetAudioSeconds     = "x-ratelimit-reset-audio-seconds"
)

// ParseLimits reads the rate-limit headers of a transcription response.
// Missing or malformed numbers become 0, missing resets become "unknown".
func ParseLimits(h http.Header) ratelimit.Snapshot {
	return ratelimit.Snapshot{
		RequestsLimit:         headerInt(h, HeaderLimitRequests),
		RequestsRemaining:     headerInt(h, HeaderRemainingRequests),
		RequestsReset:         headerString(h, HeaderResetRequests),
		AudioSecondsLimit:     headerInt(h, HeaderLimitAudioSeconds),
		AudioSecondsRemaining: headerInt(h, HeaderRemainingAudioSeconds),
		AudioSecondsReset:     headerString(h, HeaderResetAudioSeconds),
	}
}

func headerInt(h http.Header, key string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(h.Get(key)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func headerString(h http.Header, key string) string {
	if v := strings.TrimSpace(h.Get(key)); v != "" {
		return v
	}
	return "unknown"
}
