package ratelimit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Snapshot is the quota state reported by the transcription API after a call
type Snapshot struct {
	RequestsLimit         int64     `json:"requests_limit"`
	RequestsRemaining     int64     `json:"requests_remaining"`
	RequestsReset         string    `json:"requests_reset"`
	AudioSecondsLimit     int64     `json:"audio_seconds_limit"`
	AudioSecondsRemaining int64     `json:"audio_seconds_remaining"`
	AudioSecondsReset     string    `json:"audio_seconds_reset"`
	CapturedAt            time.Time `json:"captured_at"`
}

// Reading is a snapshot together with its age at the moment it was read
type Reading struct {
	Snapshot
	Age time.Duration
}

// Observer is notified after every recorded snapshot
type Observer func(Snapshot)

// Tracker holds the most recent snapshot. Writes are last-write-wins.
type Tracker struct {
	mu       sync.RWMutex
	last     *Snapshot
	now      func() time.Time
	observer Observer
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// OnRecord registers fn to run after each Record call
func (t *Tracker) OnRecord(fn Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observer = fn
}

// Record replaces the held snapshot. A zero CapturedAt is stamped with the
// current time.
func (t *Tracker) Record(s Snapshot) {
	t.mu.Lock()
	if s.CapturedAt.IsZero() {
		s.CapturedAt = t.now()
	}
	t.last = &s
	observer := t.observer
	t.mu.Unlock()

	if observer != nil {
		observer(s)
	}
}

// Current returns the last snapshot with its age computed now. ok is false
// when nothing has been recorded yet.
func (t *Tracker) Current() (Reading, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.last == nil {
		return Reading{}, false
	}

	age := t.now().Sub(t.last.CapturedAt)
	if age < 0 {
		age = 0
	}

	return Reading{Snapshot: *t.last, Age: age}, true
}

// Format renders a reading for the status command
func Format(r Reading) string {
	var b strings.Builder

	b.WriteString("📊 Groq Whisper Limits\n\n")
	fmt.Fprintf(&b, "Запросов в день: %s / %s\n",
		humanize.Comma(r.RequestsRemaining), humanize.Comma(r.RequestsLimit))
	fmt.Fprintf(&b, "Сброс: %s\n\n", r.RequestsReset)
	fmt.Fprintf(&b, "Аудио в день: %s / %s сек\n",
		humanize.Comma(r.AudioSecondsRemaining), humanize.Comma(r.AudioSecondsLimit))
	fmt.Fprintf(&b, "Сброс: %s\n\n", r.AudioSecondsReset)
	fmt.Fprintf(&b, "🕐 Данные: %s", FormatAge(r.Age))

	return b.String()
}

// FormatAge renders an age as "N сек назад" below a minute, otherwise
// "N мин назад".
func FormatAge(age time.Duration) string {
	secs := int64(age / time.Second)
	if secs < 60 {
		return fmt.Sprintf("%d сек назад", secs)
	}
	return fmt.Sprintf("%d мин назад", secs/60)
}
