package metrics

import (
	"time"

	"github.com/aprudkin/whisper-bot/internal/ratelimit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "whisper_bot"

// Metrics holds the bot's collectors on a dedicated registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	media         *prometheus.CounterVec
	transcription prometheus.Histogram
	postprocess   *prometheus.CounterVec
	quota         *prometheus.GaugeVec
	inFlight      prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		media: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_total",
			Help:      "Inbound media events by kind and outcome.",
		}, []string{"kind", "outcome"}),
		transcription: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_seconds",
			Help:      "Latency of successful transcription calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		}),
		postprocess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postprocess_total",
			Help:      "LLM correction passes by result.",
		}, []string{"result"}),
		quota: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "groq_quota",
			Help:      "Last observed Groq daily quota.",
		}, []string{"resource", "value"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "media_in_flight",
			Help:      "Media events currently being processed.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.media,
		m.transcription,
		m.postprocess,
		m.quota,
		m.inFlight,
	)

	return m
}

// ObserveMedia counts one finished media event
func (m *Metrics) ObserveMedia(kind, outcome string) {
	if m == nil {
		return
	}
	m.media.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveTranscription(d time.Duration) {
	if m == nil {
		return
	}
	m.transcription.Observe(d.Seconds())
}

// ObservePostprocess counts a correction pass; changed is false when the
// original text was kept.
func (m *Metrics) ObservePostprocess(changed bool) {
	if m == nil {
		return
	}
	result := "unchanged"
	if changed {
		result = "corrected"
	}
	m.postprocess.WithLabelValues(result).Inc()
}

// ObserveLimits exports a rate-limit snapshot; it fits ratelimit.Observer.
func (m *Metrics) ObserveLimits(s ratelimit.Snapshot) {
	if m == nil {
		return
	}
	m.quota.WithLabelValues("requests", "limit").Set(float64(s.RequestsLimit))
	m.quota.WithLabelValues("requests", "remaining").Set(float64(s.RequestsRemaining))
	m.quota.WithLabelValues("audio_seconds", "limit").Set(float64(s.AudioSecondsLimit))
	m.quota.WithLabelValues("audio_seconds", "remaining").Set(float64(s.AudioSecondsRemaining))
}

// TrackInFlight increments the in-flight gauge and returns its decrement
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}
