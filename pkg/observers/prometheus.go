package observers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/harunnryd/consulta/pkg/metrics"
)

const namespace = "consulta"

// PrometheusObserver exports the metrics event stream as Prometheus series.
type PrometheusObserver struct {
	SessionsTotal  prometheus.Counter
	SessionsActive prometheus.Gauge

	SuggestStreams        prometheus.Counter
	SuggestStreamsEnded   *prometheus.CounterVec
	SuggestStreamDuration prometheus.Histogram
	FirstQuestionLatency  prometheus.Histogram
	MalformedEvents       prometheus.Counter
	Suggestions           *prometheus.CounterVec
	QuestionsAsked        prometheus.Counter
	SkippedTicks          *prometheus.CounterVec

	AnalysisDuration *prometheus.HistogramVec
	AnalysisHTTP     *prometheus.CounterVec

	EventsPublished *prometheus.CounterVec
	AudioBytes      prometheus.Counter
}

// NewPrometheusObserver registers the series on reg, or on the default
// registerer when reg is nil.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusObserver{
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of consultation sessions started",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently live",
		}),

		SuggestStreams: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggest_streams_total",
			Help:      "Total number of suggestion streams opened",
		}),
		SuggestStreamsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggest_streams_ended_total",
			Help:      "Suggestion streams by terminal state",
		}, []string{"outcome"}),
		SuggestStreamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "suggest_stream_duration_seconds",
			Help:      "Duration of suggestion streams in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		FirstQuestionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "suggest_first_question_seconds",
			Help:      "Time from stream start to the first suggested question",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		MalformedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggest_malformed_events_total",
			Help:      "Suggestion stream events that failed to decode",
		}),
		Suggestions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestions_total",
			Help:      "Suggested questions offered to the list by verdict",
		}, []string{"verdict"}),
		QuestionsAsked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "questions_asked_total",
			Help:      "Doctor questions detected in the transcript",
		}),
		SkippedTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_skipped_total",
			Help:      "Scheduler decisions that did not issue a request",
		}, []string{"kind", "reason"}),

		AnalysisDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Analysis round trip by mode and outcome",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 90},
		}, []string{"mode", "outcome"}),
		AnalysisHTTP: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_http_total",
			Help:      "Analysis backend responses by path and status",
		}, []string{"path", "status"}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Session events written to the event log",
		}, []string{"type", "status"}),
		AudioBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_audio_bytes_total",
			Help:      "Audio bytes forwarded to speech capture",
		}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	switch ev.Name {
	case "session_started":
		p.SessionsTotal.Inc()
		p.SessionsActive.Inc()
	case "session_stopped":
		p.SessionsActive.Dec()
	case "suggest_stream_start":
		p.SuggestStreams.Inc()
	case "suggest_stream_end":
		p.SuggestStreamsEnded.WithLabelValues(ev.Tag("outcome")).Inc()
		p.SuggestStreamDuration.Observe(ev.Value / 1000)
	case "suggest_first_question":
		p.FirstQuestionLatency.Observe(ev.Value / 1000)
	case "suggest_event_malformed":
		p.MalformedEvents.Inc()
	case "suggestion_offered":
		p.Suggestions.WithLabelValues(ev.Tag("verdict")).Inc()
	case "question_asked":
		p.QuestionsAsked.Inc()
	case "scheduler_tick_skipped":
		p.SkippedTicks.WithLabelValues(ev.Tag("kind"), ev.Tag("reason")).Inc()
	case "analysis_mid", "analysis_final", "analysis_audio":
		mode := ev.Name[len("analysis_"):]
		p.AnalysisDuration.WithLabelValues(mode, ev.Tag("outcome")).Observe(ev.Value / 1000)
	case "analysis_http":
		p.AnalysisHTTP.WithLabelValues(ev.Tag("path"), ev.Tag("status")).Inc()
	case "event_published":
		p.EventsPublished.WithLabelValues(ev.Tag("type"), ev.Tag("status")).Inc()
	case "capture_audio_in":
		p.AudioBytes.Add(float64(intField(ev.Fields, "bytes")))
	}
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
