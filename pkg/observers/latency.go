package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/consulta/pkg/metrics"
)

// LatencyObserver logs how long each suggestion stream took to deliver its
// first question and to finish.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	sessionID string
	start     time.Time
	first     time.Time
	end       time.Time
	outcome   string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	if ev.Name == "analysis_final" || ev.Name == "analysis_mid" || ev.Name == "analysis_audio" {
		o.log.Info("analysis_latency",
			"session_id", ev.SessionID(),
			"mode", ev.Name,
			"outcome", ev.Tag("outcome"),
			"round_trip_ms", int64(ev.Value),
		)
		return
	}
	streamID := ev.Tag("stream_id")
	if streamID == "" {
		return
	}
	o.mu.Lock()
	t := o.traces[streamID]
	if t == nil {
		t = &trace{}
		o.traces[streamID] = t
	}
	if t.sessionID == "" {
		t.sessionID = ev.SessionID()
	}
	switch ev.Name {
	case "suggest_stream_start":
		if t.start.IsZero() {
			t.start = ev.Time
		}
	case "suggest_first_question":
		if t.first.IsZero() {
			t.first = ev.Time
		}
	case "suggest_stream_end":
		t.end = ev.Time
		t.outcome = ev.Tag("outcome")
	}
	if !t.end.IsZero() {
		o.logStreamLocked(streamID, t)
		delete(o.traces, streamID)
	}
	o.mu.Unlock()
}

func (o *LatencyObserver) logStreamLocked(streamID string, t *trace) {
	o.log.Info("suggest_latency",
		"stream_id", streamID,
		"session_id", t.sessionID,
		"outcome", t.outcome,
		"first_question_ms", durationMs(t.start, t.first),
		"total_ms", durationMs(t.start, t.end),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
