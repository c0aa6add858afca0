package observers

import (
	"encoding/json"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/consulta/pkg/metrics"
	"github.com/harunnryd/consulta/pkg/redact"
)

// TimelineObserver writes <dir>/<session>.jsonl, one line per metrics event,
// with the offset from the session's first event so a consultation can be
// replayed on a single time axis. The file is closed when session_stopped
// arrives; a later event for the same session reopens it in append mode.
type TimelineObserver struct {
	dir string

	mu   sync.Mutex
	open map[string]*timeline
}

type timeline struct {
	f     *os.File
	start time.Time
}

type timelineLine struct {
	At       time.Time         `json:"at"`
	OffsetMS int64             `json:"offset_ms"`
	Event    string            `json:"event"`
	StreamID string            `json:"stream_id,omitempty"`
	Value    float64           `json:"value"`
	Tags     map[string]string `json:"tags,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, open: make(map[string]*timeline)}
}

// RecordEvent drops events that carry no session id.
func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := fileID(ev.SessionID())
	if id == "" || strings.TrimSpace(o.dir) == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	tl := o.open[id]
	if tl == nil {
		f, err := o.create(id)
		if err != nil {
			return
		}
		tl = &timeline{f: f, start: ev.Time}
		o.open[id] = tl
	}

	line := timelineLine{
		At:       ev.Time.UTC(),
		OffsetMS: ev.Time.Sub(tl.start).Milliseconds(),
		Event:    eventLabel(ev),
		StreamID: ev.Tag("stream_id"),
		Value:    ev.Value,
		Tags:     maps.Clone(ev.Tags),
		Fields:   redactFields(ev.Fields),
	}
	delete(line.Tags, "session_id")
	delete(line.Tags, "stream_id")
	if len(line.Tags) == 0 {
		line.Tags = nil
	}
	if b, err := json.Marshal(line); err == nil {
		_, _ = tl.f.Write(append(b, '\n'))
	}

	if ev.Name == "session_stopped" {
		_ = tl.f.Close()
		delete(o.open, id)
	}
}

func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for id, tl := range o.open {
		err = errors.Join(err, tl.f.Close())
		delete(o.open, id)
	}
	return err
}

func (o *TimelineObserver) create(id string) (*os.File, error) {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(o.dir, id+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// eventLabel appends the outcome to stream and analysis events, so
// "analysis_mid_ok" reads without the tags.
func eventLabel(ev metrics.MetricsEvent) string {
	outcome := ev.Tag("outcome")
	if outcome == "" {
		return ev.Name
	}
	switch ev.Name {
	case "suggest_stream_end", "analysis_mid", "analysis_final", "analysis_audio":
		return ev.Name + "_" + outcome
	}
	return ev.Name
}

// fileID keeps [A-Za-z0-9._-] and maps everything else to '_'.
func fileID(id string) string {
	id = strings.TrimSpace(id)
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, id)
}

func redactFields(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			v = redact.Text(s)
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
