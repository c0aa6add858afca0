package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/consulta/pkg/metrics"
)

// UsageSummary counts the billable work done for one session.
type UsageSummary struct {
	SessionID      string  `json:"session_id"`
	AudioSeconds   float64 `json:"audio_seconds"`
	SuggestStreams int     `json:"suggest_streams"`
	Suggestions    int     `json:"suggestions_accepted"`
	MidAnalyses    int     `json:"mid_analyses"`
	FinalAnalyses  int     `json:"final_analyses"`
	AudioAnalyses  int     `json:"audio_analyses"`
	RecordedAtUTC  string  `json:"recorded_at_utc"`
}

// UsageObserver accumulates UsageSummary per session and writes it to
// <dir>/<session>.usage.json when the session stops or the observer closes.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	id := ev.SessionID()
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{SessionID: id}
		o.stats[id] = stat
	}
	switch ev.Name {
	case "capture_audio_in":
		stat.AudioSeconds += audioSeconds(ev.Fields)
	case "suggest_stream_start":
		stat.SuggestStreams++
	case "suggestion_offered":
		if ev.Tag("verdict") == "accepted" {
			stat.Suggestions++
		}
	case "analysis_mid":
		if ev.Tag("outcome") != "stale" {
			stat.MidAnalyses++
		}
	case "analysis_final":
		stat.FinalAnalyses++
	case "analysis_audio":
		stat.AudioAnalyses++
	case "session_stopped":
		_ = o.writeLocked(stat)
		delete(o.stats, id)
	}
}

// Summary returns a copy of the running summary for a session.
func (o *UsageObserver) Summary(sessionID string) (UsageSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[sessionID]
	if stat == nil {
		return UsageSummary{}, false
	}
	return *stat, true
}

// Close writes every summary still open.
func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	var errOut error
	for id, stat := range o.stats {
		errOut = errors.Join(errOut, o.writeLocked(stat))
		delete(o.stats, id)
	}
	return errOut
}

func (o *UsageObserver) writeLocked(stat *UsageSummary) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(o.dir, fileID(stat.SessionID)+".usage.json")
	return os.WriteFile(path, b, 0o644)
}

// audioSeconds converts a linear16 chunk size to seconds.
func audioSeconds(fields map[string]any) float64 {
	if fields == nil {
		return 0
	}
	bytes := intField(fields, "bytes")
	sampleRate := intField(fields, "sample_rate")
	channels := intField(fields, "channels")
	if channels == 0 {
		channels = 1
	}
	if bytes <= 0 || sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return float64(bytes) / float64(sampleRate*channels*2)
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

var _ metrics.Observer = (*UsageObserver)(nil)
