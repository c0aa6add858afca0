package metrics

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLObserver appends one JSON object per event to w. The session id is
// lifted out of the tags so files can be grepped per consultation.
type JSONLObserver struct {
	mu  sync.Mutex
	enc *json.Encoder
}

type jsonlLine struct {
	Time      time.Time         `json:"time"`
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	SessionID string            `json:"session_id,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{enc: json.NewEncoder(w)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	line := jsonlLine{
		Time:      ev.Time.UTC(),
		Name:      ev.Name,
		Value:     ev.Value,
		SessionID: ev.SessionID(),
		Fields:    ev.Fields,
	}
	for k, v := range ev.Tags {
		if k == "session_id" {
			continue
		}
		if line.Tags == nil {
			line.Tags = make(map[string]string, len(ev.Tags))
		}
		line.Tags[k] = v
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_ = o.enc.Encode(line)
}
