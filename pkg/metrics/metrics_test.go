package metrics

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestSamplingObserverOnlySamplesNamedEvents(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.25, "scheduler_tick_skipped")
	for i := 0; i < 8; i++ {
		Emit(s, "scheduler_tick_skipped", 1, nil, nil)
		Emit(s, "suggest_stream_start", 1, nil, nil)
	}
	if got := len(mem.Named("scheduler_tick_skipped")); got != 2 {
		t.Fatalf("expected 2 sampled tick events, got %d", got)
	}
	if got := len(mem.Named("suggest_stream_start")); got != 8 {
		t.Fatalf("expected unsampled events to pass, got %d", got)
	}
}

func TestSamplingObserverCountsPerName(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.5)
	Emit(s, "a", 1, nil, nil)
	Emit(s, "b", 1, nil, nil)
	Emit(s, "a", 1, nil, nil)
	Emit(s, "b", 1, nil, nil)
	if len(mem.Named("a")) != 1 || len(mem.Named("b")) != 1 {
		t.Fatalf("expected one of each name, got %v", mem.Snapshot())
	}
}

func TestSamplingObserverZeroRateDropsAll(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0)
	Emit(s, "anything", 1, nil, nil)
	if len(mem.Snapshot()) != 0 {
		t.Fatalf("expected nothing recorded")
	}
}

func TestAsyncObserverCloseDrains(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 64)
	for i := 0; i < 10; i++ {
		Emit(a, "analysis_done", float64(i), nil, nil)
	}
	a.Close()
	if got := len(mem.Snapshot()) + int(a.Dropped()); got != 10 {
		t.Fatalf("expected every event delivered or counted as dropped, got %d", got)
	}
	Emit(a, "after_close", 1, nil, nil)
	if len(mem.Named("after_close")) != 0 {
		t.Fatalf("expected events after close to be ignored")
	}
}

type gateObserver struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	inner   Observer
}

func (g *gateObserver) RecordEvent(ev MetricsEvent) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	g.inner.RecordEvent(ev)
}

func TestAsyncObserverKeepsNamedEventsUnderPressure(t *testing.T) {
	mem := NewMemoryObserver()
	gate := &gateObserver{entered: make(chan struct{}), release: make(chan struct{}), inner: mem}
	a := NewAsyncObserver(gate, 1, "session_stopped")

	Emit(a, "scheduler_tick_skipped", 1, nil, nil)
	<-gate.entered
	Emit(a, "scheduler_tick_skipped", 2, nil, nil)
	Emit(a, "scheduler_tick_skipped", 3, nil, nil)

	sent := make(chan struct{})
	go func() {
		Emit(a, "session_stopped", 1, nil, nil)
		close(sent)
	}()
	select {
	case <-sent:
		t.Fatalf("kept event should wait for room, not drop")
	case <-time.After(20 * time.Millisecond):
	}
	close(gate.release)
	<-sent
	a.Close()

	if len(mem.Named("session_stopped")) != 1 {
		t.Fatalf("expected kept event delivered")
	}
	if a.Dropped() != 1 {
		t.Fatalf("expected one dropped tick, got %d", a.Dropped())
	}
}

func TestJSONLObserverWritesTags(t *testing.T) {
	var buf bytes.Buffer
	o := NewJSONLObserver(&buf)
	Emit(o, "suggest_first_question", 420, map[string]string{"session_id": "s1", "stream_id": "3"}, nil)
	Emit(o, "scheduler_tick_skipped", 1, nil, nil)
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var line map[string]any
	if err := json.Unmarshal(lines[0], &line); err != nil {
		t.Fatalf("invalid json line: %v", err)
	}
	tags, _ := line["tags"].(map[string]any)
	if line["name"] != "suggest_first_question" || line["session_id"] != "s1" || tags["stream_id"] != "3" {
		t.Fatalf("unexpected line %v", line)
	}
	if _, ok := tags["session_id"]; ok {
		t.Fatalf("session_id should not repeat inside tags")
	}
}

func TestEventSessionID(t *testing.T) {
	ev := MetricsEvent{Tags: map[string]string{"session_id": "abc"}}
	if ev.SessionID() != "abc" || (MetricsEvent{}).Tag("x") != "" {
		t.Fatalf("unexpected tag lookup")
	}
}
