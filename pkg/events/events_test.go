package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/consulta/pkg/metrics"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(nil, 16)
	var (
		mu  sync.Mutex
		got []Type
	)
	unsubscribe := bus.Subscribe("test", func(env Envelope) {
		mu.Lock()
		got = append(got, env.Type)
		mu.Unlock()
	})
	bus.Publish(New("s1", TypeSessionStarted, nil))
	bus.Publish(New("s1", TypeQuestionAsked, QuestionAsked{Question: "هل عندك حراره"}))
	bus.Publish(New("s1", TypeSessionStopped, nil))
	unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	want := []Type{TypeSessionStarted, TypeQuestionAsked, TypeSessionStopped}
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order %v", got)
		}
	}
}

func TestBusDropsWhenSubscriberIsSlow(t *testing.T) {
	bus := NewBus(nil, 1)
	release := make(chan struct{})
	received := make(chan struct{}, 8)
	bus.Subscribe("slow", func(Envelope) {
		<-release
		received <- struct{}{}
	})
	for i := 0; i < 5; i++ {
		bus.Publish(New("s1", TypeTranscriptChanged, nil))
	}
	close(release)
	bus.Close()
	if n := len(received); n >= 5 || n == 0 {
		t.Fatalf("expected some events dropped, received %d", n)
	}
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	bus := NewBus(nil, 4)
	bus.Close()
	bus.Publish(New("s1", TypeNotice, Notice{Level: LevelInfo, Message: "x"}))
	unsubscribe := bus.Subscribe("late", func(Envelope) {
		t.Errorf("closed bus delivered an event")
	})
	unsubscribe()
}

func TestEnvelopeJSON(t *testing.T) {
	env := New("s1", TypeNotice, Notice{Level: LevelError, Message: "Final analysis failed"})
	if env.ID == "" || env.Time.IsZero() {
		t.Fatalf("expected id and time")
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data, _ := decoded["data"].(map[string]any)
	if decoded["type"] != "notice" || data["message"] != "Final analysis failed" {
		t.Fatalf("unexpected envelope %s", b)
	}
}

func TestKafkaSinkLogOnlyMode(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	sink := NewKafkaSink(KafkaConfig{Enabled: true, Topic: "consulta.sessions"}, nil, obs)
	if sink.Enabled() {
		t.Fatalf("sink without brokers must be disabled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sink.Write(ctx, New("s1", TypeVisitSaved, VisitSaved{File: "f.json"})); err != nil {
		t.Fatalf("log-only write: %v", err)
	}
	events := obs.Named("event_published")
	if len(events) != 1 || events[0].Tag("status") != "log_only" || events[0].SessionID() != "s1" {
		t.Fatalf("unexpected metrics %+v", events)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
