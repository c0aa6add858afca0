package deepgram

import (
	"context"
	"errors"
	"testing"

	"github.com/harunnryd/consulta/pkg/capture"
	"github.com/harunnryd/consulta/pkg/errorsx"
)

type recorder struct {
	incs  []capture.Increment
	edges []bool
}

func (r *recorder) OnIncrement(inc capture.Increment) { r.incs = append(r.incs, inc) }
func (r *recorder) OnEdge(active bool) { r.edges = append(r.edges, active) }

func TestStartWithoutKeyIsUnavailable(t *testing.T) {
	src := New(Config{})
	err := src.Start(context.Background(), &recorder{})
	if !errors.Is(err, capture.ErrUnavailable) || !errorsx.HasReason(err, errorsx.ReasonCaptureUnavailable) {
		t.Fatalf("expected capture unavailable, got %v", err)
	}
}

func TestSendAudioBeforeStart(t *testing.T) {
	src := New(Config{APIKey: "k"})
	if err := src.SendAudio([]byte{1, 2}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected not started, got %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
}

func TestIncrementMapping(t *testing.T) {
	if _, ok := increment("   ", true); ok {
		t.Fatalf("expected blank transcript to be dropped")
	}
	inc, ok := increment(" how long has it hurt ", false)
	if !ok || inc.Interim != "how long has it hurt" || inc.Final != "" {
		t.Fatalf("unexpected interim increment %+v", inc)
	}
	inc, _ = increment("since Monday.", true)
	if inc.Final != "since Monday." || inc.Interim != "" {
		t.Fatalf("unexpected final increment %+v", inc)
	}
}

func TestDeliverOnlyWhileStarted(t *testing.T) {
	src := New(Config{APIKey: "k"})
	rec := &recorder{}
	src.deliver("dropped", true)

	src.mu.Lock()
	src.handler = rec
	src.mu.Unlock()
	src.deliver("hello", true)
	src.lost()
	if len(rec.incs) != 1 || rec.incs[0].Final != "hello" {
		t.Fatalf("unexpected increments %+v", rec.incs)
	}
	if len(rec.edges) != 1 || rec.edges[0] {
		t.Fatalf("expected one inactive edge, got %v", rec.edges)
	}
}
