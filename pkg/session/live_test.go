package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/consulta/pkg/analysis"
	"github.com/harunnryd/consulta/pkg/capture"
	"github.com/harunnryd/consulta/pkg/metrics"
	"github.com/harunnryd/consulta/pkg/suggest"
)

// manualSuggester opens a stream per request and leaves ending it to the test.
type manualSuggester struct {
	mu     sync.Mutex
	seq    suggest.StreamID
	active suggest.StreamID
	sinks  map[suggest.StreamID]suggest.Sink
}

func newManualSuggester() *manualSuggester {
	return &manualSuggester{sinks: make(map[suggest.StreamID]suggest.Sink)}
}

func (m *manualSuggester) Request(_ context.Context, _ string, sink suggest.Sink) suggest.StreamID {
	m.mu.Lock()
	m.seq++
	id := m.seq
	m.active = id
	m.sinks[id] = sink
	m.mu.Unlock()
	sink.StreamOpened(id)
	return id
}

func (m *manualSuggester) Cancel(cause error) {
	m.mu.Lock()
	id := m.active
	m.active = 0
	m.mu.Unlock()
	if id != 0 {
		m.end(id, suggest.StateCanceled, cause)
	}
}

func (m *manualSuggester) SetSession(string) {}

func (m *manualSuggester) end(id suggest.StreamID, state suggest.State, cause error) {
	m.mu.Lock()
	sink := m.sinks[id]
	if m.active == id {
		m.active = 0
	}
	m.mu.Unlock()
	sink.StreamEnded(suggest.Outcome{Stream: id, State: state, Cause: cause})
}

func (m *manualSuggester) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.seq)
}

// gatedAnalyzer answers call i with results[i]. Calls with a gate wait for it
// to close and ignore ctx, so their answer can land after the session moved on.
type gatedAnalyzer struct {
	mu      sync.Mutex
	calls   int
	results []analysis.Result
	gates   map[int]chan struct{}
	started chan int
}

func newGatedAnalyzer(results []analysis.Result, gated ...int) *gatedAnalyzer {
	g := &gatedAnalyzer{
		results: results,
		gates:   make(map[int]chan struct{}),
		started: make(chan int, len(results)),
	}
	for _, i := range gated {
		g.gates[i] = make(chan struct{})
	}
	return g
}

func (g *gatedAnalyzer) Analyze(_ context.Context, _ analysis.Request) (analysis.Result, error) {
	g.mu.Lock()
	i := g.calls
	g.calls++
	gate := g.gates[i]
	res := g.results[i]
	g.mu.Unlock()
	g.started <- i
	if gate != nil {
		<-gate
	}
	return res.Clone(), nil
}

func (g *gatedAnalyzer) AnalyzeAudio(context.Context, string, io.Reader) (analysis.Result, error) {
	return analysis.Result{}, nil
}

func (g *gatedAnalyzer) SaveVisit(context.Context, analysis.Visit) (analysis.Receipt, error) {
	return analysis.Receipt{}, nil
}

func (g *gatedAnalyzer) release(i int) { close(g.gates[i]) }

func nextCall(t *testing.T, g *gatedAnalyzer) int {
	t.Helper()
	select {
	case i := <-g.started:
		return i
	case <-time.After(2 * time.Second):
		t.Fatalf("analyzer was not called")
		return -1
	}
}

func waitOutcome(t *testing.T, mem *metrics.MemoryObserver, name, outcome string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, ev := range mem.Named(name) {
			if ev.Tag("outcome") == outcome {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s outcome=%s", name, outcome)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func diagnosis(name string) []analysis.Diagnosis {
	return []analysis.Diagnosis{{Name: name, Probability: 0.6}}
}

const headacheHistory = "The headache is throbbing and worse with light. It started two days ago after a long shift. "

func TestLateStreamEndKeepsNewerStream(t *testing.T) {
	sg := newManualSuggester()
	cfg := testConfig()
	cfg.Scheduler.SuggestSpacing = time.Millisecond
	c, _ := runController(t, cfg, Deps{Suggester: sg})
	ctx := context.Background()

	_, _ = c.Start(ctx)
	_ = c.Increment(ctx, "The patient reports a dull ache in the lower back.", "")
	time.Sleep(5 * time.Millisecond)
	_ = c.Increment(ctx, "It gets worse when sitting for long periods.", "")
	if sg.Requests() != 2 {
		t.Fatalf("expected two stream requests, got %d", sg.Requests())
	}

	sg.end(1, suggest.StateCompleted, nil)
	v, _ := c.Snapshot(ctx)
	if !v.StreamActive || v.Status != StatusAnalyzing {
		t.Fatalf("expected the newer stream to stay active, got %+v", v)
	}

	sg.end(2, suggest.StateCompleted, nil)
	v, _ = c.Snapshot(ctx)
	if v.StreamActive || v.Status != StatusReady {
		t.Fatalf("expected stream cleared and ready, got %+v", v)
	}
}

func TestCaptureEdgeCancelResetsAnalyzingStatus(t *testing.T) {
	sg := newManualSuggester()
	c, _ := runController(t, testConfig(), Deps{Suggester: sg})
	ctx := context.Background()

	_, _ = c.Start(ctx)
	_ = c.Increment(ctx, "The patient reports a dull ache in the lower back.", "")
	v, _ := c.Snapshot(ctx)
	if !v.StreamActive || v.Status != StatusAnalyzing {
		t.Fatalf("expected an open stream, got %+v", v)
	}

	if err := c.CaptureEdge(ctx, false); err != nil {
		t.Fatalf("edge: %v", err)
	}
	v, _ = c.Snapshot(ctx)
	if v.StreamActive || v.Status != StatusIdle {
		t.Fatalf("expected canceled stream to leave idle status, got %+v", v)
	}
}

func TestLateMidAnalysisAfterStopIsDropped(t *testing.T) {
	an := newGatedAnalyzer([]analysis.Result{
		{DifferentialDiagnosis: diagnosis("Sinusitis")},
		{DifferentialDiagnosis: diagnosis("Migraine"), TreatmentPlan: "Rest and fluids"},
	}, 0)
	mem := metrics.NewMemoryObserver()
	cfg := testConfig()
	cfg.AnalyzeDebounce = 10 * time.Millisecond
	c, _ := runController(t, cfg, Deps{Analyzer: an, Observer: mem})
	ctx := context.Background()

	_, _ = c.Start(ctx)
	_ = c.Increment(ctx, headacheHistory, "")
	if i := nextCall(t, an); i != 0 {
		t.Fatalf("expected mid analysis first, got call %d", i)
	}
	waitFor(t, c, "mid analysis in flight", func(v View) bool { return v.AnalyzeInFlight })

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	nextCall(t, an)
	v, _ := c.Snapshot(ctx)
	if v.Phase != PhaseStopped || v.AnalyzeInFlight || v.Result.TreatmentPlan != "Rest and fluids" {
		t.Fatalf("unexpected view after stop %+v", v)
	}

	an.release(0)
	waitOutcome(t, mem, "analysis_mid", "stale")
	v, _ = c.Snapshot(ctx)
	if len(v.Result.DifferentialDiagnosis) != 1 || v.Result.DifferentialDiagnosis[0].Name != "Migraine" {
		t.Fatalf("late mid result overwrote the final one: %+v", v.Result)
	}
}

func TestStaleMidAnalysisLeavesNewSessionAlone(t *testing.T) {
	an := newGatedAnalyzer([]analysis.Result{
		{DifferentialDiagnosis: diagnosis("Sinusitis")},
		{DifferentialDiagnosis: diagnosis("Tension headache")},
		{DifferentialDiagnosis: diagnosis("Migraine")},
	}, 0, 2)
	mem := metrics.NewMemoryObserver()
	cfg := testConfig()
	cfg.AnalyzeDebounce = 10 * time.Millisecond
	c, _ := runController(t, cfg, Deps{Analyzer: an, Observer: mem})
	ctx := context.Background()

	_, _ = c.Start(ctx)
	_ = c.Increment(ctx, headacheHistory, "")
	nextCall(t, an)
	waitFor(t, c, "first mid analysis", func(v View) bool { return v.AnalyzeInFlight })
	_ = c.Stop(ctx)
	nextCall(t, an)

	if _, err := c.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	_ = c.Increment(ctx, headacheHistory, "")
	if i := nextCall(t, an); i != 2 {
		t.Fatalf("expected the new session's mid analysis, got call %d", i)
	}
	waitFor(t, c, "second mid analysis", func(v View) bool { return v.AnalyzeInFlight })

	an.release(0)
	waitOutcome(t, mem, "analysis_mid", "stale")
	v, _ := c.Snapshot(ctx)
	if !v.AnalyzeInFlight || !v.Result.Empty() {
		t.Fatalf("stale result touched the new session: %+v", v)
	}

	an.release(2)
	v = waitFor(t, c, "fresh mid result", func(v View) bool { return len(v.Result.DifferentialDiagnosis) == 1 })
	if v.Result.DifferentialDiagnosis[0].Name != "Migraine" || v.AnalyzeInFlight {
		t.Fatalf("unexpected view %+v", v)
	}
}

// eagerSource delivers a sentence before Start returns.
type eagerSource struct{ text string }

func (s eagerSource) Name() string { return "eager" }
func (s eagerSource) Stop() error { return nil }
func (s eagerSource) Start(_ context.Context, h capture.Handler) error {
	h.OnIncrement(capture.Increment{Final: s.text})
	return nil
}

func TestIncrementDuringCaptureStartIsTracked(t *testing.T) {
	c, _ := runController(t, testConfig(), Deps{Capture: eagerSource{text: "هل عندك حرارة؟"}})
	ctx := context.Background()

	if _, err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	v := waitFor(t, c, "asked question", func(v View) bool { return len(v.Asked) == 1 })
	if !v.Capturing {
		t.Fatalf("expected capturing after start, got %+v", v)
	}
}

func TestReconfigureAppliesSchedulerSpacing(t *testing.T) {
	sg := &scriptedSuggester{}
	cfg := testConfig()
	cfg.Scheduler.SuggestSpacing = time.Millisecond
	c, _ := runController(t, cfg, Deps{Suggester: sg})
	ctx := context.Background()

	_, _ = c.Start(ctx)
	next := cfg
	next.Scheduler.SuggestSpacing = time.Hour
	if err := c.Reconfigure(ctx, next); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	_ = c.Increment(ctx, "The patient reports a dull ache in the lower back.", "")
	time.Sleep(5 * time.Millisecond)
	_ = c.Increment(ctx, "It gets worse when sitting for long periods.", "")
	if n := sg.requests.Load(); n != 1 {
		t.Fatalf("expected the reloaded spacing to hold back the second request, got %d", n)
	}
}
