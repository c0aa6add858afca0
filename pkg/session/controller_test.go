package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/consulta/pkg/analysis"
	"github.com/harunnryd/consulta/pkg/capture"
	"github.com/harunnryd/consulta/pkg/errorsx"
	"github.com/harunnryd/consulta/pkg/events"
	"github.com/harunnryd/consulta/pkg/suggest"
)

type fakeAnalyzer struct {
	mu       sync.Mutex
	requests []analysis.Request
	result   analysis.Result
	err      error
	audio    int
	visits   []analysis.Visit
}

func (f *fakeAnalyzer) Analyze(_ context.Context, req analysis.Request) (analysis.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.result.Clone(), f.err
}

func (f *fakeAnalyzer) AnalyzeAudio(_ context.Context, _ string, audio io.Reader) (analysis.Result, error) {
	_, _ = io.Copy(io.Discard, audio)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio++
	return f.result.Clone(), f.err
}

func (f *fakeAnalyzer) SaveVisit(_ context.Context, visit analysis.Visit) (analysis.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visits = append(f.visits, visit)
	return analysis.Receipt{OK: true, File: "visits/" + visit.SessionID + ".json"}, nil
}

func (f *fakeAnalyzer) Requests() []analysis.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]analysis.Request(nil), f.requests...)
}

// scriptedSuggester answers every request with the same questions and then
// completes the stream.
type scriptedSuggester struct {
	questions []string
	seq       atomic.Uint64
	requests  atomic.Int32
}

func (s *scriptedSuggester) Request(_ context.Context, _ string, sink suggest.Sink) suggest.StreamID {
	s.requests.Add(1)
	id := suggest.StreamID(s.seq.Add(1))
	sink.StreamOpened(id)
	for _, q := range s.questions {
		sink.QuestionReceived(id, q)
	}
	sink.StreamEnded(suggest.Outcome{Stream: id, State: suggest.StateCompleted, Questions: len(s.questions)})
	return id
}

func (s *scriptedSuggester) Cancel(error) {}
func (s *scriptedSuggester) SetSession(string) {}

type eventLog struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (l *eventLog) Publish(env events.Envelope) {
	l.mu.Lock()
	l.envs = append(l.envs, env)
	l.mu.Unlock()
}

func (l *eventLog) Of(typ events.Type) []events.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Envelope
	for _, env := range l.envs {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type failingSource struct{ err error }

func (f failingSource) Name() string { return "failing" }
func (f failingSource) Start(context.Context, capture.Handler) error { return f.err }
func (f failingSource) Stop() error { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour
	cfg.AnalyzeDebounce = time.Hour
	cfg.FinalGrace = 0
	return cfg
}

func runController(t *testing.T, cfg Config, deps Deps) (*Controller, *eventLog) {
	t.Helper()
	log := &eventLog{}
	deps.Events = log
	c := New(cfg, deps)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return c, log
}

func waitFor(t *testing.T, c *Controller, what string, cond func(View) bool) View {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		v, err := c.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last view %+v", what, v)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopSkipsFinalAnalysisForShortTranscript(t *testing.T) {
	an := &fakeAnalyzer{}
	c, log := runController(t, testConfig(), Deps{Analyzer: an})
	ctx := context.Background()

	if _, err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Increment(ctx, "0123456789", ""); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n := len(an.Requests()); n != 0 {
		t.Fatalf("expected no analysis call, got %d", n)
	}
	v, _ := c.Snapshot(ctx)
	if v.Phase != PhaseStopped {
		t.Fatalf("expected stopped, got %s", v.Phase)
	}
	stopped := log.Of(events.TypeSessionStopped)
	if len(stopped) != 1 || stopped[0].Data.(events.SessionStopped).Finalized {
		t.Fatalf("expected one unfinalized stop event, got %+v", stopped)
	}
}

func TestStopRunsFinalAnalysisOnce(t *testing.T) {
	an := &fakeAnalyzer{result: analysis.Result{
		DifferentialDiagnosis: []analysis.Diagnosis{{Name: "Tension headache", Probability: 0.6}},
		TreatmentPlan:         "Hydration and rest",
		Prescription:          []string{"Paracetamol 500mg"},
	}}
	c, log := runController(t, testConfig(), Deps{Analyzer: an})
	ctx := context.Background()

	if _, err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	text := "The patient reports a dull headache since Monday"
	if err := c.Increment(ctx, text, "and some nausea"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.Stop(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected second stop to be rejected, got %v", err)
	}

	reqs := an.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected exactly one final analysis, got %d", len(reqs))
	}
	if reqs[0].Text() != text {
		t.Fatalf("expected final text without interim, got %q", reqs[0].Text())
	}
	v, _ := c.Snapshot(ctx)
	if v.Status != StatusReady || v.Result.TreatmentPlan != "Hydration and rest" || v.Result.Transcript != text {
		t.Fatalf("unexpected final view %+v", v)
	}
	if v.Interim != "" {
		t.Fatalf("expected interim cleared, got %q", v.Interim)
	}
	updates := log.Of(events.TypeAnalysisUpdated)
	if len(updates) != 1 || updates[0].Data.(events.AnalysisUpdated).Mode != "final" {
		t.Fatalf("expected one final update, got %+v", updates)
	}
}

func TestFinalAnalysisFailureLeavesIdleStatus(t *testing.T) {
	an := &fakeAnalyzer{err: errorsx.Wrap(errors.New("boom"), errorsx.ReasonAnalyzeRequest)}
	c, log := runController(t, testConfig(), Deps{Analyzer: an})
	ctx := context.Background()

	_, _ = c.Start(ctx)
	_ = c.Increment(ctx, "Patient has had a cough for two weeks now.", "")
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	v, _ := c.Snapshot(ctx)
	if v.Status != StatusIdle || v.Phase != PhaseStopped {
		t.Fatalf("unexpected view %+v", v)
	}
	notices := log.Of(events.TypeNotice)
	if len(notices) == 0 {
		t.Fatalf("expected a notice")
	}
	n := notices[len(notices)-1].Data.(events.Notice)
	if n.Level != events.LevelError || n.Reason != string(errorsx.ReasonAnalyzeRequest) {
		t.Fatalf("unexpected notice %+v", n)
	}
}

func TestMidAnalysisMergesDiagnosisAndNotes(t *testing.T) {
	an := &fakeAnalyzer{result: analysis.Result{
		DifferentialDiagnosis: []analysis.Diagnosis{{Name: "Migraine", Probability: 0.7}},
		SOAPNotes:             &analysis.SOAPNotes{Assessment: "Likely migraine"},
		TreatmentPlan:         "should not be shown yet",
	}}
	cfg := testConfig()
	cfg.AnalyzeDebounce = 10 * time.Millisecond
	c, log := runController(t, cfg, Deps{Analyzer: an})
	ctx := context.Background()

	_, _ = c.Start(ctx)
	text := strings.Repeat("The headache is throbbing and worse with light. ", 3)
	if err := c.Increment(ctx, text, ""); err != nil {
		t.Fatalf("increment: %v", err)
	}
	v := waitFor(t, c, "mid analysis", func(v View) bool { return len(v.Result.DifferentialDiagnosis) == 1 })
	if v.Result.SOAPNotes == nil || v.Result.SOAPNotes.Assessment != "Likely migraine" {
		t.Fatalf("expected SOAP notes merged, got %+v", v.Result.SOAPNotes)
	}
	if v.Result.TreatmentPlan != "" {
		t.Fatalf("expected treatment plan untouched by mid merge, got %q", v.Result.TreatmentPlan)
	}
	if v.Phase != PhaseLive || v.Status != StatusReady {
		t.Fatalf("unexpected view %+v", v)
	}
	if updates := log.Of(events.TypeAnalysisUpdated); updates[0].Data.(events.AnalysisUpdated).Mode != "mid" {
		t.Fatalf("expected mid update, got %+v", updates)
	}
}

func TestDoctorQuestionRetractsSuggestion(t *testing.T) {
	sg := &scriptedSuggester{questions: []string{"هل عندك حرارة؟"}}
	c, log := runController(t, testConfig(), Deps{Suggester: sg})
	ctx := context.Background()

	_, _ = c.Start(ctx)
	if err := c.Increment(ctx, "المريض بيشتكي من صداع من يومين.", ""); err != nil {
		t.Fatalf("increment: %v", err)
	}
	v := waitFor(t, c, "suggestion", func(v View) bool { return len(v.Suggestions) == 1 })
	if v.Status != StatusReady {
		t.Fatalf("expected ready after stream completion, got %s", v.Status)
	}

	if err := c.Increment(ctx, "هل عندك حرارة؟", ""); err != nil {
		t.Fatalf("increment: %v", err)
	}
	v, _ = c.Snapshot(ctx)
	if len(v.Suggestions) != 0 {
		t.Fatalf("expected suggestion retracted, got %v", v.Suggestions)
	}
	if len(v.Asked) != 1 {
		t.Fatalf("expected one asked question, got %v", v.Asked)
	}
	asked := log.Of(events.TypeQuestionAsked)
	if len(asked) != 1 || len(asked[0].Data.(events.QuestionAsked).Retracted) != 1 {
		t.Fatalf("unexpected question events %+v", asked)
	}
	if sg.requests.Load() != 1 {
		t.Fatalf("expected spacing to hold back a second request, got %d", sg.requests.Load())
	}
}

func TestWatchdogClearsStreamAndAllowsNextRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := suggest.NewClient(suggest.Config{BaseURL: srv.URL, Watchdog: 50 * time.Millisecond})
	cfg := testConfig()
	cfg.Scheduler.SuggestSpacing = 10 * time.Millisecond
	c, _ := runController(t, cfg, Deps{Suggester: client})
	ctx := context.Background()

	_, _ = c.Start(ctx)
	_ = c.Increment(ctx, "The patient describes chest tightness at rest.", "")
	waitFor(t, c, "stream start", func(v View) bool { return v.StreamActive })
	v := waitFor(t, c, "watchdog", func(v View) bool { return !v.StreamActive })
	if v.Status == StatusAnalyzing {
		t.Fatalf("expected watchdog to leave analyzing status, got %s", v.Status)
	}

	time.Sleep(20 * time.Millisecond)
	_ = c.Increment(ctx, "It started after climbing the stairs this morning.", "")
	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a new request after the watchdog, got %d", hits.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = c.Stop(ctx)
	client.Wait()
}

func TestStartReportsUnavailableCapture(t *testing.T) {
	c, log := runController(t, testConfig(), Deps{Capture: failingSource{err: capture.ErrUnavailable}})
	ctx := context.Background()

	_, err := c.Start(ctx)
	if !errorsx.HasReason(err, errorsx.ReasonCaptureUnavailable) {
		t.Fatalf("expected capture unavailable, got %v", err)
	}
	v, _ := c.Snapshot(ctx)
	if v.Phase != PhaseIdle {
		t.Fatalf("expected idle phase, got %s", v.Phase)
	}
	notices := log.Of(events.TypeNotice)
	if len(notices) != 1 || notices[0].Data.(events.Notice).Level != events.LevelError {
		t.Fatalf("expected one error notice, got %+v", notices)
	}
	if err := c.Stop(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected stop to be rejected, got %v", err)
	}
}

func TestStartTwiceRejected(t *testing.T) {
	c, _ := runController(t, testConfig(), Deps{})
	ctx := context.Background()
	if _, err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected already running, got %v", err)
	}
}

func TestPushSourceFeedsSession(t *testing.T) {
	push := capture.NewPushSource("browser")
	c, _ := runController(t, testConfig(), Deps{Capture: push})
	ctx := context.Background()

	_, _ = c.Start(ctx)
	if !push.Push(capture.Increment{Final: "hello there", Interim: "how"}) {
		t.Fatalf("expected an active handler")
	}
	v := waitFor(t, c, "increment", func(v View) bool { return v.Final == "hello there" })
	if !v.Capturing || v.Interim != "how" {
		t.Fatalf("unexpected view %+v", v)
	}
	_ = c.Stop(ctx)
	if push.Active() {
		t.Fatalf("expected capture stopped")
	}
}

func TestAnalyzeAudioSeedsSuggestions(t *testing.T) {
	an := &fakeAnalyzer{result: analysis.Result{
		Transcript:         "recorded visit",
		SuggestedQuestions: []string{"Do you smoke?", "Any fever at night?", "Any weight loss?", "Any allergies?"},
		TreatmentPlan:      "Review in a week",
	}}
	c, log := runController(t, testConfig(), Deps{Analyzer: an})
	ctx := context.Background()

	res, err := c.AnalyzeAudio(ctx, "visit.webm", strings.NewReader("audio"))
	if err != nil {
		t.Fatalf("analyze audio: %v", err)
	}
	if res.TreatmentPlan != "Review in a week" {
		t.Fatalf("unexpected result %+v", res)
	}
	v, _ := c.Snapshot(ctx)
	if len(v.Suggestions) != 3 || v.Suggestions[0] != "Do you smoke?" {
		t.Fatalf("expected first three suggestions, got %v", v.Suggestions)
	}
	if v.Status != StatusReady || v.Result.Transcript != "recorded visit" {
		t.Fatalf("unexpected view %+v", v)
	}
	if updates := log.Of(events.TypeAnalysisUpdated); len(updates) != 1 || updates[0].Data.(events.AnalysisUpdated).Mode != "audio" {
		t.Fatalf("expected audio update, got %+v", updates)
	}

	_, _ = c.Start(ctx)
	if _, err := c.AnalyzeAudio(ctx, "visit.webm", strings.NewReader("audio")); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected audio analysis rejected while live, got %v", err)
	}
}

func TestSaveSendsResultAndAskedQuestions(t *testing.T) {
	an := &fakeAnalyzer{result: analysis.Result{TreatmentPlan: "Rest"}}
	c, log := runController(t, testConfig(), Deps{Analyzer: an})
	ctx := context.Background()

	if _, err := c.Save(ctx); !errors.Is(err, ErrNothingToSave) {
		t.Fatalf("expected nothing to save, got %v", err)
	}

	id, _ := c.Start(ctx)
	_ = c.Increment(ctx, "هل عندك حرارة؟", "")
	_ = c.Increment(ctx, "The patient has had a fever for three days.", "")
	_ = c.Stop(ctx)

	receipt, err := c.Save(ctx)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if receipt.File != "visits/"+id+".json" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	an.mu.Lock()
	visit := an.visits[0]
	an.mu.Unlock()
	if visit.SessionID != id || len(visit.AskedQuestions) != 1 || visit.TreatmentPlan != "Rest" {
		t.Fatalf("unexpected visit %+v", visit)
	}
	if saved := log.Of(events.TypeVisitSaved); len(saved) != 1 {
		t.Fatalf("expected visit saved event, got %+v", saved)
	}
}
