package session

import (
	"context"
	"errors"
	"time"

	"github.com/harunnryd/consulta/pkg/analysis"
	"github.com/harunnryd/consulta/pkg/capture"
	"github.com/harunnryd/consulta/pkg/errorsx"
	"github.com/harunnryd/consulta/pkg/events"
	"github.com/harunnryd/consulta/pkg/questions"
	"github.com/harunnryd/consulta/pkg/scheduler"
	"github.com/harunnryd/consulta/pkg/suggest"
)

// captureHandler forwards capture callbacks of one session generation.
type captureHandler struct {
	c   *Controller
	gen uint64
}

func (h captureHandler) OnIncrement(inc capture.Increment) {
	h.c.enqueue(func() { h.c.applyIncrement(h.gen, inc) })
}

func (h captureHandler) OnEdge(active bool) {
	h.c.enqueue(func() { h.c.applyEdge(h.gen, active) })
}

// Increment applies a capture increment to the running session. It is the
// entry point for producers that do not go through a capture.Source.
func (c *Controller) Increment(ctx context.Context, final, interim string) error {
	return c.call(ctx, func() error {
		if c.state.Phase != PhaseLive && c.state.Phase != PhaseFinalizing {
			return ErrNotRunning
		}
		c.applyIncrement(c.gen, capture.Increment{Final: final, Interim: interim})
		return nil
	})
}

// CaptureEdge reports the capture becoming active or inactive.
func (c *Controller) CaptureEdge(ctx context.Context, active bool) error {
	return c.call(ctx, func() error {
		c.applyEdge(c.gen, active)
		return nil
	})
}

func (c *Controller) applyEdge(gen uint64, active bool) {
	if gen != c.gen || c.state.Phase != PhaseLive {
		return
	}
	if c.state.Capturing == active {
		return
	}
	c.state.Capturing = active
	c.logger.Info("capture_edge", "session_id", c.state.ID, "active", active)
	if !active {
		if c.debounce != nil {
			c.debounce.Stop()
		}
		if c.suggest != nil {
			c.suggest.Cancel(suggest.ErrStopped)
		}
	}
}

func (c *Controller) applyIncrement(gen uint64, inc capture.Increment) {
	if gen != c.gen {
		return
	}
	s := c.state
	if s.Phase != PhaseLive && s.Phase != PhaseFinalizing {
		return
	}
	if !s.Buffer.Append(inc.Final, inc.Interim) {
		return
	}
	c.publish(events.TypeTranscriptChanged, events.TranscriptChanged{Final: s.Buffer.Final(), Interim: s.Buffer.Interim()})
	if s.Phase != PhaseLive || !s.Capturing {
		return
	}
	c.trackQuestion()
	c.suggestTick()
	c.armDebounce()
}

func (c *Controller) trackQuestion() {
	s := c.state
	sentence, ok := s.Buffer.LatestSentence()
	if !ok {
		return
	}
	captured, ok := s.Tracker.Observe(sentence)
	if !ok {
		return
	}
	c.logger.Debug("question_asked", "session_id", s.ID, "retracted", len(captured.Retracted))
	c.record("question_asked", 1, nil)
	c.publish(events.TypeQuestionAsked, events.QuestionAsked{Question: captured.Question, Retracted: captured.Retracted})
	if len(captured.Retracted) > 0 {
		c.publishSuggestions()
	}
}

func (c *Controller) onTick() {
	if c.state.Phase != PhaseLive || !c.state.Capturing {
		return
	}
	c.suggestTick()
}

func (c *Controller) suggestTick() {
	if c.suggest == nil {
		return
	}
	s := c.state
	d, clock := c.sched.PlanSuggest(s.input(), s.Clock, c.now())
	s.Clock = clock
	if d.Action != scheduler.ActionSuggest {
		c.record("scheduler_tick_skipped", 1, map[string]string{"kind": "suggest", "reason": d.Reason})
		return
	}
	sink := &streamSink{c: c, gen: c.gen}
	s.ActiveStream = c.suggest.Request(c.runCtx, d.Text, sink)
	c.record("suggest_requested", 1, nil)
}

// streamSink posts suggestion stream callbacks back to the loop.
type streamSink struct {
	c   *Controller
	gen uint64
}

func (k *streamSink) StreamOpened(id suggest.StreamID) {
	k.c.enqueue(func() {
		if k.gen != k.c.gen || k.c.state.ActiveStream != id || k.c.state.Phase != PhaseLive {
			return
		}
		k.c.setStatus(StatusAnalyzing)
	})
}

func (k *streamSink) QuestionReceived(id suggest.StreamID, q string) {
	k.c.enqueue(func() { k.c.offerSuggestion(k.gen, id, q) })
}

func (k *streamSink) StreamEnded(outcome suggest.Outcome) {
	k.c.enqueue(func() { k.c.endStream(k.gen, outcome) })
}

func (c *Controller) offerSuggestion(gen uint64, id suggest.StreamID, q string) {
	s := c.state
	if gen != c.gen || s.Phase != PhaseLive {
		return
	}
	verdict, evicted := s.Suggestions.Offer(q, s.Asked)
	c.record("suggestion_offered", 1, map[string]string{"verdict": verdict.String()})
	c.publish(events.TypeSuggestionArrived, events.SuggestionArrived{
		StreamID: id.String(),
		Question: q,
		Verdict:  verdict.String(),
		Evicted:  evicted,
	})
	if verdict != questions.Accepted {
		return
	}
	s.Clock = scheduler.MarkSuggestionDelivered(s.Clock, c.now())
	c.publishSuggestions()
	if id == s.ActiveStream {
		c.setStatus(StatusReady)
	}
}

func (c *Controller) endStream(gen uint64, outcome suggest.Outcome) {
	s := c.state
	if gen != c.gen || s.ActiveStream != outcome.Stream {
		return
	}
	s.ActiveStream = 0
	if s.Phase != PhaseLive {
		return
	}
	switch outcome.State {
	case suggest.StateCompleted:
		if s.Status == StatusAnalyzing {
			c.setStatus(StatusReady)
		}
	case suggest.StateFailed:
		c.logger.Warn("suggest_stream_failed", "session_id", s.ID, "stream_id", outcome.Stream, "reason", reasonOf(outcome.Err), "error", outcome.Err)
		c.setStatus(StatusIdle)
	case suggest.StateCanceled:
		if errors.Is(outcome.Cause, suggest.ErrWatchdog) {
			c.logger.Debug("suggest_stream_watchdog", "session_id", s.ID, "stream_id", outcome.Stream)
		}
		if s.Status == StatusAnalyzing {
			c.setStatus(StatusIdle)
		}
	}
}

func (c *Controller) armDebounce() {
	if c.analyzer == nil {
		return
	}
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounceGen++
	gen, dgen := c.gen, c.debounceGen
	c.debounce = time.AfterFunc(c.cfg.AnalyzeDebounce, func() {
		c.enqueue(func() {
			if gen == c.gen && dgen == c.debounceGen {
				c.midAnalyze()
			}
		})
	})
}

func (c *Controller) midAnalyze() {
	s := c.state
	if s.Phase != PhaseLive || !s.Capturing {
		return
	}
	d, clock := c.sched.PlanAnalyze(s.input(), s.Clock, c.now())
	s.Clock = clock
	if d.Action != scheduler.ActionAnalyze {
		c.record("scheduler_tick_skipped", 1, map[string]string{"kind": "analyze", "reason": d.Reason})
		return
	}
	c.reqSeq++
	id := c.reqSeq
	gen := c.gen
	ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.AnalyzeTimeout)
	s.AnalyzeInFlight = id
	s.analyzeCancel = cancel
	start := c.now()
	req := analysis.RequestFor(d.Text)
	go func() {
		defer cancel()
		res, err := c.analyzer.Analyze(ctx, req)
		c.enqueue(func() { c.applyMid(gen, id, start, res, err) })
	}()
}

// applyMid drops results whose request is no longer the one in flight: the
// session was stopped or restarted since it was sent.
func (c *Controller) applyMid(gen, id uint64, start time.Time, res analysis.Result, err error) {
	s := c.state
	elapsed := float64(c.now().Sub(start).Milliseconds())
	if gen != c.gen || s.AnalyzeInFlight != id {
		c.record("analysis_mid", elapsed, map[string]string{"outcome": "stale"})
		return
	}
	s.AnalyzeInFlight = 0
	s.analyzeCancel = nil
	if err != nil {
		if isCancellation(err) {
			c.record("analysis_mid", elapsed, map[string]string{"outcome": "canceled"})
			return
		}
		c.record("analysis_mid", elapsed, map[string]string{"outcome": "failed", "reason": string(reasonOf(err))})
		c.logger.Warn("mid_analysis_failed", "session_id", s.ID, "reason", reasonOf(err), "error", err)
		return
	}
	c.record("analysis_mid", elapsed, map[string]string{"outcome": "ok"})
	if s.Phase != PhaseLive {
		return
	}
	s.Result = analysis.MergePartial(s.Result, res, s.Buffer.Combined())
	c.setStatus(StatusReady)
	c.publish(events.TypeAnalysisUpdated, events.AnalysisUpdated{Mode: "mid", Result: s.Result.Clone()})
}

func reasonOf(err error) errorsx.ReasonCode {
	if err == nil {
		return errorsx.ReasonUnknown
	}
	if isCancellation(err) {
		return errorsx.ReasonCancellation
	}
	if reason := errorsx.Reason(err); reason != errorsx.ReasonUnknown {
		return reason
	}
	return errorsx.ReasonTransportFailure
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errorsx.HasReason(err, errorsx.ReasonCancellation)
}
