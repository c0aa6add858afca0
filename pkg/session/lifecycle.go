package session

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harunnryd/consulta/pkg/analysis"
	"github.com/harunnryd/consulta/pkg/capture"
	"github.com/harunnryd/consulta/pkg/errorsx"
	"github.com/harunnryd/consulta/pkg/events"
	"github.com/harunnryd/consulta/pkg/suggest"
	"github.com/harunnryd/consulta/pkg/transcript"
)

// Start opens a new session and starts capture. The previous session's
// transcript, questions and result are discarded.
func (c *Controller) Start(ctx context.Context) (string, error) {
	var (
		id     string
		gen    uint64
		runCtx context.Context
	)
	err := c.call(ctx, func() error {
		if p := c.state.Phase; p == PhaseLive || p == PhaseFinalizing {
			return ErrAlreadyRunning
		}
		c.gen++
		gen = c.gen
		runCtx = c.runCtx
		c.state = newState(c.cfg.Capacity, c.matcher, c.classifier)
		c.state.Phase = PhaseLive
		c.state.Capturing = true
		c.state.StartedAt = c.now()
		id = c.state.ID
		if c.suggest != nil {
			c.suggest.SetSession(id)
		}
		if aware, ok := c.capture.(capture.SessionAware); ok {
			aware.SetSession(id)
		}
		c.logger.Info("session_started", "session_id", id, "capture", c.capture.Name())
		c.record("session_started", 1, nil)
		c.publish(events.TypeSessionStarted, events.SessionStarted{Capture: c.capture.Name()})
		return nil
	})
	if err != nil {
		return "", err
	}

	if err := c.capture.Start(runCtx, captureHandler{c: c, gen: gen}); err != nil {
		_ = c.call(context.WithoutCancel(ctx), func() error {
			if c.gen != gen {
				return nil
			}
			c.state.Phase = PhaseIdle
			c.state.Capturing = false
			c.logger.Warn("capture_start_failed", "session_id", id, "reason", reasonOf(err), "error", err)
			msg := "Speech capture failed to start"
			if errorsx.HasReason(err, errorsx.ReasonCaptureUnavailable) {
				msg = "Microphone unavailable or permission denied"
			}
			c.notice(events.LevelError, msg, err)
			return nil
		})
		return "", errorsx.Wrap(err, errorsx.ReasonCaptureUnavailable)
	}
	return id, nil
}

// Stop ends capture, waits briefly for trailing increments and runs the final
// analysis once. It returns after the session reached PhaseStopped.
func (c *Controller) Stop(ctx context.Context) error {
	var (
		gen     uint64
		grace   time.Duration
		timeout time.Duration
	)
	err := c.call(ctx, func() error {
		s := c.state
		if s.Phase != PhaseLive {
			return ErrNotRunning
		}
		gen = c.gen
		grace, timeout = c.cfg.FinalGrace, c.cfg.AnalyzeTimeout
		s.Phase = PhaseFinalizing
		s.Capturing = false
		if c.debounce != nil {
			c.debounce.Stop()
		}
		c.debounceGen++
		s.cancelAnalyze()
		s.AnalyzeInFlight = 0
		if c.suggest != nil {
			c.suggest.Cancel(suggest.ErrStopped)
		}
		s.ActiveStream = 0
		c.logger.Info("session_finalizing", "session_id", s.ID)
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.capture.Stop(); err != nil {
		c.logger.Warn("capture_stop_failed", "error", err)
	}
	if grace > 0 {
		t := time.NewTimer(grace)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	fctx := context.WithoutCancel(ctx)
	var payload string
	err = c.call(fctx, func() error {
		if c.gen != gen {
			return ErrNotRunning
		}
		s := c.state
		s.Buffer.ClearInterim()
		text := strings.TrimSpace(s.Buffer.Final())
		if c.analyzer == nil || utf8.RuneCountInString(text) < c.cfg.MinFinalChars {
			c.record("scheduler_tick_skipped", 1, map[string]string{"kind": "final", "reason": "too_short"})
			c.finish(false)
			return nil
		}
		payload = transcript.Tail(text, c.cfg.FinalTailChars)
		c.setStatus(StatusAnalyzing)
		return nil
	})
	if err != nil || payload == "" {
		return err
	}

	start := time.Now()
	actx, cancel := context.WithTimeout(fctx, timeout)
	res, aerr := c.analyzer.Analyze(actx, analysis.RequestFor(payload))
	cancel()
	elapsed := float64(time.Since(start).Milliseconds())

	return c.call(fctx, func() error {
		if c.gen != gen {
			return nil
		}
		s := c.state
		if aerr != nil {
			c.record("analysis_final", elapsed, map[string]string{"outcome": "failed", "reason": string(reasonOf(aerr))})
			c.logger.Error("final_analysis_failed", "session_id", s.ID, "reason", reasonOf(aerr), "error", aerr)
			c.setStatus(StatusIdle)
			c.notice(events.LevelError, "Final analysis failed", aerr)
			c.finish(false)
			return nil
		}
		c.record("analysis_final", elapsed, map[string]string{"outcome": "ok"})
		s.Result = analysis.MergeFull(s.Result, res, s.Buffer.Final())
		c.setStatus(StatusReady)
		c.publish(events.TypeAnalysisUpdated, events.AnalysisUpdated{Mode: "final", Result: s.Result.Clone()})
		c.notice(events.LevelInfo, "AI analysis complete", nil)
		c.finish(true)
		return nil
	})
}

func (c *Controller) finish(finalized bool) {
	s := c.state
	s.Phase = PhaseStopped
	dur := c.now().Sub(s.StartedAt)
	c.logger.Info("session_stopped", "session_id", s.ID, "finalized", finalized, "duration_ms", dur.Milliseconds())
	c.record("session_stopped", float64(dur.Milliseconds()), map[string]string{"finalized": strconv.FormatBool(finalized)})
	c.publish(events.TypeSessionStopped, events.SessionStopped{Finalized: finalized, DurationMS: dur.Milliseconds()})
}

// Save persists the current result together with the asked questions.
func (c *Controller) Save(ctx context.Context) (analysis.Receipt, error) {
	if c.analyzer == nil {
		return analysis.Receipt{}, ErrNoAnalyzer
	}
	var visit analysis.Visit
	err := c.call(ctx, func() error {
		s := c.state
		if s.Result.Empty() && strings.TrimSpace(s.Buffer.Final()) == "" {
			return ErrNothingToSave
		}
		visit = analysis.Visit{
			Result:         s.Result.Clone(),
			SessionID:      s.ID,
			AskedQuestions: s.Asked.Items(),
		}
		if visit.Transcript == "" {
			visit.Transcript = s.Buffer.Final()
		}
		return nil
	})
	if err != nil {
		return analysis.Receipt{}, err
	}

	receipt, serr := c.analyzer.SaveVisit(ctx, visit)
	_ = c.call(context.WithoutCancel(ctx), func() error {
		if c.state.ID != visit.SessionID {
			return nil
		}
		if serr != nil {
			c.logger.Error("visit_save_failed", "session_id", visit.SessionID, "reason", reasonOf(serr), "error", serr)
			c.notice(events.LevelError, "Save failed", serr)
			return nil
		}
		c.logger.Info("visit_saved", "session_id", visit.SessionID, "file", receipt.File)
		c.publish(events.TypeVisitSaved, events.VisitSaved{File: receipt.File})
		c.notice(events.LevelInfo, "Visit saved", nil)
		return nil
	})
	return receipt, serr
}

// AnalyzeAudio analyzes a recorded consultation outside a live session. The
// result replaces the displayed one and seeds the suggestion list.
func (c *Controller) AnalyzeAudio(ctx context.Context, filename string, audio io.Reader) (analysis.Result, error) {
	if c.analyzer == nil {
		return analysis.Result{}, ErrNoAnalyzer
	}
	var gen uint64
	err := c.call(ctx, func() error {
		if p := c.state.Phase; p == PhaseLive || p == PhaseFinalizing {
			return ErrAlreadyRunning
		}
		gen = c.gen
		c.setStatus(StatusAnalyzing)
		return nil
	})
	if err != nil {
		return analysis.Result{}, err
	}

	start := time.Now()
	res, aerr := c.analyzer.AnalyzeAudio(ctx, filename, audio)
	elapsed := float64(time.Since(start).Milliseconds())

	_ = c.call(context.WithoutCancel(ctx), func() error {
		s := c.state
		if c.gen != gen || s.Phase == PhaseLive || s.Phase == PhaseFinalizing {
			return nil
		}
		if aerr != nil {
			c.record("analysis_audio", elapsed, map[string]string{"outcome": "failed", "reason": string(reasonOf(aerr))})
			c.logger.Error("audio_analysis_failed", "session_id", s.ID, "file", filename, "reason", reasonOf(aerr), "error", aerr)
			c.setStatus(StatusIdle)
			c.notice(events.LevelError, "Backend not responding", aerr)
			return nil
		}
		c.record("analysis_audio", elapsed, map[string]string{"outcome": "ok"})
		s.Result = res.Clone()
		seed := res.SuggestedQuestions
		if len(seed) > s.Suggestions.Capacity() {
			seed = seed[:s.Suggestions.Capacity()]
		}
		s.Suggestions.Replace(seed, s.Asked)
		c.setStatus(StatusReady)
		c.publish(events.TypeAnalysisUpdated, events.AnalysisUpdated{Mode: "audio", Result: s.Result.Clone()})
		c.publishSuggestions()
		c.notice(events.LevelInfo, "AI analysis complete (audio)", nil)
		return nil
	})
	return res, aerr
}
