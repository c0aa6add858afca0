// Package suggest streams live follow-up question suggestions from the
// suggestion endpoint over server-sent events.
package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/consulta/pkg/errorsx"
	"github.com/harunnryd/consulta/pkg/logging"
	"github.com/harunnryd/consulta/pkg/metrics"
	"github.com/harunnryd/consulta/pkg/resilience"
)

const (
	DefaultPath         = "/suggest-questions-live-stream"
	DefaultMaxQuestions = 2
	DefaultWatchdog     = 30 * time.Second
)

// Cancellation causes. None of them is reported as a failure.
var (
	ErrCanceled   = errors.New("suggest: stream canceled")
	ErrSuperseded = errors.New("suggest: stream superseded")
	ErrWatchdog   = errors.New("suggest: watchdog expired")
	ErrStopped    = errors.New("suggest: session stopped")
)

// StreamID identifies one suggestion stream. Ids are never reused by a client.
type StreamID uint64

func (id StreamID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Outcome is reported once when a stream finishes.
type Outcome struct {
	Stream    StreamID
	State     State
	Questions int
	// Cause is set for canceled streams.
	Cause error
	// Err is set for failed streams.
	Err error
}

// Sink receives stream callbacks. Calls arrive on the stream goroutine and
// must not block for long.
type Sink interface {
	StreamOpened(id StreamID)
	QuestionReceived(id StreamID, question string)
	StreamEnded(outcome Outcome)
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	Path         string
	MaxQuestions int
	Watchdog     time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
	Observer     metrics.Observer
}

// Client keeps at most one suggestion stream open at a time. A new Request
// supersedes the stream in flight.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	observer  metrics.Observer
	nextID    atomic.Uint64
	sessionID atomic.Value

	mu        sync.Mutex
	active    *stream
	listeners []StateListener
	wg        sync.WaitGroup
}

type stream struct {
	id     StreamID
	cancel context.CancelCauseFunc
	fsm    *stateMachine
}

// NewClient applies defaults to cfg.
func NewClient(cfg Config) *Client {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxQuestions <= 0 {
		cfg.MaxQuestions = DefaultMaxQuestions
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = DefaultWatchdog
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	observer := cfg.Observer
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	c := &Client{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(cfg.Logger, "suggest"),
		observer: observer,
	}
	c.sessionID.Store("")
	return c
}

// AddListener registers a listener for state changes of every later stream.
func (c *Client) AddListener(listener StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// SetSession tags later metrics and logs with sessionID.
func (c *Client) SetSession(sessionID string) {
	c.sessionID.Store(sessionID)
}

// Request cancels any stream in flight and opens a new one for snippet.
func (c *Client) Request(ctx context.Context, snippet string, sink Sink) StreamID {
	id := StreamID(c.nextID.Add(1))
	streamCtx, cancel := context.WithCancelCause(ctx)

	c.mu.Lock()
	listeners := make([]StateListener, len(c.listeners))
	copy(listeners, c.listeners)
	s := &stream{id: id, cancel: cancel, fsm: newStateMachine(id, listeners)}
	prev := c.active
	c.active = s
	c.wg.Add(1)
	c.mu.Unlock()

	if prev != nil {
		prev.cancel(ErrSuperseded)
	}
	go func() {
		defer c.wg.Done()
		c.run(streamCtx, s, snippet, sink)
	}()
	return id
}

// Cancel ends the active stream with cause. A nil cause means ErrCanceled.
func (c *Client) Cancel(cause error) {
	if cause == nil {
		cause = ErrCanceled
	}
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s != nil {
		s.cancel(cause)
	}
}

// Active returns the id of the stream in flight.
func (c *Client) Active() (StreamID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return 0, false
	}
	return c.active.id, true
}

// State returns the active stream's state, or StateIdle when none is open.
func (c *Client) State() State {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return StateIdle
	}
	return s.fsm.State()
}

// Wait blocks until every stream goroutine has returned.
func (c *Client) Wait() {
	c.wg.Wait()
}

// release clears the active handle only if s is still the active stream.
func (c *Client) release(s *stream) {
	c.mu.Lock()
	if c.active == s {
		c.active = nil
	}
	c.mu.Unlock()
}

func (c *Client) run(ctx context.Context, s *stream, snippet string, sink Sink) {
	start := time.Now()
	outcome := Outcome{Stream: s.id}
	defer func() {
		s.cancel(nil)
		c.release(s)
		c.record("suggest_stream_end", float64(time.Since(start).Milliseconds()), s.id, map[string]string{
			"outcome": outcome.State.String(),
		})
		if sink != nil {
			sink.StreamEnded(outcome)
		}
	}()

	finish := func(state State, reason string) {
		outcome.State = state
		_ = s.fsm.Transition(state, reason)
	}

	watchdog := time.AfterFunc(c.cfg.Watchdog, func() {
		s.cancel(ErrWatchdog)
	})
	defer watchdog.Stop()

	if err := s.fsm.Transition(StateConnecting, "request"); err != nil {
		outcome.Err = err
		finish(StateFailed, "invalid_transition")
		return
	}
	c.record("suggest_stream_start", 1, s.id, nil)

	resp, err := c.open(ctx, snippet)
	if err != nil {
		if cause := canceled(ctx); cause != nil {
			outcome.Cause = cause
			finish(StateCanceled, cause.Error())
			return
		}
		outcome.Err = err
		c.logger.Warn("suggest_stream_failed", "stream_id", s.id, "session_id", c.session(), "error", err)
		finish(StateFailed, string(errorsx.Reason(err)))
		return
	}
	defer resp.Body.Close()

	if err := s.fsm.Transition(StateStreaming, "opened"); err != nil {
		outcome.Err = err
		finish(StateFailed, "invalid_transition")
		return
	}
	if sink != nil {
		sink.StreamOpened(s.id)
	}

	dec := NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err != nil {
			if cause := canceled(ctx); cause != nil {
				outcome.Cause = cause
				if errors.Is(cause, ErrWatchdog) {
					c.logger.Info("suggest_watchdog_expired", "stream_id", s.id, "session_id", c.session())
				}
				finish(StateCanceled, cause.Error())
				return
			}
			if errors.Is(err, io.EOF) {
				finish(StateCompleted, "eof")
				return
			}
			outcome.Err = errorsx.Wrap(err, errorsx.ReasonTransportFailure)
			c.logger.Warn("suggest_stream_read_failed", "stream_id", s.id, "session_id", c.session(), "error", err)
			finish(StateFailed, string(errorsx.ReasonTransportFailure))
			return
		}
		watchdog.Reset(c.cfg.Watchdog)

		switch ev.Name {
		case EventPing:
		case EventQuestion:
			q, ok := parseQuestion(ev.Data)
			if !ok {
				c.logger.Debug("suggest_event_malformed", "stream_id", s.id, "event", ev.Name)
				c.record("suggest_event_malformed", 1, s.id, nil)
				continue
			}
			outcome.Questions++
			if outcome.Questions == 1 {
				c.record("suggest_first_question", float64(time.Since(start).Milliseconds()), s.id, nil)
			}
			if sink != nil {
				sink.QuestionReceived(s.id, q)
			}
		case EventDone:
			finish(StateCompleted, "done")
			return
		case EventError:
			outcome.Err = errorsx.Errorf(errorsx.ReasonSuggestRemote, "suggest: remote error: %s", errorDetail(ev.Data))
			c.logger.Warn("suggest_stream_remote_error", "stream_id", s.id, "session_id", c.session(), "error", outcome.Err)
			finish(StateFailed, string(errorsx.ReasonSuggestRemote))
			return
		default:
			c.logger.Debug("suggest_event_ignored", "stream_id", s.id, "event", ev.Name)
		}
	}
}

func (c *Client) open(ctx context.Context, snippet string) (*http.Response, error) {
	body, err := json.Marshal(map[string]any{
		"text":          snippet,
		"max_questions": c.cfg.MaxQuestions,
	})
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonSuggestConnect)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonSuggestConnect)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errorsx.Wrap(resilience.RateLimitError{Provider: "suggest", Message: string(b)}, errorsx.ReasonSuggestStatus)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errorsx.Errorf(errorsx.ReasonSuggestStatus, "suggest: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

func (c *Client) session() string {
	v, _ := c.sessionID.Load().(string)
	return v
}

func (c *Client) record(name string, value float64, id StreamID, tags map[string]string) {
	all := map[string]string{"stream_id": id.String()}
	if sid := c.session(); sid != "" {
		all["session_id"] = sid
	}
	for k, v := range tags {
		all[k] = v
	}
	c.observer.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  all,
	})
}

func canceled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

func parseQuestion(data string) (string, bool) {
	var payload struct {
		Q *string `json:"q"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil || payload.Q == nil {
		return "", false
	}
	return *payload.Q, true
}

func errorDetail(data string) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err == nil && payload.Detail != "" {
		return payload.Detail
	}
	if data == "" {
		return "stream error"
	}
	return data
}
