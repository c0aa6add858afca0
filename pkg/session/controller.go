// Package session runs one live consultation at a time: it applies capture
// increments, tracks asked questions, schedules suggestion streams and
// mid-conversation analysis, and runs the final analysis on stop.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/harunnryd/consulta/pkg/analysis"
	"github.com/harunnryd/consulta/pkg/capture"
	"github.com/harunnryd/consulta/pkg/events"
	"github.com/harunnryd/consulta/pkg/logging"
	"github.com/harunnryd/consulta/pkg/metrics"
	"github.com/harunnryd/consulta/pkg/questions"
	"github.com/harunnryd/consulta/pkg/scheduler"
	"github.com/harunnryd/consulta/pkg/speaker"
	"github.com/harunnryd/consulta/pkg/suggest"
	"github.com/harunnryd/consulta/pkg/textnorm"
)

var (
	ErrClosed         = errors.New("session: controller closed")
	ErrAlreadyRunning = errors.New("session: already running")
	ErrNotRunning     = errors.New("session: not running")
	ErrNothingToSave  = errors.New("session: nothing to save")
	ErrNoAnalyzer     = errors.New("session: no analyzer configured")
)

// Suggester opens suggestion streams. *suggest.Client implements it.
type Suggester interface {
	Request(ctx context.Context, snippet string, sink suggest.Sink) suggest.StreamID
	Cancel(cause error)
	SetSession(sessionID string)
}

// Analyzer calls the analysis backend. *analysis.Client implements it.
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (analysis.Result, error)
	AnalyzeAudio(ctx context.Context, filename string, audio io.Reader) (analysis.Result, error)
	SaveVisit(ctx context.Context, visit analysis.Visit) (analysis.Receipt, error)
}

type Config struct {
	Scheduler          scheduler.Config `mapstructure:"scheduler"`
	TickInterval       time.Duration    `mapstructure:"tick_interval"`
	AnalyzeDebounce    time.Duration    `mapstructure:"analyze_debounce"`
	FinalGrace         time.Duration    `mapstructure:"final_grace"`
	MinFinalChars      int              `mapstructure:"min_final_chars" validate:"gte=0"`
	FinalTailChars     int              `mapstructure:"final_tail_chars" validate:"gte=0"`
	AnalyzeTimeout     time.Duration    `mapstructure:"analyze_timeout"`
	Capacity           int              `mapstructure:"capacity" validate:"gte=0"`
	Threshold          float64          `mapstructure:"similarity_threshold" validate:"gte=0,lte=1"`
	AmbiguousAsPatient bool             `mapstructure:"ambiguous_as_patient"`
}

// DefaultConfig returns the timings used in live sessions.
func DefaultConfig() Config {
	return Config{
		Scheduler:       scheduler.DefaultConfig(),
		TickInterval:    900 * time.Millisecond,
		AnalyzeDebounce: 1200 * time.Millisecond,
		FinalGrace:      150 * time.Millisecond,
		MinFinalChars:   30,
		FinalTailChars:  4000,
		AnalyzeTimeout:  90 * time.Second,
		Capacity:        questions.DefaultCapacity,
		Threshold:       textnorm.DefaultThreshold,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.AnalyzeDebounce <= 0 {
		c.AnalyzeDebounce = d.AnalyzeDebounce
	}
	if c.FinalGrace < 0 {
		c.FinalGrace = 0
	}
	if c.FinalTailChars <= 0 {
		c.FinalTailChars = d.FinalTailChars
	}
	if c.AnalyzeTimeout <= 0 {
		c.AnalyzeTimeout = d.AnalyzeTimeout
	}
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	return c
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Capture   capture.Source
	Suggester Suggester
	Analyzer  Analyzer
	Events    events.Publisher
	Logger    *slog.Logger
	Observer  metrics.Observer
}

// Controller serializes every session mutation on the goroutine running Run.
// Public methods post work to that loop and wait for the reply; network
// calls run elsewhere and post their results back.
type Controller struct {
	cfg        Config
	sched      *scheduler.Scheduler
	matcher    textnorm.Matcher
	classifier *speaker.Classifier

	capture  capture.Source
	suggest  Suggester
	analyzer Analyzer
	events   events.Publisher
	logger   *slog.Logger
	observer metrics.Observer
	now      func() time.Time

	inbox chan func()
	done  chan struct{}

	// Owned by the loop.
	runCtx      context.Context
	state       *State
	gen         uint64
	reqSeq      uint64
	debounce    *time.Timer
	debounceGen uint64
	ticker      *time.Ticker
}

func New(cfg Config, deps Deps) *Controller {
	cfg = cfg.withDefaults()
	classifier := newClassifier(cfg)
	observer := deps.Observer
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	publisher := deps.Events
	if publisher == nil {
		publisher = events.PublisherFunc(func(events.Envelope) {})
	}
	capSource := deps.Capture
	if capSource == nil {
		capSource = capture.NewPushSource("push")
	}
	c := &Controller{
		cfg:        cfg,
		sched:      scheduler.New(cfg.Scheduler),
		matcher:    textnorm.Matcher{Threshold: cfg.Threshold},
		classifier: classifier,
		capture:    capSource,
		suggest:    deps.Suggester,
		analyzer:   deps.Analyzer,
		events:     publisher,
		logger:     logging.NewComponentLogger(deps.Logger, "session"),
		observer:   observer,
		now:        time.Now,
		inbox:      make(chan func(), 256),
		done:       make(chan struct{}),
		runCtx:     context.Background(),
	}
	c.state = newState(cfg.Capacity, c.matcher, classifier)
	return c
}

func newClassifier(cfg Config) *speaker.Classifier {
	classifier := speaker.New(speaker.DefaultSignals)
	if cfg.AmbiguousAsPatient {
		classifier.AmbiguousQuestion = speaker.Patient
	}
	return classifier
}

// Reconfigure queues a swap of the tunables and returns without waiting for
// it. Timings and scheduler thresholds apply to the running session; list
// capacity, the similarity threshold and the speaker policy apply from the
// next Start.
func (c *Controller) Reconfigure(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	return c.post(ctx, func() {
		if c.ticker != nil && cfg.TickInterval != c.cfg.TickInterval {
			c.ticker.Reset(cfg.TickInterval)
		}
		c.cfg = cfg
		c.sched = scheduler.New(cfg.Scheduler)
		c.matcher = textnorm.Matcher{Threshold: cfg.Threshold}
		c.classifier = newClassifier(cfg)
		c.logger.Info("session_reconfigured",
			"tick_interval", cfg.TickInterval,
			"suggest_spacing", cfg.Scheduler.SuggestSpacing,
			"analyze_spacing", cfg.Scheduler.AnalyzeSpacing,
		)
	})
}

// Capture returns the capture source the controller drives.
func (c *Controller) Capture() capture.Source { return c.capture }

// Run processes session work until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	c.ticker = time.NewTicker(c.cfg.TickInterval)
	defer func() {
		c.ticker.Stop()
		close(c.done)
		c.shutdown()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.inbox:
			fn()
		case <-c.ticker.C:
			c.onTick()
		}
	}
}

func (c *Controller) shutdown() {
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.state.cancelAnalyze()
	if c.suggest != nil {
		c.suggest.Cancel(suggest.ErrStopped)
	}
	if c.state.Phase == PhaseLive || c.state.Phase == PhaseFinalizing {
		if err := c.capture.Stop(); err != nil {
			c.logger.Warn("capture_stop_failed", "error", err)
		}
	}
}

// post queues fn on the loop.
func (c *Controller) post(ctx context.Context, fn func()) error {
	select {
	case c.inbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// enqueue is post for callbacks that have no caller to report to.
func (c *Controller) enqueue(fn func()) {
	_ = c.post(context.Background(), fn)
}

// call runs fn on the loop and waits for its result.
func (c *Controller) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if err := c.post(ctx, func() { errc <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Snapshot returns a copy of the current session.
func (c *Controller) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := c.call(ctx, func() error {
		v = c.state.view()
		return nil
	})
	return v, err
}

func (c *Controller) publish(typ events.Type, data any) {
	c.events.Publish(events.New(c.state.ID, typ, data))
}

func (c *Controller) record(name string, value float64, tags map[string]string) {
	all := map[string]string{"session_id": c.state.ID}
	for k, v := range tags {
		all[k] = v
	}
	metrics.Emit(c.observer, name, value, all, nil)
}

func (c *Controller) setStatus(to Status) {
	from := c.state.Status
	if from == to {
		return
	}
	c.state.Status = to
	c.publish(events.TypeStatusChanged, events.StatusChanged{From: string(from), To: string(to)})
}

func (c *Controller) notice(level events.Level, message string, err error) {
	n := events.Notice{Level: level, Message: message}
	if err != nil {
		n.Reason = string(reasonOf(err))
	}
	c.publish(events.TypeNotice, n)
}

func (c *Controller) publishSuggestions() {
	c.publish(events.TypeSuggestionsChanged, events.SuggestionsChanged{Items: c.state.Suggestions.Items()})
}
