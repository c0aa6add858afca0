package consulta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/harunnryd/consulta/pkg/analysis"
	"github.com/harunnryd/consulta/pkg/capture"
	"github.com/harunnryd/consulta/pkg/events"
	"github.com/harunnryd/consulta/pkg/logging"
	"github.com/harunnryd/consulta/pkg/metrics"
	"github.com/harunnryd/consulta/pkg/observers"
	"github.com/harunnryd/consulta/pkg/providers/mock"
	"github.com/harunnryd/consulta/pkg/redact"
	"github.com/harunnryd/consulta/pkg/resilience"
	"github.com/harunnryd/consulta/pkg/runner"
	"github.com/harunnryd/consulta/pkg/session"
	"github.com/harunnryd/consulta/pkg/suggest"
	"github.com/harunnryd/consulta/pkg/transports/ws"
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Capture overrides the configured capture provider.
	Capture capture.Source
	// LogOutput defaults to stdout.
	LogOutput io.Writer
	// Banner receives the startup banner; nil disables it.
	Banner io.Writer
}

// Engine owns one session controller and everything around it.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	level     *slog.LevelVar
	providers *ProviderRegistry

	controller *session.Controller
	bus        *events.Bus
	kafka      *events.KafkaSink
	transport  *ws.Server
	runner     *runner.LifecycleRunner

	asyncObs   *metrics.AsyncObserver
	sinks      *observers.MultiObserver
	eventsFile *os.File
	registry   *prometheus.Registry

	mockLn  net.Listener
	mockSrv *http.Server

	unsubscribe []func()
	ctx         context.Context
	cancel      context.CancelFunc
	runDone     chan struct{}
	startOnce   sync.Once
	started     atomic.Bool
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	level := new(slog.LevelVar)
	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: opts.LogOutput,
		Var:    level,
	})
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("consulta_init",
		"environment", cfg.Environment,
		"capture_provider", cfg.Capture.Provider,
		"notify_provider", cfg.Notify.Provider,
		"mock_backend", cfg.Backend.Mock.Enabled,
		"kafka", cfg.Events.Kafka.Enabled,
	)

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		level:     level,
		providers: opts.Providers,
		runDone:   make(chan struct{}),
	}
	if e.providers == nil {
		e.providers = DefaultProviders()
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	observer, err := e.buildObservers()
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(cfg.Backend.BaseURL, "/")
	if cfg.Backend.Mock.Enabled {
		if baseURL, err = e.listenMock(); err != nil {
			e.closeObservers()
			return nil, err
		}
	}

	suggester := suggest.NewClient(suggest.Config{
		BaseURL:      baseURL,
		Path:         cfg.Backend.SuggestPath,
		MaxQuestions: cfg.Backend.MaxQuestions,
		Watchdog:     cfg.Backend.Watchdog,
		Logger:       logger,
		Observer:     observer,
	})
	analyzer := analysis.NewClient(analysis.Config{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: cfg.Backend.RequestTimeout},
		Breaker:    resilience.NewCircuitBreaker(cfg.Backend.BreakerThreshold, cfg.Backend.BreakerCooldown),
		SaveRetry:  resilience.NewRetryPolicy(cfg.Backend.SaveRetries, cfg.Backend.SaveBackoff),
		Logger:     logger,
		Observer:   observer,
	})

	e.bus = events.NewBus(logger, cfg.Events.Buffer)
	e.kafka = events.NewKafkaSink(cfg.Events.Kafka, logger, observer)
	e.unsubscribe = append(e.unsubscribe, e.bus.Subscribe("kafka", e.kafka.Handle))

	deps := Deps{Logger: logger, Observer: observer}
	source := opts.Capture
	if source == nil {
		if source, err = e.providers.BuildCapture(cfg.Capture, deps); err != nil {
			e.closeAll()
			return nil, err
		}
	}
	notifier, err := e.providers.BuildNotifier(cfg.Notify, deps)
	if err != nil {
		e.closeAll()
		return nil, err
	}
	if notifier != nil {
		if notifier.Enabled() {
			e.unsubscribe = append(e.unsubscribe, e.bus.Subscribe("notify", notifier.Handle))
		} else {
			logger.Warn("notifier_disabled", "provider", cfg.Notify.Provider)
		}
	}

	e.controller = session.New(cfg.Session, session.Deps{
		Capture:   source,
		Suggester: suggester,
		Analyzer:  analyzer,
		Events:    e.bus,
		Logger:    logger,
		Observer:  observer,
	})

	tcfg := cfg.Transport
	tcfg.Logger = logger
	if e.registry != nil {
		tcfg.Gatherer = e.registry
	}
	e.transport = ws.New(tcfg, e.controller, e.bus)

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Consulta Engine Ready", "capture", source.Name()}
			for k, v := range e.transport.ReadyFields() {
				fields = append(fields, k, v)
			}
			logger.Info("engine_ready", fields...)
		},
		OnStop: func() {
			e.closeAll()
			logger.Info("shutdown", "goroutines", runtime.NumGoroutine())
		},
	}
	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(e.drain), hooks, 2*cfg.Session.AnalyzeTimeout+10*time.Second)
	e.runner.SetBanner(opts.Banner)
	return e, nil
}

func (e *Engine) buildObservers() (metrics.Observer, error) {
	cfg := e.cfg.Observability
	list := []metrics.Observer{
		observers.NewLatencyObserver(e.logger),
		observers.NewLoggerObserver(e.logger),
	}
	if dir := strings.TrimSpace(cfg.ArtifactsDir); dir != "" {
		if cfg.RetentionDays > 0 {
			n, err := observers.PurgeArtifacts(dir, time.Duration(cfg.RetentionDays)*24*time.Hour, ".jsonl", ".usage.json")
			if err != nil {
				e.logger.Warn("artifact_purge_failed", "dir", dir, "error", err.Error())
			} else if n > 0 {
				e.logger.Info("artifacts_purged", "dir", dir, "removed", n)
			}
		}
		list = append(list, observers.NewTimelineObserver(dir), observers.NewUsageObserver(dir))
	}
	if path := strings.TrimSpace(cfg.EventsFile); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("observability.events_file: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("observability.events_file: %w", err)
		}
		e.eventsFile = f
		list = append(list, metrics.NewJSONLObserver(f))
	}
	if cfg.Prometheus {
		e.registry = prometheus.NewRegistry()
		e.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		list = append(list, observers.NewPrometheusObserver(e.registry))
	}
	e.sinks = observers.NewMultiObserver(list...)
	sampled := metrics.NewSamplingObserver(e.sinks, cfg.SkipSampling, "scheduler_tick_skipped")
	e.asyncObs = metrics.NewAsyncObserver(sampled, cfg.AsyncBuffer, "session_stopped", "analysis_final")
	return e.asyncObs, nil
}

func (e *Engine) listenMock() (string, error) {
	mc := e.cfg.Backend.Mock
	ln, err := net.Listen("tcp", mc.Addr)
	if err != nil {
		return "", fmt.Errorf("mock backend listen: %w", err)
	}
	e.mockLn = ln
	e.mockSrv = &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler: mock.NewBackend(mock.BackendConfig{
			EventDelay: mc.EventDelay,
			SaveDir:    mc.SaveDir,
			Logger:     e.logger,
		}),
	}
	return "http://" + ln.Addr().String(), nil
}

// Start serves the console and runs the session loop until Stop.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	e.startOnce.Do(func() {
		e.started.Store(true)
		if e.mockSrv != nil {
			go func() {
				if serr := e.mockSrv.Serve(e.mockLn); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
					e.logger.Error("mock_backend_error", "error", serr.Error())
				}
			}()
		}
		go func() {
			defer close(e.runDone)
			_ = e.controller.Run(e.ctx)
		}()
		if err = e.transport.Start(ctx); err != nil {
			return
		}
		go func() {
			if rerr := e.runner.Run(ctx); rerr != nil {
				e.logger.Warn("engine_stop_error", "error", rerr.Error())
			}
		}()
	})
	return err
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

// drain stops the console, finalizes a live session and ends the loop.
func (e *Engine) drain(ctx context.Context) error {
	_ = e.transport.Stop()
	if !e.started.Load() {
		e.cancel()
		return nil
	}
	view, err := e.controller.Snapshot(ctx)
	if err == nil && view.Phase == session.PhaseLive {
		e.logger.Info("draining_live_session", "session_id", view.SessionID)
		if serr := e.controller.Stop(ctx); serr != nil {
			e.logger.Warn("drain_session_stop_failed", "session_id", view.SessionID, "error", serr.Error())
		}
	}
	e.cancel()
	select {
	case <-e.runDone:
		return nil
	case <-ctx.Done():
		return errors.New("session loop did not exit")
	}
}

// Reload applies the settings that can change without a restart: log level,
// PII redaction and artifact retention.
func (e *Engine) Reload(cfg Config) {
	e.level.Set(logging.ParseLevel(cfg.LogLevel))
	redact.SetEnabled(cfg.Privacy.RedactPII)
	if dir := strings.TrimSpace(e.cfg.Observability.ArtifactsDir); dir != "" && cfg.Observability.RetentionDays > 0 {
		_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour, ".jsonl", ".usage.json")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.controller.Reconfigure(ctx, cfg.Session); err != nil {
		e.logger.Warn("session_reconfigure_failed", "error", err.Error())
	} else {
		e.cfg.Session = cfg.Session
	}
	e.cfg.LogLevel = cfg.LogLevel
	e.cfg.Privacy = cfg.Privacy
	e.cfg.Observability.RetentionDays = cfg.Observability.RetentionDays
	e.logger.Info("engine_reloaded", "log_level", cfg.LogLevel, "redact_pii", cfg.Privacy.RedactPII)
}

func (e *Engine) closeAll() {
	for i := len(e.unsubscribe) - 1; i >= 0; i-- {
		e.unsubscribe[i]()
	}
	e.unsubscribe = nil
	if e.bus != nil {
		e.bus.Close()
	}
	if e.kafka != nil {
		_ = e.kafka.Close()
	}
	if e.mockSrv != nil {
		_ = e.mockSrv.Close()
	} else if e.mockLn != nil {
		_ = e.mockLn.Close()
	}
	e.closeObservers()
}

func (e *Engine) closeObservers() {
	if e.asyncObs != nil {
		e.asyncObs.Close()
	}
	if e.sinks != nil {
		if err := e.sinks.Close(); err != nil {
			e.logger.Warn("observer_close_failed", "error", err.Error())
		}
	}
	if e.eventsFile != nil {
		_ = e.eventsFile.Close()
	}
}

func (e *Engine) Controller() *session.Controller { return e.controller }

func (e *Engine) Bus() *events.Bus { return e.bus }

func (e *Engine) Transport() *ws.Server { return e.transport }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Registry() *prometheus.Registry { return e.registry }

func (e *Engine) State() runner.State { return e.runner.State() }

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	if st := e.runner.State(); st != runner.StateRunning {
		return fmt.Errorf("engine %s", st)
	}
	return nil
}
