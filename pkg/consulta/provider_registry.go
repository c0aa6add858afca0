package consulta

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/harunnryd/consulta/pkg/capture"
	"github.com/harunnryd/consulta/pkg/configutil"
	"github.com/harunnryd/consulta/pkg/events"
	"github.com/harunnryd/consulta/pkg/metrics"
	"github.com/harunnryd/consulta/pkg/providers/deepgram"
	"github.com/harunnryd/consulta/pkg/providers/mock"
	"github.com/harunnryd/consulta/pkg/providers/twilio"
)

// Deps are handed to provider factories.
type Deps struct {
	Logger   *slog.Logger
	Observer metrics.Observer
}

// Notifier consumes session events and forwards some of them elsewhere.
type Notifier interface {
	Handle(env events.Envelope)
	Enabled() bool
}

type CaptureFactory func(settings map[string]any, deps Deps) (capture.Source, error)
type NotifierFactory func(settings map[string]any, deps Deps) (Notifier, error)

type ProviderRegistry struct {
	capture map[string]CaptureFactory
	notify  map[string]NotifierFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		capture: make(map[string]CaptureFactory),
		notify:  make(map[string]NotifierFactory),
	}
}

// DefaultProviders registers every built-in provider.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterCapture("push", buildPushCapture)
	r.RegisterCapture("deepgram", buildDeepgramCapture)
	r.RegisterCapture("mock", buildScriptCapture)
	r.RegisterNotifier("twilio", buildTwilioNotifier)
	return r
}

func (r *ProviderRegistry) RegisterCapture(name string, factory CaptureFactory) {
	r.capture[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) RegisterNotifier(name string, factory NotifierFactory) {
	r.notify[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) BuildCapture(vendor VendorConfig, deps Deps) (capture.Source, error) {
	fn := r.capture[strings.ToLower(strings.TrimSpace(vendor.Provider))]
	if fn == nil {
		return nil, fmt.Errorf("capture provider not registered: %s", vendor.Provider)
	}
	return fn(vendor.Settings, deps)
}

// BuildNotifier returns nil without error when no provider is configured.
func (r *ProviderRegistry) BuildNotifier(vendor VendorConfig, deps Deps) (Notifier, error) {
	name := strings.ToLower(strings.TrimSpace(vendor.Provider))
	if name == "" || name == "none" {
		return nil, nil
	}
	fn := r.notify[name]
	if fn == nil {
		return nil, fmt.Errorf("notify provider not registered: %s", vendor.Provider)
	}
	return fn(vendor.Settings, deps)
}

var (
	pushSchema = configutil.Schema{
		Optional: []string{"name"},
	}
	deepgramSchema = configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "encoding", "sample_rate", "channels", "interim", "vad_events", "utterance_end_ms"},
	}
	scriptSchema = configutil.Schema{
		Optional: []string{"script_file", "lines", "interval"},
	}
	twilioSchema = configutil.Schema{
		Required: []string{"account_sid", "auth_token", "from", "to"},
		Optional: []string{"notify_on"},
	}
)

func buildPushCapture(settings map[string]any, _ Deps) (capture.Source, error) {
	if err := configutil.ValidateSettings(settings, pushSchema); err != nil {
		return nil, fmt.Errorf("capture.settings: %w", err)
	}
	var s struct {
		Name string `mapstructure:"name"`
	}
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("capture.settings: %w", err)
	}
	return capture.NewPushSource(s.Name), nil
}

func buildDeepgramCapture(settings map[string]any, deps Deps) (capture.Source, error) {
	if err := configutil.ValidateSettings(settings, deepgramSchema); err != nil {
		return nil, fmt.Errorf("capture.settings: %w", err)
	}
	var cfg deepgram.Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return nil, fmt.Errorf("capture.settings: %w", err)
	}
	if err := configutil.RequireString(cfg.APIKey, "capture.settings.api_key"); err != nil {
		return nil, err
	}
	cfg.Logger = deps.Logger
	cfg.Observer = deps.Observer
	return deepgram.New(cfg), nil
}

func buildScriptCapture(settings map[string]any, _ Deps) (capture.Source, error) {
	if err := configutil.ValidateSettings(settings, scriptSchema); err != nil {
		return nil, fmt.Errorf("capture.settings: %w", err)
	}
	var s struct {
		ScriptFile string        `mapstructure:"script_file"`
		Lines      []string      `mapstructure:"lines"`
		Interval   time.Duration `mapstructure:"interval"`
	}
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("capture.settings: %w", err)
	}
	lines := s.Lines
	if s.ScriptFile != "" {
		f, err := os.Open(s.ScriptFile)
		if err != nil {
			return nil, fmt.Errorf("capture.settings.script_file: %w", err)
		}
		defer f.Close()
		if lines, err = mock.ReadScript(f); err != nil {
			return nil, fmt.Errorf("capture.settings.script_file: %w", err)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("capture.settings: script_file or lines is required")
	}
	return mock.NewScriptSource(lines, s.Interval), nil
}

func buildTwilioNotifier(settings map[string]any, deps Deps) (Notifier, error) {
	if err := configutil.ValidateSettings(settings, twilioSchema); err != nil {
		return nil, fmt.Errorf("notify.settings: %w", err)
	}
	var cfg twilio.Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return nil, fmt.Errorf("notify.settings: %w", err)
	}
	cfg.Logger = deps.Logger
	cfg.Observer = deps.Observer
	return twilio.NewNotifier(cfg), nil
}
