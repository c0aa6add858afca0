// Package consulta loads the service configuration and wires the session
// controller to its collaborators: capture providers, backend clients, the
// event bus and sinks, observers and the console transport.
package consulta

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/harunnryd/consulta/pkg/events"
	"github.com/harunnryd/consulta/pkg/session"
	"github.com/harunnryd/consulta/pkg/transports/ws"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat     string              `mapstructure:"log_format" validate:"omitempty,oneof=text json"`
	Backend       BackendConfig       `mapstructure:"backend"`
	Session       session.Config      `mapstructure:"session"`
	Capture       VendorConfig        `mapstructure:"capture"`
	Notify        VendorConfig        `mapstructure:"notify"`
	Transport     ws.Config           `mapstructure:"transport"`
	Events        EventsConfig        `mapstructure:"events"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

// VendorConfig selects a provider and carries its free-form settings.
type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type BackendConfig struct {
	BaseURL          string        `mapstructure:"base_url" validate:"omitempty,url"`
	SuggestPath      string        `mapstructure:"suggest_path"`
	MaxQuestions     int           `mapstructure:"max_questions" validate:"gte=1,lte=10"`
	Watchdog         time.Duration `mapstructure:"watchdog"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold" validate:"gte=0"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	SaveRetries      int           `mapstructure:"save_retries" validate:"gte=0"`
	SaveBackoff      time.Duration `mapstructure:"save_backoff"`
	Mock             MockConfig    `mapstructure:"mock"`
}

// MockConfig runs the offline backend in-process. BaseURL is then ignored.
type MockConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Addr       string        `mapstructure:"addr"`
	EventDelay time.Duration `mapstructure:"event_delay"`
	SaveDir    string        `mapstructure:"save_dir"`
}

type EventsConfig struct {
	Buffer int                `mapstructure:"buffer" validate:"gte=0"`
	Kafka  events.KafkaConfig `mapstructure:"kafka"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string  `mapstructure:"artifacts_dir"`
	RetentionDays int     `mapstructure:"retention_days" validate:"gte=0"`
	EventsFile    string  `mapstructure:"events_file"`
	SkipSampling  float64 `mapstructure:"skip_sampling" validate:"gte=0,lte=1"`
	AsyncBuffer   int     `mapstructure:"async_buffer" validate:"gte=0"`
	Prometheus    bool    `mapstructure:"prometheus"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

var validate = validator.New()

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)

	sd := session.DefaultConfig()
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("backend.suggest_path", "/suggest-questions-live-stream")
	v.SetDefault("backend.max_questions", 3)
	v.SetDefault("backend.watchdog", "6s")
	v.SetDefault("backend.request_timeout", "90s")
	v.SetDefault("backend.breaker_threshold", 3)
	v.SetDefault("backend.breaker_cooldown", "30s")
	v.SetDefault("backend.save_retries", 2)
	v.SetDefault("backend.save_backoff", "300ms")
	v.SetDefault("backend.mock.enabled", false)
	v.SetDefault("backend.mock.addr", "127.0.0.1:8765")
	v.SetDefault("backend.mock.event_delay", "150ms")

	v.SetDefault("session.tick_interval", sd.TickInterval.String())
	v.SetDefault("session.analyze_debounce", sd.AnalyzeDebounce.String())
	v.SetDefault("session.final_grace", sd.FinalGrace.String())
	v.SetDefault("session.min_final_chars", sd.MinFinalChars)
	v.SetDefault("session.final_tail_chars", sd.FinalTailChars)
	v.SetDefault("session.analyze_timeout", sd.AnalyzeTimeout.String())
	v.SetDefault("session.capacity", sd.Capacity)
	v.SetDefault("session.similarity_threshold", sd.Threshold)
	v.SetDefault("session.ambiguous_as_patient", false)
	v.SetDefault("session.scheduler.min_transcript", sd.Scheduler.MinTranscript)
	v.SetDefault("session.scheduler.snippet_chars", sd.Scheduler.SnippetChars)
	v.SetDefault("session.scheduler.min_snippet", sd.Scheduler.MinSnippet)
	v.SetDefault("session.scheduler.suggest_spacing", sd.Scheduler.SuggestSpacing.String())
	v.SetDefault("session.scheduler.full_list_cooldown", sd.Scheduler.FullListCooldown.String())
	v.SetDefault("session.scheduler.min_analyze_chars", sd.Scheduler.MinAnalyzeChars)
	v.SetDefault("session.scheduler.analyze_payload", sd.Scheduler.AnalyzePayload)
	v.SetDefault("session.scheduler.analyze_key_chars", sd.Scheduler.AnalyzeKeyChars)
	v.SetDefault("session.scheduler.analyze_spacing", sd.Scheduler.AnalyzeSpacing.String())

	v.SetDefault("capture.provider", "push")
	v.SetDefault("notify.provider", "")

	v.SetDefault("transport.server_addr", ":8080")
	v.SetDefault("transport.ws_path", "/ws")
	v.SetDefault("transport.write_timeout", "5s")
	v.SetDefault("transport.send_buffer", 256)

	v.SetDefault("events.buffer", 256)
	v.SetDefault("events.kafka.enabled", false)
	v.SetDefault("events.kafka.topic", "consulta.session-events")
	v.SetDefault("events.kafka.write_timeout", "2s")

	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.events_file", "")
	v.SetDefault("observability.skip_sampling", 0.1)
	v.SetDefault("observability.async_buffer", 2048)
	v.SetDefault("observability.prometheus", true)

	v.SetDefault("privacy.redact_pii", true)
	return v
}

func LoadConfig(path string) (Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// WatchConfig reloads path on every write and hands each valid result to
// onChange. Edits that fail to load are logged and skipped.
func WatchConfig(path string, logger *slog.Logger, onChange func(Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("config_reload_failed", "file", e.Name, "error", err.Error())
			return
		}
		logger.Info("config_reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if !c.Backend.Mock.Enabled && strings.TrimSpace(c.Backend.BaseURL) == "" {
		return fmt.Errorf("backend.base_url is required unless backend.mock.enabled is set")
	}
	if strings.TrimSpace(c.Capture.Provider) == "" {
		return fmt.Errorf("capture.provider is required")
	}
	if c.Session.Scheduler.MinSnippet > c.Session.Scheduler.SnippetChars {
		return fmt.Errorf("session.scheduler.min_snippet exceeds snippet_chars")
	}
	if c.Events.Kafka.Enabled && len(c.Events.Kafka.Brokers) == 0 {
		return fmt.Errorf("events.kafka.brokers is required when kafka is enabled")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Capture.Settings = expandSettings(cfg.Capture.Settings)
	cfg.Notify.Settings = expandSettings(cfg.Notify.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
