package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/harunnryd/consulta/pkg/errorsx"
	"github.com/harunnryd/consulta/pkg/logging"
	"github.com/harunnryd/consulta/pkg/metrics"
)

// KafkaConfig configures the session event log.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaSink writes session events to a Kafka topic keyed by session id.
// Without brokers it runs in log-only mode.
type KafkaSink struct {
	writer   *kafka.Writer
	topic    string
	enabled  bool
	timeout  time.Duration
	logger   *slog.Logger
	observer metrics.Observer
}

func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger, observer metrics.Observer) *KafkaSink {
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &KafkaSink{
		topic:    cfg.Topic,
		timeout:  timeout,
		logger:   logging.NewComponentLogger(logger, "kafka_sink"),
		observer: observer,
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 || cfg.Topic == "" {
		s.logger.Info("kafka_sink_disabled", "reason", "log_only")
		return s
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	s.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: timeout,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	s.enabled = true
	s.logger.Info("kafka_sink_initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return s
}

// Enabled reports whether events reach Kafka.
func (s *KafkaSink) Enabled() bool { return s != nil && s.enabled }

// Handle is a bus Handler.
func (s *KafkaSink) Handle(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_ = s.Write(ctx, env)
}

// Write publishes one envelope.
func (s *KafkaSink) Write(ctx context.Context, env Envelope) error {
	start := time.Now()
	payload, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("kafka_event_marshal_failed", "type", env.Type, "error", err)
		return errorsx.Wrap(err, errorsx.ReasonEventPublish)
	}
	if !s.enabled || s.writer == nil {
		s.logger.Debug("kafka_event_logged", "type", env.Type, "session_id", env.SessionID)
		s.record(env, "log_only", start)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(env.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(env.Type)},
			{Key: "eventId", Value: []byte(env.ID)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Error("kafka_event_write_failed", "type", env.Type, "session_id", env.SessionID, "error", err)
		s.record(env, "error", start)
		return errorsx.Wrap(err, errorsx.ReasonEventPublish)
	}
	s.record(env, "ok", start)
	return nil
}

func (s *KafkaSink) record(env Envelope, status string, start time.Time) {
	metrics.Emit(s.observer, "event_published", time.Since(start).Seconds(), map[string]string{
		"session_id": env.SessionID,
		"type":       string(env.Type),
		"status":     status,
	}, nil)
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
