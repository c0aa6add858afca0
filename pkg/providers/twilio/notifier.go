// Package twilio sends short SMS notifications about consultations through
// the Twilio REST API.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/consulta/pkg/errorsx"
	"github.com/harunnryd/consulta/pkg/events"
	"github.com/harunnryd/consulta/pkg/logging"
	"github.com/harunnryd/consulta/pkg/metrics"
	"github.com/harunnryd/consulta/pkg/redact"
)

const maxBodyLen = 320

type Config struct {
	AccountSID string   `mapstructure:"account_sid"`
	AuthToken  string   `mapstructure:"auth_token"`
	From       string   `mapstructure:"from"`
	To         []string `mapstructure:"to"`
	// NotifyOn lists the event types that trigger a message. Notices are
	// only sent at error level.
	NotifyOn []string `mapstructure:"notify_on"`

	Logger   *slog.Logger     `mapstructure:"-"`
	Observer metrics.Observer `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if len(c.NotifyOn) == 0 {
		c.NotifyOn = []string{string(events.TypeVisitSaved), string(events.TypeNotice)}
	}
	return c
}

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// Notifier turns selected session events into SMS messages.
type Notifier struct {
	cfg      Config
	client   messageCreator
	types    map[events.Type]bool
	logger   *slog.Logger
	observer metrics.Observer
}

func NewNotifier(cfg Config) *Notifier {
	cfg = cfg.withDefaults()
	types := make(map[events.Type]bool, len(cfg.NotifyOn))
	for _, t := range cfg.NotifyOn {
		if t = strings.TrimSpace(t); t != "" {
			types[events.Type(t)] = true
		}
	}
	observer := cfg.Observer
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	n := &Notifier{
		cfg:      cfg,
		types:    types,
		logger:   logging.NewComponentLogger(cfg.Logger, "twilio_notifier"),
		observer: observer,
	}
	if cfg.AccountSID != "" && cfg.AuthToken != "" {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		n.client = rest.Api
	}
	return n
}

// Enabled reports whether credentials, a sender and at least one recipient
// are configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.client != nil && n.cfg.From != "" && len(n.cfg.To) > 0
}

// Handle is an events.Handler. Failures are logged and counted.
func (n *Notifier) Handle(env events.Envelope) {
	body, ok := n.message(env)
	if !ok {
		return
	}
	if err := n.Send(context.Background(), body); err != nil {
		n.logger.Warn("sms_notify_failed",
			"session_id", env.SessionID,
			"type", env.Type,
			"reason_code", string(errorsx.Reason(err)),
			"error", err.Error())
	}
}

// Send delivers body to every recipient and returns the first failure.
func (n *Notifier) Send(ctx context.Context, body string) error {
	if !n.Enabled() {
		return errors.New("twilio: notifier not configured")
	}
	body = truncate(redact.Text(body), maxBodyLen)
	var firstErr error
	for _, to := range n.cfg.To {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		params := &api.CreateMessageParams{}
		params.SetTo(to)
		params.SetFrom(n.cfg.From)
		params.SetBody(body)
		resp, err := n.client.CreateMessage(params)
		status := "ok"
		if err == nil && (resp == nil || resp.Sid == nil) {
			err = errors.New("missing message sid")
		}
		if err != nil {
			status = "error"
			if firstErr == nil {
				firstErr = errorsx.Errorf(errorsx.ReasonNotifySend, "twilio: send sms: %w", err)
			}
		} else {
			n.logger.Info("sms_notify_sent", "sid", *resp.Sid)
		}
		metrics.Emit(n.observer, "notify_sms", float64(time.Since(start).Milliseconds()), map[string]string{
			"status": status,
		}, nil)
	}
	return firstErr
}

func (n *Notifier) message(env events.Envelope) (string, bool) {
	if !n.types[env.Type] {
		return "", false
	}
	switch data := env.Data.(type) {
	case events.VisitSaved:
		return fmt.Sprintf("Consulta: visit %s saved (%s).", shortID(env.SessionID), data.File), true
	case events.Notice:
		if data.Level != events.LevelError {
			return "", false
		}
		return fmt.Sprintf("Consulta: session %s error: %s.", shortID(env.SessionID), data.Message), true
	case events.SessionStopped:
		state := "without final analysis"
		if data.Finalized {
			state = "with final analysis"
		}
		return fmt.Sprintf("Consulta: session %s ended %s after %s.",
			shortID(env.SessionID), state, time.Duration(data.DurationMS)*time.Millisecond), true
	case events.SessionStarted:
		return fmt.Sprintf("Consulta: session %s started (%s).", shortID(env.SessionID), data.Capture), true
	default:
		return "", false
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
