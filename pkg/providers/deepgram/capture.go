// Package deepgram is a live capture source backed by Deepgram streaming
// transcription. Raw audio written through SendAudio is streamed to Deepgram
// and transcripts come back as capture increments.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/consulta/pkg/capture"
	"github.com/harunnryd/consulta/pkg/errorsx"
	"github.com/harunnryd/consulta/pkg/logging"
	"github.com/harunnryd/consulta/pkg/metrics"
)

var ErrNotStarted = errors.New("deepgram: capture not started")

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Channels       int    `mapstructure:"channels"`
	Interim        bool   `mapstructure:"interim"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`

	Logger   *slog.Logger     `mapstructure:"-"`
	Observer metrics.Observer `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "multi"
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	return c
}

// Source implements capture.Source and capture.AudioSink.
type Source struct {
	cfg      Config
	logger   *slog.Logger
	observer metrics.Observer

	mu         sync.Mutex
	handler    capture.Handler
	session    string
	dgClient   *client.WSCallback
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	stopping   bool

	metaLogged atomic.Bool
}

func New(cfg Config) *Source {
	cfg = cfg.withDefaults()
	observer := cfg.Observer
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Source{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(cfg.Logger, "deepgram_capture"),
		observer: observer,
	}
}

func (s *Source) Name() string { return "deepgram" }

func (s *Source) SetSession(sessionID string) {
	s.mu.Lock()
	s.session = sessionID
	s.mu.Unlock()
}

func (s *Source) Start(ctx context.Context, h capture.Handler) error {
	if h == nil {
		return errors.New("deepgram: nil handler")
	}
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return fmt.Errorf("deepgram: api key missing: %w", capture.ErrUnavailable)
	}
	s.mu.Lock()
	if s.handler != nil {
		s.mu.Unlock()
		return errors.New("deepgram: capture already started")
	}
	sessionID := s.session
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		Channels:       s.cfg.Channels,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
		Punctuate:      true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.logger.Info("deepgram_connecting",
		slog.String("session_id", sessionID),
		slog.String("model", s.cfg.Model),
		slog.String("language", s.cfg.Language),
		slog.Int("sample_rate", s.cfg.SampleRate))

	cb := &callback{parent: s}
	dgClient, err := client.NewWSUsingCallback(ctx, s.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		cancel()
		s.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonCaptureConnect)
	}
	if connected := dgClient.Connect(); !connected {
		cancel()
		s.logger.Error("deepgram_connect_failed", slog.String("session_id", sessionID))
		return errorsx.New(errorsx.ReasonCaptureConnect, "deepgram connection failed")
	}

	s.mu.Lock()
	s.handler = h
	s.dgClient = dgClient
	s.cancel = cancel
	s.pipeReader, s.pipeWriter = pr, pw
	s.stopping = false
	s.mu.Unlock()

	s.logger.Info("deepgram_connected", slog.String("session_id", sessionID))
	h.OnEdge(true)

	go func() {
		if err := dgClient.Stream(pr); err != nil && ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("session_id", sessionID))
			s.lost()
		}
	}()
	return nil
}

// Stop closes the connection. It reports the inactive edge to the handler.
func (s *Source) Stop() error {
	s.mu.Lock()
	h := s.handler
	s.handler = nil
	s.stopping = true
	cancel, pw, dg := s.cancel, s.pipeWriter, s.dgClient
	s.cancel, s.pipeWriter, s.pipeReader, s.dgClient = nil, nil, nil, nil
	s.mu.Unlock()
	if h == nil {
		return nil
	}

	s.logger.Info("deepgram_closing")
	if cancel != nil {
		cancel()
	}
	if pw != nil {
		_ = pw.Close()
	}
	if dg != nil {
		dg.Stop()
	}
	h.OnEdge(false)
	return nil
}

// SendAudio streams one chunk of raw audio.
func (s *Source) SendAudio(chunk []byte) error {
	s.mu.Lock()
	pw := s.pipeWriter
	sessionID := s.session
	s.mu.Unlock()
	if pw == nil {
		return ErrNotStarted
	}
	if _, err := pw.Write(chunk); err != nil {
		s.logger.Error("deepgram_send_failed", slog.String("error", err.Error()), slog.String("session_id", sessionID))
		return errorsx.Wrap(err, errorsx.ReasonCaptureSend)
	}
	metrics.Emit(s.observer, "capture_audio_in", float64(len(chunk)), map[string]string{
		"session_id": sessionID,
		"provider":   "deepgram",
	}, map[string]any{
		"bytes":       len(chunk),
		"sample_rate": s.cfg.SampleRate,
		"channels":    s.cfg.Channels,
	})
	return nil
}

// lost reports an unexpected connection loss as an inactive edge. The
// handler stays registered so Stop still cleans up.
func (s *Source) lost() {
	s.mu.Lock()
	h := s.handler
	stopping := s.stopping
	s.mu.Unlock()
	if h != nil && !stopping {
		h.OnEdge(false)
	}
}

func (s *Source) deliver(transcript string, final bool) {
	inc, ok := increment(transcript, final)
	if !ok {
		return
	}
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h.OnIncrement(inc)
	}
}

// increment maps one Deepgram result to a capture increment. Finalized
// segments are appended; everything else replaces the interim text.
func increment(transcript string, final bool) (capture.Increment, bool) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return capture.Increment{}, false
	}
	if final {
		return capture.Increment{Final: transcript}, true
	}
	return capture.Increment{Interim: transcript}, true
}

type callback struct {
	parent *Source
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	c.parent.deliver(mr.Channel.Alternatives[0].Transcript, mr.IsFinal || mr.SpeechFinal)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if c.parent.metaLogged.CompareAndSwap(false, true) {
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("deepgram_speech_started")
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("deepgram_utterance_end", slog.Int("utterance_end_ms", c.parent.cfg.UtteranceEndMS))
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	c.parent.lost()
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(byData)))
	return nil
}

var (
	_ capture.Source       = (*Source)(nil)
	_ capture.AudioSink    = (*Source)(nil)
	_ capture.SessionAware = (*Source)(nil)
)
