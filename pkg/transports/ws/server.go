// Package ws serves the clinician console: a websocket carrying session
// commands, transcript increments and raw audio in, and session events out,
// plus a few plain HTTP endpoints.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/consulta/pkg/analysis"
	"github.com/harunnryd/consulta/pkg/capture"
	"github.com/harunnryd/consulta/pkg/errorsx"
	"github.com/harunnryd/consulta/pkg/events"
	"github.com/harunnryd/consulta/pkg/logging"
	"github.com/harunnryd/consulta/pkg/session"
)

const maxAudioUpload = 64 << 20

type Config struct {
	ServerAddr     string        `mapstructure:"server_addr"`
	WebsocketPath  string        `mapstructure:"ws_path"`
	AllowAnyOrigin bool          `mapstructure:"allow_any_origin"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SendBuffer     int           `mapstructure:"send_buffer"`

	Logger   *slog.Logger        `mapstructure:"-"`
	Gatherer prometheus.Gatherer `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Controller is the session surface the console drives. *session.Controller
// implements it.
type Controller interface {
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context) error
	Save(ctx context.Context) (analysis.Receipt, error)
	Snapshot(ctx context.Context) (session.View, error)
	Increment(ctx context.Context, final, interim string) error
	CaptureEdge(ctx context.Context, active bool) error
	AnalyzeAudio(ctx context.Context, filename string, audio io.Reader) (analysis.Result, error)
	Capture() capture.Source
}

// EventSource fans session events out. *events.Bus implements it.
type EventSource interface {
	Subscribe(name string, h events.Handler) func()
}

// Message is one console command.
type Message struct {
	Type    string `json:"type"`
	Final   string `json:"final,omitempty"`
	Interim string `json:"interim,omitempty"`
	Active  *bool  `json:"active,omitempty"`
}

const (
	OpStart     = "start"
	OpStop      = "stop"
	OpSave      = "save"
	OpIncrement = "increment"
	OpEdge      = "edge"
	OpSnapshot  = "snapshot"
)

// Reply answers one command. Events are sent as plain envelopes; replies
// always carry type "reply".
type Reply struct {
	Type      string `json:"type"`
	Op        string `json:"op"`
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type Server struct {
	cfg      Config
	ctl      Controller
	events   EventSource
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
	mux      *http.ServeMux

	mu      sync.Mutex
	clients map[*client]struct{}

	draining atomic.Bool
}

func New(cfg Config, ctl Controller, source EventSource) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:    cfg,
		ctl:    ctl,
		events: source,
		logger: logging.NewComponentLogger(cfg.Logger, "ws_transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients: make(map[*client]struct{}),
	}
	s.upgrader.CheckOrigin = s.checkOrigin

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.WebsocketPath, s.handleWS)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/session", s.handleSnapshot)
	mux.HandleFunc("POST /api/audio", s.handleAudio)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	s.mux = mux
	return s
}

func (s *Server) Name() string { return "ws" }

// Handler exposes the routes without starting a listener.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) ReadyFields() map[string]any {
	addr := s.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return map[string]any{
		"console_url": "ws://" + addr + s.cfg.WebsocketPath,
		"health_url":  "http://" + addr + "/health",
	}
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.server = &http.Server{
		Addr:              s.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.mux,
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ws_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (s *Server) Stop() error {
	s.draining.Store(true)
	if s.server != nil {
		_ = s.server.Close()
	}
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()
	for c := range clients {
		_ = c.close()
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, sendCh: make(chan []byte, s.cfg.SendBuffer), timeout: s.cfg.WriteTimeout}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	go c.loop()

	unsubscribe := func() {}
	if s.events != nil {
		unsubscribe = s.events.Subscribe("ws_client", func(env events.Envelope) {
			_ = c.enqueue(env)
		})
	}
	s.logger.Info("ws_client_connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if kind == websocket.BinaryMessage {
			s.handleAudioChunk(c, msg)
			continue
		}
		var m Message
		if err := json.Unmarshal(msg, &m); err != nil {
			_ = c.enqueue(Reply{Type: "reply", Op: "unknown", Error: "malformed message"})
			continue
		}
		s.dispatch(ctx, c, m)
	}

	unsubscribe()
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	_ = c.close()
	s.logger.Info("ws_client_disconnected", "remote", r.RemoteAddr)
}

func (s *Server) dispatch(ctx context.Context, c *client, m Message) {
	switch m.Type {
	case OpStart:
		id, err := s.ctl.Start(ctx)
		_ = c.enqueue(reply(OpStart, id, nil, err))
	case OpStop:
		// Stop waits for the final analysis; keep reading meanwhile.
		go func() {
			err := s.ctl.Stop(context.WithoutCancel(ctx))
			_ = c.enqueue(reply(OpStop, "", nil, err))
		}()
	case OpSave:
		go func() {
			receipt, err := s.ctl.Save(context.WithoutCancel(ctx))
			var data any
			if err == nil {
				data = receipt
			}
			_ = c.enqueue(reply(OpSave, "", data, err))
		}()
	case OpIncrement:
		err := s.ctl.Increment(ctx, m.Final, m.Interim)
		if err != nil {
			_ = c.enqueue(reply(OpIncrement, "", nil, err))
		}
	case OpEdge:
		if m.Active == nil {
			_ = c.enqueue(Reply{Type: "reply", Op: OpEdge, Error: "active required"})
			return
		}
		_ = c.enqueue(reply(OpEdge, "", nil, s.ctl.CaptureEdge(ctx, *m.Active)))
	case OpSnapshot:
		view, err := s.ctl.Snapshot(ctx)
		var data any
		if err == nil {
			data = view
		}
		_ = c.enqueue(reply(OpSnapshot, view.SessionID, data, err))
	default:
		_ = c.enqueue(Reply{Type: "reply", Op: m.Type, Error: "unknown command"})
	}
}

func (s *Server) handleAudioChunk(c *client, chunk []byte) {
	sink, ok := s.ctl.Capture().(capture.AudioSink)
	if !ok {
		_ = c.enqueue(Reply{Type: "reply", Op: "audio", Error: "capture source does not accept audio"})
		return
	}
	if err := sink.SendAudio(chunk); err != nil {
		s.logger.Debug("ws_audio_dropped", "bytes", len(chunk), "error", err.Error())
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	view, err := s.ctl.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "missing file"})
		return
	}
	defer file.Close()
	res, err := s.ctl.AnalyzeAudio(r.Context(), header.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.EqualFold(a, origin) {
			return true
		}
		host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

func reply(op, sessionID string, data any, err error) Reply {
	out := Reply{Type: "reply", Op: op, OK: err == nil, SessionID: sessionID, Data: data}
	if err != nil {
		out.Error = err.Error()
		if reason := errorsx.Reason(err); reason != errorsx.ReasonUnknown {
			out.Reason = string(reason)
		}
	}
	return out
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, session.ErrAlreadyRunning), errors.Is(err, session.ErrNotRunning):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNoAnalyzer):
		status = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type client struct {
	conn    *websocket.Conn
	sendCh  chan []byte
	timeout time.Duration
	mu      sync.Mutex
	closed  atomic.Bool
}

// enqueue drops the message when the client is slow or gone.
func (c *client) enqueue(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return errorsx.New(errorsx.ReasonTransportSend, "ws: client closed")
	}
	select {
	case c.sendCh <- b:
	default:
	}
	return nil
}

func (c *client) loop() {
	for msg := range c.sendCh {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() error {
	c.mu.Lock()
	if c.closed.CompareAndSwap(false, true) {
		close(c.sendCh)
	}
	c.mu.Unlock()
	return c.conn.Close()
}
