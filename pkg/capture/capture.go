// Package capture defines the speech capture collaborator: a source of final
// and interim transcript increments plus session edges.
package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/consulta/pkg/errorsx"
)

// ErrUnavailable is returned by Start when the capture device is missing or
// permission was denied.
var ErrUnavailable = errorsx.New(errorsx.ReasonCaptureUnavailable, "capture unavailable")

// Increment is one capture callback: settled text and the current interim
// hypothesis, either of which may be empty.
type Increment struct {
	Final   string `json:"final"`
	Interim string `json:"interim"`
}

// Handler receives capture callbacks.
type Handler interface {
	OnIncrement(inc Increment)
	OnEdge(active bool)
}

// Source produces increments for one session at a time.
type Source interface {
	Name() string
	Start(ctx context.Context, h Handler) error
	Stop() error
}

// SessionAware sources are told which session they capture for, so their
// metrics and logs can be correlated.
type SessionAware interface {
	SetSession(sessionID string)
}

// AudioSink accepts raw audio for sources that transcribe it.
type AudioSink interface {
	SendAudio(chunk []byte) error
}

// PushSource is fed by an external producer, such as a browser running its
// own speech recognition. Push calls between Start and Stop are forwarded.
type PushSource struct {
	name string

	mu      sync.Mutex
	handler Handler
}

func NewPushSource(name string) *PushSource {
	if name == "" {
		name = "push"
	}
	return &PushSource{name: name}
}

func (p *PushSource) Name() string { return p.name }

func (p *PushSource) Start(_ context.Context, h Handler) error {
	if h == nil {
		return errors.New("capture: nil handler")
	}
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
	h.OnEdge(true)
	return nil
}

func (p *PushSource) Stop() error {
	p.mu.Lock()
	h := p.handler
	p.handler = nil
	p.mu.Unlock()
	if h != nil {
		h.OnEdge(false)
	}
	return nil
}

// Push forwards an increment and reports whether a session was listening.
func (p *PushSource) Push(inc Increment) bool {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return false
	}
	h.OnIncrement(inc)
	return true
}

// Active reports whether Start has been called without a matching Stop.
func (p *PushSource) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler != nil
}
