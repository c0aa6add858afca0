package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var ErrDrainTimeout = errors.New("runner: drain timeout")

// LifecycleRunner moves an engine through new, starting, running, draining
// and stopped. Draining is bounded by timeout: the drainer gets a context
// that expires with it, and OnStop runs whether or not the drain finished.
type LifecycleRunner struct {
	hooks   Hooks
	drainer Drainer
	timeout time.Duration
	banner  io.Writer

	state    atomic.Int32
	stopReq  chan struct{}
	reqOnce  sync.Once
	stopOnce sync.Once
	stopped  chan struct{}
	stopErr  error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		banner:  os.Stdout,
		stopReq: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// SetBanner redirects the startup banner. A nil writer disables it.
func (r *LifecycleRunner) SetBanner(w io.Writer) {
	r.banner = w
}

// Run blocks until ctx is done or Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return fmt.Errorf("runner: cannot run from state %s", r.State())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if r.banner != nil {
		PrintBanner(r.banner)
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
	select {
	case <-ctx.Done():
	case <-r.stopReq:
	}
	return r.shutdown()
}

// Stop requests shutdown and waits for the drain. It is safe to call more
// than once and before Run.
func (r *LifecycleRunner) Stop() error {
	r.reqOnce.Do(func() { close(r.stopReq) })
	return r.shutdown()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

// Done is closed once the runner reaches StateStopped.
func (r *LifecycleRunner) Done() <-chan struct{} {
	return r.stopped
}

func (r *LifecycleRunner) shutdown() error {
	r.stopOnce.Do(func() {
		defer close(r.stopped)
		r.state.Store(int32(StateDraining))
		r.stopErr = r.drain()
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))
	})
	<-r.stopped
	return r.stopErr
}

func (r *LifecycleRunner) drain() error {
	if r.drainer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- r.drainer.Drain(ctx) }()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ErrDrainTimeout
	}
}
