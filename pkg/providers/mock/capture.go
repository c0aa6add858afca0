package mock

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/consulta/pkg/capture"
)

// ScriptSource replays scripted lines as capture increments. Each line is
// first emitted word by word as interim text and then settled as final.
type ScriptSource struct {
	lines    []string
	interval time.Duration

	mu      sync.Mutex
	handler capture.Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScriptSource replays lines with interval between increments.
func NewScriptSource(lines []string, interval time.Duration) *ScriptSource {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	kept := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return &ScriptSource{lines: kept, interval: interval}
}

// ReadScript reads one utterance per line, skipping blanks and # comments.
func ReadScript(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

func (s *ScriptSource) Name() string { return "mock_script" }

func (s *ScriptSource) Start(ctx context.Context, h capture.Handler) error {
	if h == nil {
		return errors.New("mock: nil handler")
	}
	s.mu.Lock()
	if s.handler != nil {
		s.mu.Unlock()
		return errors.New("mock: capture already started")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.handler = h
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	h.OnEdge(true)
	go s.replay(ctx, h, done)
	return nil
}

func (s *ScriptSource) replay(ctx context.Context, h capture.Handler, done chan struct{}) {
	defer close(done)
	wait := func() bool {
		t := time.NewTimer(s.interval)
		defer t.Stop()
		select {
		case <-t.C:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for _, line := range s.lines {
		words := strings.Fields(line)
		for i := 1; i < len(words); i++ {
			if !wait() {
				return
			}
			h.OnIncrement(capture.Increment{Interim: strings.Join(words[:i], " ")})
		}
		if !wait() {
			return
		}
		h.OnIncrement(capture.Increment{Final: line})
	}
}

// Stop halts the replay and reports the inactive edge.
func (s *ScriptSource) Stop() error {
	s.mu.Lock()
	h, cancel, done := s.handler, s.cancel, s.done
	s.handler, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	cancel()
	<-done
	h.OnEdge(false)
	return nil
}

var _ capture.Source = (*ScriptSource)(nil)
