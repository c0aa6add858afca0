package runner

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestLifecycleRunnerDrainsOnContextCancel(t *testing.T) {
	var order []string
	r := NewLifecycleRunner(DrainerFunc(func(context.Context) error {
		order = append(order, "drain")
		return nil
	}), Hooks{
		OnStart: func() { order = append(order, "start") },
		OnStop:  func() { order = append(order, "stop") },
	}, time.Second)
	var banner bytes.Buffer
	r.SetBanner(&banner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("runner never reached running, state=%s", r.State())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if len(order) != 3 || order[0] != "start" || order[1] != "drain" || order[2] != "stop" {
		t.Fatalf("unexpected hook order %v", order)
	}
	if banner.Len() == 0 {
		t.Fatalf("expected banner output")
	}
}

func TestLifecycleRunnerReportsDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewLifecycleRunner(DrainerFunc(func(context.Context) error {
		<-block
		return nil
	}), Hooks{}, 10*time.Millisecond)
	r.SetBanner(nil)
	go func() { _ = r.Run(context.Background()) }()
	for r.State() != StateRunning {
		time.Sleep(time.Millisecond)
	}
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	select {
	case <-r.Done():
	default:
		t.Fatalf("expected Done closed after stop")
	}
}

func TestLifecycleRunnerPropagatesDrainError(t *testing.T) {
	boom := errors.New("boom")
	r := NewLifecycleRunner(DrainerFunc(func(context.Context) error { return boom }), Hooks{}, time.Second)
	r.SetBanner(nil)
	if err := r.Stop(); !errors.Is(err, boom) {
		t.Fatalf("expected drain error, got %v", err)
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected run after stop to fail")
	}
	if err := r.Stop(); !errors.Is(err, boom) {
		t.Fatalf("expected repeated stop to report the same error, got %v", err)
	}
}

func TestLifecycleRunnerDrainSeesDeadline(t *testing.T) {
	var sawDeadline bool
	r := NewLifecycleRunner(DrainerFunc(func(ctx context.Context) error {
		_, sawDeadline = ctx.Deadline()
		return nil
	}), Hooks{}, time.Second)
	r.SetBanner(nil)
	if err := r.Stop(); err != nil || !sawDeadline {
		t.Fatalf("expected drain context with deadline, err=%v", err)
	}
}
