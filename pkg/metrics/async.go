package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver hands events to inner on its own goroutine so the session
// loop never waits on disk or network observers. When the queue is full
// events are dropped, except those named in keep: they wait for room so
// per-session summaries are always closed out.
type AsyncObserver struct {
	inner Observer
	keep  map[string]bool
	queue chan MetricsEvent
	stop  chan struct{}
	done  chan struct{}

	stopOnce sync.Once
	mu       sync.RWMutex
	closed   bool
	dropped  atomic.Int64
}

func NewAsyncObserver(inner Observer, buffer int, keep ...string) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner: inner,
		keep:  make(map[string]bool, len(keep)),
		queue: make(chan MetricsEvent, buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, name := range keep {
		a.keep[name] = true
	}
	go a.drain()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	if a.keep[ev.Name] {
		select {
		case a.queue <- ev:
		case <-a.stop:
		}
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped counts events discarded because the queue was full.
func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Close delivers what is queued, then returns. Later events are ignored.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.stopOnce.Do(func() { close(a.stop) })
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncObserver) drain() {
	defer close(a.done)
	for ev := range a.queue {
		a.inner.RecordEvent(ev)
	}
}
