package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/consulta/pkg/logging"
)

// Handler consumes events on its own goroutine.
type Handler func(env Envelope)

// Bus fans events out to subscribers. Publish never blocks: each subscriber
// has a bounded queue and events are dropped when it is full.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	buffer int
	logger *slog.Logger
	closed bool
}

type subscription struct {
	name    string
	ch      chan Envelope
	done    chan struct{}
	dropped atomic.Int64
}

func NewBus(logger *slog.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 128
	}
	return &Bus{
		subs:   make(map[int]*subscription),
		buffer: buffer,
		logger: logging.NewComponentLogger(logger, "events"),
	}
}

// Subscribe registers h and returns a function that removes it. The returned
// function waits until h has drained its queue.
func (b *Bus) Subscribe(name string, h Handler) func() {
	sub := &subscription{
		name: name,
		ch:   make(chan Envelope, b.buffer),
		done: make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		for env := range sub.ch {
			h(env)
		}
	}()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		<-sub.done
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			_, ok := b.subs[id]
			delete(b.subs, id)
			b.mu.Unlock()
			if ok {
				close(sub.ch)
			}
			<-sub.done
		})
	}
}

// Publish hands env to every subscriber.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- env:
		default:
			if n := sub.dropped.Add(1); n == 1 || n%100 == 0 {
				b.logger.Warn("event_dropped", "subscriber", sub.name, "type", env.Type, "dropped", n)
			}
		}
	}
}

// Close stops every subscriber after its queue drains.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
		<-sub.done
	}
}
