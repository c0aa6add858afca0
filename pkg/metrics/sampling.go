package metrics

import (
	"math"
	"sync"
)

// SamplingObserver thins out chatty events such as scheduler tick skips.
// Each sampled name keeps its own counter, so a burst of one event does not
// starve another. Names outside the list pass through; with no names every
// event is sampled.
type SamplingObserver struct {
	inner Observer
	every int // 0 drops every sampled event
	names map[string]bool

	mu     sync.Mutex
	counts map[string]int
}

func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	s := &SamplingObserver{inner: inner, counts: make(map[string]int)}
	switch {
	case rate >= 1:
		s.every = 1
	case rate > 0:
		s.every = max(1, int(math.Round(1/rate)))
	}
	if len(names) > 0 {
		s.names = make(map[string]bool, len(names))
		for _, n := range names {
			s.names[n] = true
		}
	}
	return s
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.names != nil && !s.names[ev.Name] {
		s.inner.RecordEvent(ev)
		return
	}
	if s.every == 0 {
		return
	}
	s.mu.Lock()
	s.counts[ev.Name]++
	keep := s.counts[ev.Name]%s.every == 0
	s.mu.Unlock()
	if keep {
		s.inner.RecordEvent(ev)
	}
}
