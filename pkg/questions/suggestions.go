// Package questions tracks which follow-up questions have been asked and which
// are still worth suggesting.
package questions

import (
	"strings"

	"github.com/harunnryd/consulta/pkg/textnorm"
)

// DefaultCapacity is the maximum number of suggestions shown at once.
const DefaultCapacity = 3

// Verdict explains what Offer did with a candidate question.
type Verdict int

const (
	Accepted Verdict = iota
	Empty
	AlreadyAsked
	Duplicate
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Empty:
		return "empty"
	case AlreadyAsked:
		return "already_asked"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Suggestions is an arrival-ordered, capacity-bounded list of questions with
// no two entries similar to each other. The oldest entry is evicted first.
type Suggestions struct {
	capacity int
	matcher  textnorm.Matcher
	items    []string
}

// NewSuggestions returns an empty list. capacity <= 0 selects DefaultCapacity.
func NewSuggestions(capacity int, matcher textnorm.Matcher) *Suggestions {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Suggestions{capacity: capacity, matcher: matcher}
}

// Offer folds q into the list. q is rejected when empty, similar to an asked
// question, or similar to an entry already listed. On acceptance the evicted
// entry, if any, is returned.
func (s *Suggestions) Offer(q string, asked *AskedSet) (Verdict, string) {
	q = strings.TrimSpace(q)
	if q == "" || textnorm.NormalizeForMatch(q) == "" {
		return Empty, ""
	}
	if asked != nil && asked.Similar(q) {
		return AlreadyAsked, ""
	}
	for _, existing := range s.items {
		if s.matcher.Similar(existing, q) {
			return Duplicate, ""
		}
	}
	s.items = append(s.items, q)
	var evicted string
	for len(s.items) > s.capacity {
		evicted = s.items[0]
		s.items = s.items[1:]
	}
	return Accepted, evicted
}

// Retract removes every entry similar to q and returns the removed entries.
func (s *Suggestions) Retract(q string) []string {
	var removed []string
	kept := s.items[:0]
	for _, item := range s.items {
		if s.matcher.Similar(item, q) {
			removed = append(removed, item)
			continue
		}
		kept = append(kept, item)
	}
	s.items = kept
	return removed
}

// Replace resets the list to qs, applying the same rules as Offer.
func (s *Suggestions) Replace(qs []string, asked *AskedSet) {
	s.items = nil
	for _, q := range qs {
		s.Offer(q, asked)
	}
}

// Items returns a copy of the current entries, oldest first.
func (s *Suggestions) Items() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of entries.
func (s *Suggestions) Len() int { return len(s.items) }

// Capacity returns the configured bound.
func (s *Suggestions) Capacity() int { return s.capacity }

// Full reports whether the list is at capacity.
func (s *Suggestions) Full() bool { return len(s.items) >= s.capacity }
