package questions

import (
	"strings"
	"unicode/utf8"

	"github.com/harunnryd/consulta/pkg/speaker"
	"github.com/harunnryd/consulta/pkg/textnorm"
)

// MinQuestionLen is the shortest cleaned question worth recording.
const MinQuestionLen = 6

// AskedSet is the append-only set of questions the doctor has already asked
// during the session, stored in match form.
type AskedSet struct {
	matcher textnorm.Matcher
	order   []string
	seen    map[string]struct{}
}

// NewAskedSet returns an empty set.
func NewAskedSet(matcher textnorm.Matcher) *AskedSet {
	return &AskedSet{matcher: matcher, seen: make(map[string]struct{})}
}

// Add records q and reports whether it was new.
func (a *AskedSet) Add(q string) bool {
	key := textnorm.NormalizeForMatch(q)
	if key == "" {
		return false
	}
	if _, ok := a.seen[key]; ok {
		return false
	}
	a.seen[key] = struct{}{}
	a.order = append(a.order, key)
	return true
}

// Contains reports exact membership in match form.
func (a *AskedSet) Contains(q string) bool {
	_, ok := a.seen[textnorm.NormalizeForMatch(q)]
	return ok
}

// Similar reports whether q is similar to any asked question.
func (a *AskedSet) Similar(q string) bool {
	for _, asked := range a.order {
		if a.matcher.Similar(asked, q) {
			return true
		}
	}
	return false
}

// Items returns asked questions in the order they were captured.
func (a *AskedSet) Items() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Len returns the number of asked questions.
func (a *AskedSet) Len() int { return len(a.order) }

// Capture describes a doctor question picked up from the transcript.
type Capture struct {
	Question  string
	Retracted []string
}

// Tracker watches the latest transcript sentence for doctor questions and
// keeps the suggestion list free of anything already asked.
type Tracker struct {
	asked        *AskedSet
	suggestions  *Suggestions
	classifier   *speaker.Classifier
	lastCaptured string
}

// NewTracker wires a tracker to the session's asked set and suggestion list.
func NewTracker(asked *AskedSet, suggestions *Suggestions, classifier *speaker.Classifier) *Tracker {
	if classifier == nil {
		classifier = speaker.Default()
	}
	return &Tracker{asked: asked, suggestions: suggestions, classifier: classifier}
}

// Observe inspects the latest sentence. When it is a new doctor question the
// question is recorded and similar suggestions are retracted.
func (t *Tracker) Observe(sentence string) (Capture, bool) {
	sentence = strings.TrimSpace(sentence)
	if sentence == "" || !t.classifier.IsQuestion(sentence) {
		return Capture{}, false
	}
	if t.classifier.Classify(sentence) != speaker.Doctor {
		return Capture{}, false
	}
	cleaned := textnorm.NormalizeForMatch(sentence)
	if utf8.RuneCountInString(cleaned) < MinQuestionLen {
		return Capture{}, false
	}
	if cleaned == t.lastCaptured {
		return Capture{}, false
	}
	t.lastCaptured = cleaned
	t.asked.Add(cleaned)
	return Capture{
		Question:  cleaned,
		Retracted: t.suggestions.Retract(cleaned),
	}, true
}

// LastCaptured returns the most recent captured question in match form.
func (t *Tracker) LastCaptured() string { return t.lastCaptured }
