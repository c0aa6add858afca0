// Package speaker guesses who said a transcript sentence. The guess is a
// lexical heuristic with no ground truth behind it; callers treat the result
// as a hint, never as a fact.
package speaker

import (
	"strings"

	"github.com/harunnryd/consulta/pkg/textnorm"
)

// Tag identifies the likely speaker of a sentence.
type Tag int

const (
	Patient Tag = iota
	Doctor
)

func (t Tag) String() string {
	switch t {
	case Doctor:
		return "doctor"
	case Patient:
		return "patient"
	default:
		return "unknown"
	}
}

// Signals lists the phrases used by a Classifier. Entries may be multi-word and
// are normalized on construction.
type Signals struct {
	Doctor         []string
	Patient        []string
	Interrogatives []string
}

// DefaultSignals covers Egyptian Arabic and English clinic speech.
var DefaultSignals = Signals{
	Doctor: []string{
		"عندك", "بتحس", "بتحسي", "فيه", "هل", "امتى", "فين", "كام", "قد ايه", "ممكن",
		"قولي", "خدت", "بتاخد", "ضغط", "سكر", "حرارة", "سخونية", "نهجان", "وجع صدر",
		"do you", "did you", "have you", "are you", "any", "how long", "how often",
		"when did", "where", "blood pressure", "medication", "medications", "taking",
	},
	Patient: []string{
		"انا", "عندي", "حاسس", "حاسة", "تعبان", "موجوع", "واجعني", "بتوجعني", "كحة",
		"بلغم", "زوري", "حلق", "سخونية", "حرارة", "صداع", "دوخة", "ترجيع", "اسهال", "نهجان",
		"i", "im", "ive", "my", "me", "hurts", "hurting", "cough", "coughing",
		"headache", "dizzy", "nauseous", "vomiting", "diarrhea", "tired",
	},
	Interrogatives: []string{
		"هل", "متى", "امتى", "فين", "اين", "كام", "كيف", "ازاي", "ليه", "لماذا", "عندك", "فيه",
		"do", "does", "did", "are", "is", "have", "has", "when", "where", "how", "what",
		"why", "which", "any", "can", "could",
	},
}

// Classifier tags sentences as doctor or patient speech.
type Classifier struct {
	doctor         phraseSet
	patient        phraseSet
	interrogatives phraseSet

	// AmbiguousQuestion is returned for question-form sentences that carry
	// both doctor and patient signals.
	AmbiguousQuestion Tag
}

// New builds a classifier from s.
func New(s Signals) *Classifier {
	return &Classifier{
		doctor:            newPhraseSet(s.Doctor),
		patient:           newPhraseSet(s.Patient),
		interrogatives:    newPhraseSet(s.Interrogatives),
		AmbiguousQuestion: Doctor,
	}
}

var defaultClassifier = New(DefaultSignals)

// Default returns the shared classifier built from DefaultSignals.
func Default() *Classifier { return defaultClassifier }

// Classify tags sentence using the default classifier.
func Classify(sentence string) Tag { return defaultClassifier.Classify(sentence) }

// IsQuestion reports question form using the default classifier.
func IsQuestion(sentence string) bool { return defaultClassifier.IsQuestion(sentence) }

// Classify applies, in order: question without patient signal is doctor;
// patient signal without doctor signal is patient; any remaining question
// gets AmbiguousQuestion; everything else is patient.
func (c *Classifier) Classify(sentence string) Tag {
	tokens := textnorm.Tokens(sentence)
	question := c.isQuestion(sentence, tokens)
	doctorHit := c.doctor.matchAny(tokens)
	patientHit := c.patient.matchAny(tokens)

	switch {
	case question && !patientHit:
		return Doctor
	case patientHit && !doctorHit:
		return Patient
	case question:
		return c.AmbiguousQuestion
	default:
		return Patient
	}
}

// IsQuestion reports whether sentence carries a question mark or opens with an
// interrogative word.
func (c *Classifier) IsQuestion(sentence string) bool {
	return c.isQuestion(sentence, textnorm.Tokens(sentence))
}

func (c *Classifier) isQuestion(raw string, tokens []string) bool {
	if strings.ContainsAny(raw, "?؟") {
		return true
	}
	return c.interrogatives.matchPrefix(tokens)
}

type phraseSet struct {
	words   map[string]struct{}
	phrases [][]string
}

func newPhraseSet(list []string) phraseSet {
	ps := phraseSet{words: make(map[string]struct{}, len(list))}
	for _, entry := range list {
		tokens := textnorm.Tokens(entry)
		switch len(tokens) {
		case 0:
		case 1:
			ps.words[tokens[0]] = struct{}{}
		default:
			ps.phrases = append(ps.phrases, tokens)
		}
	}
	return ps
}

func (p phraseSet) matchAny(tokens []string) bool {
	for _, tok := range tokens {
		if _, ok := p.words[tok]; ok {
			return true
		}
	}
	for _, phrase := range p.phrases {
		for i := 0; i+len(phrase) <= len(tokens); i++ {
			if equalTokens(tokens[i:i+len(phrase)], phrase) {
				return true
			}
		}
	}
	return false
}

func (p phraseSet) matchPrefix(tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	if _, ok := p.words[tokens[0]]; ok {
		return true
	}
	for _, phrase := range p.phrases {
		if len(phrase) <= len(tokens) && equalTokens(tokens[:len(phrase)], phrase) {
			return true
		}
	}
	return false
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
