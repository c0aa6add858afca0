// Package scheduler decides, given the transcript and the session clock,
// whether a live suggestion request or a mid-conversation analysis is due.
// Planners are pure: they return a decision and the updated clock and leave
// acting on it to the caller.
package scheduler

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harunnryd/consulta/pkg/textnorm"
	"github.com/harunnryd/consulta/pkg/transcript"
)

// Config holds the scheduling thresholds. Character counts are runes.
type Config struct {
	MinTranscript    int           `mapstructure:"min_transcript" validate:"gte=0"`
	SnippetChars     int           `mapstructure:"snippet_chars" validate:"gt=0"`
	MinSnippet       int           `mapstructure:"min_snippet" validate:"gte=0"`
	SuggestSpacing   time.Duration `mapstructure:"suggest_spacing"`
	FullListCooldown time.Duration `mapstructure:"full_list_cooldown"`
	MinAnalyzeChars  int           `mapstructure:"min_analyze_chars" validate:"gte=0"`
	AnalyzePayload   int           `mapstructure:"analyze_payload" validate:"gt=0"`
	AnalyzeKeyChars  int           `mapstructure:"analyze_key_chars" validate:"gt=0"`
	AnalyzeSpacing   time.Duration `mapstructure:"analyze_spacing"`
}

// DefaultConfig returns the thresholds used in live sessions.
func DefaultConfig() Config {
	return Config{
		MinTranscript:    15,
		SnippetChars:     240,
		MinSnippet:       10,
		SuggestSpacing:   900 * time.Millisecond,
		FullListCooldown: 1800 * time.Millisecond,
		MinAnalyzeChars:  80,
		AnalyzePayload:   1800,
		AnalyzeKeyChars:  700,
		AnalyzeSpacing:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SnippetChars <= 0 {
		c.SnippetChars = d.SnippetChars
	}
	if c.AnalyzePayload <= 0 {
		c.AnalyzePayload = d.AnalyzePayload
	}
	if c.AnalyzeKeyChars <= 0 {
		c.AnalyzeKeyChars = d.AnalyzeKeyChars
	}
	return c
}

// Clock holds the rate-limit markers of one session. The zero value is a
// fresh session.
type Clock struct {
	LastSuggestTick  time.Time
	LastSuggestionAt time.Time
	LastAnalyzeAt    time.Time
	LastSuggestKey   string
	LastAnalyzeKey   string
}

// Input is the slice of session state the planners look at.
type Input struct {
	Combined        string
	SuggestionsFull bool
	AnalyzeInFlight bool
}

type Action int

const (
	ActionNone Action = iota
	ActionSuggest
	ActionAnalyze
)

func (a Action) String() string {
	switch a {
	case ActionSuggest:
		return "suggest"
	case ActionAnalyze:
		return "analyze"
	default:
		return "none"
	}
}

// Skip reasons reported with ActionNone.
const (
	SkipTooShort     = "transcript_too_short"
	SkipSnippetShort = "snippet_too_short"
	SkipUnchanged    = "unchanged"
	SkipSpacing      = "spacing"
	SkipListFull     = "list_full"
	SkipInFlight     = "in_flight"
)

// Decision is the outcome of one planning step. Text carries the snippet or
// analysis payload to send.
type Decision struct {
	Action Action
	Text   string
	Key    string
	Reason string
}

// Scheduler wraps a Config.
type Scheduler struct {
	cfg Config
}

// New returns a scheduler using cfg.
func New(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg.withDefaults()}
}

// Config returns the active thresholds.
func (s *Scheduler) Config() Config { return s.cfg }

// PlanSuggest decides whether to open a new suggestion stream.
func (s *Scheduler) PlanSuggest(in Input, clock Clock, now time.Time) (Decision, Clock) {
	full := strings.TrimSpace(in.Combined)
	if utf8.RuneCountInString(full) < s.cfg.MinTranscript {
		return skip(SkipTooShort), clock
	}
	snippet := transcript.RecentSnippet(full, s.cfg.SnippetChars)
	if utf8.RuneCountInString(snippet) < s.cfg.MinSnippet {
		return skip(SkipSnippetShort), clock
	}
	key := textnorm.Normalize(snippet)
	if key == clock.LastSuggestKey {
		return skip(SkipUnchanged), clock
	}
	if !clock.LastSuggestTick.IsZero() && now.Sub(clock.LastSuggestTick) < s.cfg.SuggestSpacing {
		return skip(SkipSpacing), clock
	}
	clock.LastSuggestTick = now
	clock.LastSuggestKey = key
	if in.SuggestionsFull && !clock.LastSuggestionAt.IsZero() && now.Sub(clock.LastSuggestionAt) < s.cfg.FullListCooldown {
		d := skip(SkipListFull)
		d.Key = key
		return d, clock
	}
	return Decision{Action: ActionSuggest, Text: snippet, Key: key}, clock
}

// PlanAnalyze decides whether to issue a mid-conversation analysis.
func (s *Scheduler) PlanAnalyze(in Input, clock Clock, now time.Time) (Decision, Clock) {
	full := strings.TrimSpace(in.Combined)
	if utf8.RuneCountInString(full) < s.cfg.MinAnalyzeChars {
		return skip(SkipTooShort), clock
	}
	payload := transcript.Tail(full, s.cfg.AnalyzePayload)
	key := transcript.Tail(textnorm.Normalize(payload), s.cfg.AnalyzeKeyChars)
	if key == clock.LastAnalyzeKey {
		return skip(SkipUnchanged), clock
	}
	if !clock.LastAnalyzeAt.IsZero() && now.Sub(clock.LastAnalyzeAt) < s.cfg.AnalyzeSpacing {
		return skip(SkipSpacing), clock
	}
	if in.AnalyzeInFlight {
		return skip(SkipInFlight), clock
	}
	clock.LastAnalyzeAt = now
	clock.LastAnalyzeKey = key
	return Decision{Action: ActionAnalyze, Text: payload, Key: key}, clock
}

// MarkSuggestionDelivered records that a suggestion reached the list.
func MarkSuggestionDelivered(clock Clock, now time.Time) Clock {
	clock.LastSuggestionAt = now
	return clock
}

func skip(reason string) Decision {
	return Decision{Action: ActionNone, Reason: reason}
}
