// Package events defines the typed session events and the bus that fans them
// out to the console, the event log and other subscribers.
package events

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeSessionStarted     Type = "session_started"
	TypeSessionStopped     Type = "session_stopped"
	TypeTranscriptChanged  Type = "transcript_changed"
	TypeQuestionAsked      Type = "question_asked"
	TypeSuggestionArrived  Type = "suggestion_arrived"
	TypeSuggestionsChanged Type = "suggestions_changed"
	TypeAnalysisUpdated    Type = "analysis_updated"
	TypeStatusChanged      Type = "status_changed"
	TypeNotice             Type = "notice"
	TypeVisitSaved         Type = "visit_saved"
)

// Envelope wraps one event payload.
type Envelope struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data,omitempty"`
}

// New stamps data with a fresh id and the current time.
func New(sessionID string, typ Type, data any) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		SessionID: sessionID,
		Time:      time.Now().UTC(),
		Data:      data,
	}
}

type SessionStarted struct {
	Capture string `json:"capture"`
}

// SessionStopped reports the end of a session. Finalized is set when the
// final analysis ran and succeeded.
type SessionStopped struct {
	Finalized  bool  `json:"finalized"`
	DurationMS int64 `json:"duration_ms"`
}

type TranscriptChanged struct {
	Final   string `json:"final"`
	Interim string `json:"interim"`
}

type QuestionAsked struct {
	Question  string   `json:"question"`
	Retracted []string `json:"retracted,omitempty"`
}

type SuggestionArrived struct {
	StreamID string `json:"stream_id"`
	Question string `json:"question"`
	Verdict  string `json:"verdict"`
	Evicted  string `json:"evicted,omitempty"`
}

type SuggestionsChanged struct {
	Items []string `json:"items"`
}

// AnalysisUpdated carries the displayed result after a merge. Mode is one
// of mid, final or audio.
type AnalysisUpdated struct {
	Mode   string `json:"mode"`
	Result any    `json:"result"`
}

type StatusChanged struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notice is a short user-visible message.
type Notice struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type VisitSaved struct {
	File string `json:"file"`
}

// Publisher accepts session events.
type Publisher interface {
	Publish(env Envelope)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(env Envelope)

func (f PublisherFunc) Publish(env Envelope) { f(env) }
