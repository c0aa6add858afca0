package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/consulta/pkg/analysis"
	"github.com/harunnryd/consulta/pkg/questions"
	"github.com/harunnryd/consulta/pkg/scheduler"
	"github.com/harunnryd/consulta/pkg/speaker"
	"github.com/harunnryd/consulta/pkg/suggest"
	"github.com/harunnryd/consulta/pkg/textnorm"
	"github.com/harunnryd/consulta/pkg/transcript"
)

// Status is the user-facing progress indicator.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusAnalyzing Status = "analyzing"
	StatusReady     Status = "ready"
)

// Phase is the session lifecycle position.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseLive       Phase = "live"
	PhaseFinalizing Phase = "finalizing"
	PhaseStopped    Phase = "stopped"
)

// State is everything one consultation owns. It is rebuilt on every Start and
// only touched by the controller loop.
type State struct {
	ID        string
	Phase     Phase
	Status    Status
	Capturing bool
	StartedAt time.Time

	Buffer      *transcript.Buffer
	Asked       *questions.AskedSet
	Suggestions *questions.Suggestions
	Tracker     *questions.Tracker
	Clock       scheduler.Clock
	Result      analysis.Result

	ActiveStream    suggest.StreamID
	AnalyzeInFlight uint64
	analyzeCancel   context.CancelFunc
}

func newState(capacity int, matcher textnorm.Matcher, classifier *speaker.Classifier) *State {
	asked := questions.NewAskedSet(matcher)
	list := questions.NewSuggestions(capacity, matcher)
	return &State{
		ID:          uuid.NewString(),
		Phase:       PhaseIdle,
		Status:      StatusIdle,
		Buffer:      transcript.New(),
		Asked:       asked,
		Suggestions: list,
		Tracker:     questions.NewTracker(asked, list, classifier),
	}
}

func (s *State) input() scheduler.Input {
	return scheduler.Input{
		Combined:        s.Buffer.Combined(),
		SuggestionsFull: s.Suggestions.Full(),
		AnalyzeInFlight: s.AnalyzeInFlight != 0,
	}
}

func (s *State) cancelAnalyze() {
	if s.analyzeCancel != nil {
		s.analyzeCancel()
		s.analyzeCancel = nil
	}
}

// View is a read-only copy of the session for callers outside the loop.
type View struct {
	SessionID       string          `json:"session_id"`
	Phase           Phase           `json:"phase"`
	Status          Status          `json:"status"`
	Capturing       bool            `json:"capturing"`
	Final           string          `json:"final"`
	Interim         string          `json:"interim"`
	Suggestions     []string        `json:"suggestions"`
	Asked           []string        `json:"asked"`
	StreamActive    bool            `json:"stream_active"`
	AnalyzeInFlight bool            `json:"analyze_in_flight"`
	Result          analysis.Result `json:"result"`
	Medications     []string        `json:"medications"`
}

func (s *State) view() View {
	return View{
		SessionID:       s.ID,
		Phase:           s.Phase,
		Status:          s.Status,
		Capturing:       s.Capturing,
		Final:           s.Buffer.Final(),
		Interim:         s.Buffer.Interim(),
		Suggestions:     s.Suggestions.Items(),
		Asked:           s.Asked.Items(),
		StreamActive:    s.ActiveStream != 0,
		AnalyzeInFlight: s.AnalyzeInFlight != 0,
		Result:          s.Result.Clone(),
		Medications:     s.Result.Medications(),
	}
}
