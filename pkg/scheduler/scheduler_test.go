package scheduler

import (
	"strings"
	"testing"
	"time"
)

const consult = "الحمد لله عندي سخونية وكحة من يومين. هل عندك حرارة؟"

func TestPlanSuggestRequiresTranscriptAndSnippet(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Unix(1000, 0)

	d, _ := s.PlanSuggest(Input{Combined: "كحة"}, Clock{}, now)
	if d.Action != ActionNone || d.Reason != SkipTooShort {
		t.Fatalf("expected short transcript skip, got %+v", d)
	}

	d, _ = s.PlanSuggest(Input{Combined: "............... ok"}, Clock{}, now)
	if d.Action != ActionNone || d.Reason != SkipSnippetShort {
		t.Fatalf("expected short snippet skip, got %+v", d)
	}
}

func TestPlanSuggestDedupesAndSpaces(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Unix(1000, 0)

	d, clock := s.PlanSuggest(Input{Combined: consult}, Clock{}, now)
	if d.Action != ActionSuggest {
		t.Fatalf("expected suggest, got %+v", d)
	}
	if !strings.Contains(d.Text, "هل عندك حرارة؟") {
		t.Fatalf("snippet should carry the latest sentence: %q", d.Text)
	}
	if clock.LastSuggestKey != d.Key || !clock.LastSuggestTick.Equal(now) {
		t.Fatalf("clock not advanced: %+v", clock)
	}

	d, _ = s.PlanSuggest(Input{Combined: consult}, clock, now.Add(5*time.Second))
	if d.Reason != SkipUnchanged {
		t.Fatalf("expected unchanged skip, got %+v", d)
	}

	grown := consult + " لا مفيش"
	d, same := s.PlanSuggest(Input{Combined: grown}, clock, now.Add(300*time.Millisecond))
	if d.Reason != SkipSpacing || same != clock {
		t.Fatalf("expected spacing skip with clock untouched, got %+v", d)
	}

	d, _ = s.PlanSuggest(Input{Combined: grown}, clock, now.Add(time.Second))
	if d.Action != ActionSuggest {
		t.Fatalf("expected suggest after spacing, got %+v", d)
	}
}

func TestPlanSuggestBacksOffWhenListFull(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Unix(1000, 0)
	clock := MarkSuggestionDelivered(Clock{}, now.Add(-time.Second))

	d, next := s.PlanSuggest(Input{Combined: consult, SuggestionsFull: true}, clock, now)
	if d.Action != ActionNone || d.Reason != SkipListFull {
		t.Fatalf("expected list-full skip, got %+v", d)
	}
	if next.LastSuggestKey == "" || next.LastSuggestKey != d.Key {
		t.Fatalf("list-full skip must still record the key: %+v", next)
	}

	d, _ = s.PlanSuggest(Input{Combined: consult, SuggestionsFull: true}, Clock{LastSuggestionAt: now.Add(-3 * time.Second)}, now)
	if d.Action != ActionSuggest {
		t.Fatalf("expected suggest once the cooldown passed, got %+v", d)
	}
}

func TestPlanAnalyzeGates(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Unix(1000, 0)

	d, _ := s.PlanAnalyze(Input{Combined: consult}, Clock{}, now)
	if d.Reason != SkipTooShort {
		t.Fatalf("expected short transcript skip, got %+v", d)
	}

	long := strings.Repeat(consult+" ", 3)
	d, clock := s.PlanAnalyze(Input{Combined: long}, Clock{}, now)
	if d.Action != ActionAnalyze {
		t.Fatalf("expected analyze, got %+v", d)
	}
	if !clock.LastAnalyzeAt.Equal(now) || clock.LastAnalyzeKey != d.Key {
		t.Fatalf("clock not advanced: %+v", clock)
	}

	d, _ = s.PlanAnalyze(Input{Combined: long}, clock, now.Add(time.Minute))
	if d.Reason != SkipUnchanged {
		t.Fatalf("expected unchanged skip, got %+v", d)
	}

	longer := long + " وكمان صداع"
	d, _ = s.PlanAnalyze(Input{Combined: longer}, clock, now.Add(2*time.Second))
	if d.Reason != SkipSpacing {
		t.Fatalf("expected spacing skip, got %+v", d)
	}

	d, _ = s.PlanAnalyze(Input{Combined: longer, AnalyzeInFlight: true}, clock, now.Add(11*time.Second))
	if d.Reason != SkipInFlight {
		t.Fatalf("expected in-flight skip, got %+v", d)
	}
}

func TestPlanAnalyzeBoundsPayload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnalyzePayload = 100
	s := New(cfg)
	text := strings.Repeat("ا", 500)
	d, _ := s.PlanAnalyze(Input{Combined: text}, Clock{}, time.Unix(1, 0))
	if d.Action != ActionAnalyze || len([]rune(d.Text)) != 100 {
		t.Fatalf("expected payload bounded to 100 runes, got %d", len([]rune(d.Text)))
	}
}
