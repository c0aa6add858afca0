package textnorm

import "testing"

var samples = []string{
	"",
	"   ",
	"هل عندك حرارة؟",
	"أنا عندي سُخُونِيَّة وكحّة",
	"إمتى بدأ الوجع؟  ",
	"مستشفى الجامعة",
	"سـلام",
	"مسؤول عن الدوائر",
	"Do you have a FEVER?",
	"Café   résumé\tnaïve",
	"İstanbul",
	"!!!",
	"ضغط 120/80 و سكر ١٥٠",
}

func TestNormalizeFoldsArabicVariants(t *testing.T) {
	cases := map[string]string{
		"هل عندك حرارة؟":           "هل عندك حراره؟",
		"أنا عندي سُخُونِيَّة وكحّة": "انا عندي سخونيه وكحه",
		"إمتى":                     "امتي",
		"مستشفى":                   "مستشفي",
		"سـلام":                    "سلام",
		"مسؤول":                    "مسوول",
		"آسف":                      "اسف",
		"قائمة":                    "قايمه",
		"  Do   You\nHave  ":       "do you have",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, s := range samples {
		once := Normalize(s)
		if twice := Normalize(once); twice != once {
			t.Fatalf("not idempotent for %q: %q vs %q", s, once, twice)
		}
		m := NormalizeForMatch(s)
		if again := NormalizeForMatch(m); again != m {
			t.Fatalf("match form not idempotent for %q: %q vs %q", s, m, again)
		}
	}
}

func TestNormalizeForMatchStripsPunctuation(t *testing.T) {
	if got := NormalizeForMatch("هل عندك حرارة؟"); got != "هل عندك حراره" {
		t.Fatalf("unexpected match form %q", got)
	}
	if got := NormalizeForMatch("!!!"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := NormalizeForMatch("Any chest-pain, today?"); got != "any chestpain today" {
		t.Fatalf("unexpected match form %q", got)
	}
}

func TestIsSimilarSymmetricAndReflexive(t *testing.T) {
	for _, a := range samples {
		if NormalizeForMatch(a) != "" && !IsSimilar(a, a) {
			t.Fatalf("expected %q similar to itself", a)
		}
		for _, b := range samples {
			if IsSimilar(a, b) != IsSimilar(b, a) {
				t.Fatalf("asymmetric for %q / %q", a, b)
			}
		}
	}
}

func TestIsSimilarEmptyNeverMatches(t *testing.T) {
	if IsSimilar("", "") || IsSimilar("؟؟", "هل عندك حرارة") {
		t.Fatalf("empty input must not be similar")
	}
}

func TestIsSimilarRephrasedQuestion(t *testing.T) {
	if !IsSimilar("هل عندك سعال؟", "عندك سعال من قد ايه؟") {
		t.Fatalf("expected rephrased cough question to match")
	}
	if !IsSimilar("هل عندك حراره", "عندك حرارة؟") {
		t.Fatalf("expected containment match")
	}
	if IsSimilar("هل عندك سعال؟", "بتاخد أدوية ضغط؟") {
		t.Fatalf("unrelated questions matched")
	}
	if IsSimilar("هل عندك؟", "عندك صداع من امتى") {
		t.Fatalf("single-word core should not swallow other questions")
	}
}

func TestIsSimilarCoreMustOpenTheOtherQuestion(t *testing.T) {
	if !IsSimilar("do you have a fever", "have a fever since monday") {
		t.Fatalf("expected core at the start to match")
	}
	if IsSimilar("do you have a fever", "i think i have a fever since monday") {
		t.Fatalf("core in the middle of a statement should not match")
	}
	if IsSimilar("do you have a fever", "have a feverish feeling") {
		t.Fatalf("core must end on a word boundary")
	}
}

func TestOverlapThreshold(t *testing.T) {
	a := "when did the pain start"
	b := "when did the headache start"
	if got := Overlap(a, b); got != 0.8 {
		t.Fatalf("expected overlap 0.8, got %v", got)
	}
	strict := Matcher{Threshold: 0.9}
	if strict.Similar(a, b) {
		t.Fatalf("expected strict matcher to reject")
	}
	if !IsSimilar(a, b) {
		t.Fatalf("expected default matcher to accept")
	}
}
