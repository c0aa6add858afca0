package textnorm

import "strings"

// DefaultThreshold is the token-overlap ratio at which two questions count as
// the same ask.
const DefaultThreshold = 0.55

// DefaultMatcher uses DefaultThreshold.
var DefaultMatcher = Matcher{Threshold: DefaultThreshold}

// leadParticles are interrogative openers that do not change what is being
// asked. Stored in NormalizeForMatch form.
var leadParticles = []string{
	"هل",
	"do you",
	"did you",
	"does it",
	"are you",
	"have you",
	"is there",
}

// Matcher decides whether two question strings denote the same ask.
type Matcher struct {
	Threshold float64
}

// IsSimilar reports whether a and b are similar under DefaultMatcher.
func IsSimilar(a, b string) bool {
	return DefaultMatcher.Similar(a, b)
}

// Similar reports whether a and b are similar: either normalized string
// contains the other, or their word sets overlap by at least the threshold.
func (m Matcher) Similar(a, b string) bool {
	na := NormalizeForMatch(a)
	nb := NormalizeForMatch(b)
	if na == "" || nb == "" {
		return false
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return true
	}
	if coreContains(na, nb) {
		return true
	}
	return overlap(strings.Fields(na), strings.Fields(nb)) >= m.threshold()
}

// Overlap returns |A∩B| / max(|A|,|B|) over the word sets of a and b.
func Overlap(a, b string) float64 {
	return overlap(Tokens(a), Tokens(b))
}

func (m Matcher) threshold() float64 {
	if m.Threshold <= 0 || m.Threshold > 1 {
		return DefaultThreshold
	}
	return m.Threshold
}

func overlap(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	common := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			common++
		}
	}
	return float64(common) / float64(max(len(setA), len(setB)))
}

func toSet(words []string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

// questionCore drops one leading interrogative particle when something is left.
func questionCore(s string) string {
	for _, p := range leadParticles {
		if rest, ok := strings.CutPrefix(s, p+" "); ok && strings.TrimSpace(rest) != "" {
			return strings.TrimSpace(rest)
		}
	}
	return s
}

// coreContains matches when one side is a particle-led question whose
// remainder, at least two words long, opens the other side's core, as in
// "هل عندك سعال" and "عندك سعال من قد ايه".
func coreContains(a, b string) bool {
	return coreOpens(a, b) || coreOpens(b, a)
}

func coreOpens(q, other string) bool {
	core := questionCore(q)
	if core == q || len(strings.Fields(core)) < 2 {
		return false
	}
	rest := questionCore(other)
	return rest == core || strings.HasPrefix(rest, core+" ")
}
