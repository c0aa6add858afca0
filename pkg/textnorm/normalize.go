// Package textnorm canonicalizes transcript and question text for lexical
// comparison. Everything here is pure and safe for concurrent use.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const tatweel = 'ـ'

// letterFolds maps Arabic letter variants that survive mark removal to their
// base form. Hamza carriers (أ إ آ ؤ ئ) decompose under NFD and are handled by
// dropping the combining hamza.
var letterFolds = strings.NewReplacer(
	"ى", "ي",
	"ة", "ه",
	"ٱ", "ا",
)

// Normalize lowercases s, folds diacritics and letter variants to a base form,
// collapses whitespace and trims. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToLower(s)
	// transform chains carry state, so one is built per call.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.Predicate(isFoldable)), norm.NFC)
	if out, _, err := transform.String(fold, s); err == nil {
		s = out
	}
	s = letterFolds.Replace(s)
	return collapseSpaces(s)
}

// NormalizeForMatch applies Normalize and then drops every rune that is not a
// letter, a digit or whitespace.
func NormalizeForMatch(s string) string {
	s = Normalize(s)
	if s == "" {
		return ""
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, s)
	return collapseSpaces(s)
}

// Tokens returns the whitespace separated words of NormalizeForMatch(s).
func Tokens(s string) []string {
	return strings.Fields(NormalizeForMatch(s))
}

func isFoldable(r rune) bool {
	return r == tatweel || unicode.Is(unicode.Mn, r)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
