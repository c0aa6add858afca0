// Package transcript accumulates the live capture text of one consultation.
package transcript

import (
	"strings"
	"unicode/utf8"
)

const (
	// SentenceWindow is how far back LatestSentence looks.
	SentenceWindow = 500
	// SnippetWindow is how far back RecentSnippet looks.
	SnippetWindow = 1200
	// SnippetSegments is the number of trailing segments RecentSnippet joins.
	SnippetSegments = 2
)

// Buffer holds settled final text plus the current interim text. Final text
// only grows; interim text is replaced by every increment. Buffer is not safe
// for concurrent use; the session loop owns it.
type Buffer struct {
	final   strings.Builder
	interim string
	changes int
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append adds a settled chunk and replaces the interim text. It reports
// whether the combined text changed.
func (b *Buffer) Append(finalChunk, interimChunk string) bool {
	before := b.Combined()
	if chunk := strings.TrimSpace(finalChunk); chunk != "" {
		if b.final.Len() > 0 {
			b.final.WriteByte(' ')
		}
		b.final.WriteString(chunk)
	}
	b.interim = strings.TrimSpace(interimChunk)
	changed := b.Combined() != before
	if changed {
		b.changes++
	}
	return changed
}

// ClearInterim drops pending interim text, as when capture ends.
func (b *Buffer) ClearInterim() {
	b.interim = ""
}

// Final returns the settled transcript.
func (b *Buffer) Final() string { return b.final.String() }

// Interim returns the revisable tail.
func (b *Buffer) Interim() string { return b.interim }

// Changes counts Append calls that altered the combined text.
func (b *Buffer) Changes() int { return b.changes }

// Combined joins final and interim text.
func (b *Buffer) Combined() string {
	final := b.final.String()
	switch {
	case final == "":
		return b.interim
	case b.interim == "":
		return final
	default:
		return final + " " + b.interim
	}
}

// Len returns the combined length in runes.
func (b *Buffer) Len() int {
	return utf8.RuneCountInString(b.Combined())
}

// Tail returns the last n runes of the combined text.
func (b *Buffer) Tail(n int) string {
	return Tail(b.Combined(), n)
}

// LatestSentence returns the last non-empty sentence of the trailing window.
func (b *Buffer) LatestSentence() (string, bool) {
	return LatestSentence(b.Combined())
}

// RecentSnippet joins the last two sentences of the trailing window, clipped
// to maxChars from the end.
func (b *Buffer) RecentSnippet(maxChars int) string {
	return RecentSnippet(b.Combined(), maxChars)
}

// Tail returns the last n runes of s.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	count := utf8.RuneCountInString(s)
	if count <= n {
		return s
	}
	skip := count - n
	for i := range s {
		if skip == 0 {
			return s[i:]
		}
		skip--
	}
	return ""
}

// LatestSentence returns the last sentence of the trailing SentenceWindow
// runes of text.
func LatestSentence(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	parts := Sentences(Tail(text, SentenceWindow))
	if len(parts) == 0 {
		return "", false
	}
	return parts[len(parts)-1], true
}

// RecentSnippet returns the last SnippetSegments sentences of the trailing
// SnippetWindow runes joined by " . ", clipped to maxChars from the end.
func RecentSnippet(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	parts := Sentences(Tail(text, SnippetWindow))
	if len(parts) > SnippetSegments {
		parts = parts[len(parts)-SnippetSegments:]
	}
	return strings.TrimSpace(Tail(strings.Join(parts, " . "), maxChars))
}

// Sentences splits text on newlines, '.', '!' and the Arabic semicolon.
// Question marks close a sentence but stay attached to it.
func Sentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, r := range text {
		switch r {
		case '\n', '\r', '.', '!', '؛':
			flush()
		case '?', '؟':
			if strings.TrimSpace(cur.String()) == "" && len(out) > 0 {
				out[len(out)-1] += string(r)
				cur.Reset()
				continue
			}
			cur.WriteRune(r)
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
