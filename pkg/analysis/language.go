package analysis

import "unicode"

type Language string

const (
	LanguageArabic  Language = "ar"
	LanguageEnglish Language = "en"
	LanguageMixed   Language = "mixed"
)

// DetectLanguage counts Arabic-script and Latin letters. Text carrying both
// is mixed; otherwise the majority wins, defaulting to English.
func DetectLanguage(text string) Language {
	var ar, en int
	for _, r := range text {
		switch {
		case r >= 0x0600 && r <= 0x06FF:
			ar++
		case r < unicode.MaxASCII && unicode.IsLetter(r):
			en++
		}
	}
	switch {
	case ar > 0 && en > 0:
		return LanguageMixed
	case ar > en:
		return LanguageArabic
	default:
		return LanguageEnglish
	}
}

// Request is the analysis payload. Exactly one channel is populated.
type Request struct {
	AR string `json:"ar"`
	EN string `json:"en"`
}

// RequestFor routes text to the Arabic channel when it contains any Arabic
// script and to the English channel otherwise.
func RequestFor(text string) Request {
	if DetectLanguage(text) == LanguageEnglish {
		return Request{EN: text}
	}
	return Request{AR: text}
}

// Text returns whichever channel is populated.
func (r Request) Text() string {
	if r.AR != "" {
		return r.AR
	}
	return r.EN
}
