// Package unicode flags characters that make the command a human reviews
// differ from the command the guard would execute.
package unicode

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

type Severity string

const (
	// SeverityReject refuses the segment outright.
	SeverityReject Severity = "reject"
	// SeverityAsk escalates the segment to a human.
	SeverityAsk Severity = "ask"
)

// Threat is one suspicious character (or the whole input, for compat-form).
type Threat struct {
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Position    int      `json:"position"`
	Codepoint   string   `json:"codepoint,omitempty"`
	Severity    Severity `json:"severity"`
}

// RuleID is the policy rule id recorded when this threat decides a segment.
func (t Threat) RuleID() string {
	return "unicode-" + t.Category
}

type ScanResult struct {
	Clean   bool
	Threats []Threat
}

// Worst returns the most severe threat category present, or "" when clean.
func (r ScanResult) Worst() Severity {
	worst := Severity("")
	for _, t := range r.Threats {
		if t.Severity == SeverityReject {
			return SeverityReject
		}
		worst = SeverityAsk
	}
	return worst
}

// Scan inspects a command string for Unicode smuggling indicators.
func Scan(input string) ScanResult {
	result := ScanResult{Clean: true}

	add := func(t Threat) {
		result.Clean = false
		result.Threats = append(result.Threats, t)
	}

	for i := 0; i < len(input); {
		r, size := utf8.DecodeRuneInString(input[i:])
		if r == utf8.RuneError && size == 1 {
			add(Threat{
				Category:    "invalid-utf8",
				Description: "Invalid UTF-8 byte sequence",
				Position:    i,
				Codepoint:   fmt.Sprintf("0x%02X", input[i]),
				Severity:    SeverityReject,
			})
			i++
			continue
		}
		if threat, found := classifyRune(r, i); found {
			add(threat)
		}
		i += size
	}

	// Fullwidth and other compatibility forms survive every check above but
	// would let a fullwidth "rm" slip past an `rm` pattern.
	if utf8.ValidString(input) && !norm.NFKC.IsNormalString(input) {
		add(Threat{
			Category:    "compat-form",
			Description: fmt.Sprintf("Text changes under NFKC normalization (%q)", norm.NFKC.String(input)),
			Position:    firstUnnormalized(input),
			Severity:    SeverityReject,
		})
	}

	return result
}

func firstUnnormalized(input string) int {
	for i, r := range input {
		s := string(r)
		if !norm.NFKC.IsNormalString(s) {
			return i
		}
	}
	return 0
}

func classifyRune(r rune, pos int) (Threat, bool) {
	cp := fmt.Sprintf("U+%04X", r)

	switch {
	case isZeroWidth(r):
		return Threat{
			Category:    "zero-width",
			Description: fmt.Sprintf("Zero-width character %s can hide content from display", cp),
			Position:    pos,
			Codepoint:   cp,
			Severity:    SeverityReject,
		}, true
	case isBidiOverride(r):
		return Threat{
			Category:    "bidi-override",
			Description: fmt.Sprintf("Bidirectional override %s can make displayed text differ from executed text", cp),
			Position:    pos,
			Codepoint:   cp,
			Severity:    SeverityReject,
		}, true
	case r >= 0xE0001 && r <= 0xE007F:
		return Threat{
			Category:    "tag-char",
			Description: fmt.Sprintf("Unicode tag character %s can smuggle hidden instructions", cp),
			Position:    pos,
			Codepoint:   cp,
			Severity:    SeverityReject,
		}, true
	case isUnsafeControl(r):
		return Threat{
			Category:    "control-char",
			Description: fmt.Sprintf("Control character %s should not appear in commands", cp),
			Position:    pos,
			Codepoint:   cp,
			Severity:    SeverityReject,
		}, true
	}

	if cat, desc := checkHomoglyph(r); cat != "" {
		return Threat{
			Category:    cat,
			Description: desc,
			Position:    pos,
			Codepoint:   cp,
			Severity:    SeverityAsk,
		}, true
	}
	return Threat{}, false
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200B', // ZERO WIDTH SPACE
		'\u200C', // ZERO WIDTH NON-JOINER
		'\u200D', // ZERO WIDTH JOINER
		'\uFEFF', // BOM
		'\u2060', // WORD JOINER
		'\u180E', // MONGOLIAN VOWEL SEPARATOR
		'\u200E', // LEFT-TO-RIGHT MARK
		'\u200F': // RIGHT-TO-LEFT MARK
		return true
	}
	return false
}

func isBidiOverride(r rune) bool {
	return (r >= '\u202A' && r <= '\u202E') || (r >= '\u2066' && r <= '\u2069')
}

// isUnsafeControl allows only tab; a newline inside a segment has already
// been refused by the segmenter unless it sits inside quotes.
func isUnsafeControl(r rune) bool {
	if r == '\t' || r == '\n' {
		return false
	}
	return r <= 0x1F || r == 0x7F || (r >= 0x80 && r <= 0x9F)
}

func checkHomoglyph(r rune) (category string, description string) {
	cp := fmt.Sprintf("U+%04X", r)

	if unicode.Is(unicode.Cyrillic, r) {
		if confusable, ok := cyrillicHomoglyphs[r]; ok {
			return "homoglyph-cyrillic",
				fmt.Sprintf("Cyrillic %s looks like Latin '%c'", cp, confusable)
		}
	}
	if unicode.Is(unicode.Greek, r) {
		if confusable, ok := greekHomoglyphs[r]; ok {
			return "homoglyph-greek",
				fmt.Sprintf("Greek %s looks like Latin '%c'", cp, confusable)
		}
	}
	return "", ""
}

var cyrillicHomoglyphs = map[rune]rune{
	'а': 'a', 'А': 'A', 'В': 'B', 'с': 'c', 'С': 'C', 'е': 'e', 'Е': 'E',
	'Н': 'H', 'і': 'i', 'І': 'I', 'К': 'K', 'М': 'M', 'о': 'o', 'О': 'O',
	'р': 'p', 'Р': 'P', 'Т': 'T', 'х': 'x', 'Х': 'X', 'у': 'y', 'У': 'Y',
}

var greekHomoglyphs = map[rune]rune{
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Η': 'H', 'Ι': 'I', 'Κ': 'K', 'Μ': 'M',
	'Ν': 'N', 'Ο': 'O', 'ο': 'o', 'Ρ': 'P', 'Τ': 'T', 'Χ': 'X', 'Υ': 'Y',
	'Ζ': 'Z',
}
