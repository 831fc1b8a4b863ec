package pipeline

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/ariavoice/aria/internal/config"
)

var (
	bracketRe     = regexp.MustCompile(`\[[^\]]*\]|【[^】]*】`)
	parenthesesRe = regexp.MustCompile(`\([^)]*\)|（[^）]*）`)
	angleRe       = regexp.MustCompile(`<[^>]*>`)
)

// FilterTTS applies the configured boolean policy set to text, yielding what
// is actually sent to the TTS engine. Bracketed groups are removed whole;
// asterisks, hyphens, and slashes are stripped as characters since they mark
// emphasis or structure rather than speech.
func FilterTTS(text string, cfg config.TTSPreprocessorConfig) string {
	if cfg.IgnoreBrackets {
		text = bracketRe.ReplaceAllString(text, "")
	}
	if cfg.IgnoreParentheses {
		text = parenthesesRe.ReplaceAllString(text, "")
	}
	if cfg.IgnoreAngleBrackets {
		text = angleRe.ReplaceAllString(text, "")
	}
	if cfg.IgnoreAsterisks {
		text = strings.ReplaceAll(text, "*", "")
	}
	if cfg.IgnoreHyphens {
		text = strings.ReplaceAll(text, "—", " ")
		text = strings.ReplaceAll(text, " - ", " ")
	}
	if cfg.IgnoreSlashes {
		text = strings.ReplaceAll(text, "/", " ")
	}
	if cfg.RemoveSpecialChar {
		text = removeSpecial(text)
	}
	return strings.Join(strings.Fields(text), " ")
}

// removeSpecial drops emoji and symbol runes while keeping letters, digits,
// whitespace, and sentence punctuation in any script.
func removeSpecial(text string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
			return r
		case unicode.IsPunct(r):
			return r
		case r == '+', r == '=', r == '%', r == '$', r == '€', r == '£', r == '¥':
			// Spoken symbols survive; TTS engines read them out.
			return r
		default:
			return -1
		}
	}, text)
}
