package pipeline

import "strings"

// Extractor pulls bracketed expression tokens (e.g. "[joy]") out of sentence
// text. Only tokens declared by the avatar model are recognised; anything
// else in brackets is left untouched for the TTS filter to deal with.
type Extractor struct {
	expressions map[string]string // lowercase token -> canonical form
}

// NewExtractor creates an Extractor for the given expression vocabulary.
func NewExtractor(expressions []string) *Extractor {
	m := make(map[string]string, len(expressions))
	for _, expr := range expressions {
		m[strings.ToLower(expr)] = expr
	}
	return &Extractor{expressions: m}
}

// Extract removes recognised "[token]" occurrences from text and returns the
// cleaned text plus the actions in order of appearance.
func (e *Extractor) Extract(text string) (string, []string) {
	if len(e.expressions) == 0 {
		return text, nil
	}

	var (
		sb      strings.Builder
		actions []string
	)
	for i := 0; i < len(text); {
		if text[i] != '[' {
			sb.WriteByte(text[i])
			i++
			continue
		}
		end := strings.IndexByte(text[i:], ']')
		if end < 0 {
			sb.WriteString(text[i:])
			break
		}
		token := text[i+1 : i+end]
		if canonical, ok := e.expressions[strings.ToLower(token)]; ok {
			actions = append(actions, canonical)
			i += end + 1
			continue
		}
		sb.WriteByte('[')
		i++
	}
	return sb.String(), actions
}
