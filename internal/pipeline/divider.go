// Package pipeline turns the agent's streamed text into sentence units ready
// for synthesis: divide into sentences, extract avatar actions, derive the
// on-screen display form, and filter the text actually sent to TTS.
package pipeline

import (
	"strings"

	"github.com/ariavoice/aria/internal/config"
)

// Segment is one unit produced by the Divider: either a spoken sentence or
// the content of a preserved tag (Tag non-empty). Tag content is forwarded
// as a structured side channel and never spoken.
type Segment struct {
	Text string
	Tag  string
}

// terminalRunes end a sentence in either strategy.
const terminalRunes = ".。!！?？…;；\n"

// commaRunes additionally end the first sentence when faster first response
// is enabled, trading sentence completeness for time-to-audio.
const commaRunes = ",，、"

// abbreviations never terminate a sentence in the rule-based strategy.
var abbreviations = []string{
	"Mr.", "Mrs.", "Ms.", "Dr.", "Prof.", "St.", "vs.", "etc.", "e.g.", "i.e.",
}

// Divider splits streamed text deltas into sentences.
//
// Two strategies exist: SegmentRegex splits on terminal punctuation alone;
// SegmentRule additionally protects abbreviations and decimal numbers and
// groups trailing closing quotes with their sentence. Configured tags (such
// as "think") are captured as side-channel segments. Not safe for
// concurrent use.
type Divider struct {
	method      config.SegmentMethod
	fasterFirst bool
	validTags   []string

	pending string
	emitted int
	openTag string
}

// NewDivider creates a Divider for one turn.
func NewDivider(method config.SegmentMethod, fasterFirst bool, validTags []string) *Divider {
	return &Divider{method: method, fasterFirst: fasterFirst, validTags: validTags}
}

// Feed consumes the next text delta and returns any completed segments.
func (d *Divider) Feed(chunk string) []Segment {
	d.pending += chunk
	var out []Segment

	for {
		if d.openTag != "" {
			closing := "</" + d.openTag + ">"
			idx := strings.Index(d.pending, closing)
			if idx < 0 {
				return out
			}
			content := strings.TrimSpace(d.pending[:idx])
			if content != "" {
				out = append(out, Segment{Tag: d.openTag, Text: content})
			}
			d.pending = d.pending[idx+len(closing):]
			d.openTag = ""
			continue
		}

		tag, tagStart := d.findOpeningTag()
		searchable := d.pending
		if tagStart >= 0 {
			searchable = d.pending[:tagStart]
		}

		cut := d.sentenceEnd(searchable)
		if cut > 0 {
			sentence := strings.TrimSpace(d.pending[:cut])
			d.pending = d.pending[cut:]
			if sentence != "" {
				out = append(out, Segment{Text: sentence})
				d.emitted++
			}
			continue
		}

		if tagStart >= 0 {
			before := strings.TrimSpace(d.pending[:tagStart])
			if before != "" {
				out = append(out, Segment{Text: before})
				d.emitted++
			}
			d.pending = d.pending[tagStart+len(tag)+2:]
			d.openTag = tag
			continue
		}

		return out
	}
}

// Flush emits whatever text remains and resets the divider for reuse.
func (d *Divider) Flush() []Segment {
	var out []Segment
	if d.openTag != "" {
		// Unterminated tag: surface the content rather than dropping it.
		if content := strings.TrimSpace(d.pending); content != "" {
			out = append(out, Segment{Tag: d.openTag, Text: content})
		}
	} else if rest := strings.TrimSpace(d.pending); rest != "" {
		out = append(out, Segment{Text: rest})
	}
	d.pending = ""
	d.openTag = ""
	d.emitted = 0
	return out
}

// findOpeningTag locates the earliest configured opening tag in the pending
// text. Returns the tag name and its byte offset, or -1 when absent.
func (d *Divider) findOpeningTag() (string, int) {
	best := -1
	var bestTag string
	for _, tag := range d.validTags {
		if idx := strings.Index(d.pending, "<"+tag+">"); idx >= 0 && (best < 0 || idx < best) {
			best = idx
			bestTag = tag
		}
	}
	return bestTag, best
}

// sentenceEnd returns the byte offset just past the end of the first
// complete sentence in text, or 0 when no boundary is present yet.
func (d *Divider) sentenceEnd(text string) int {
	terminals := terminalRunes
	if d.fasterFirst && d.emitted == 0 {
		terminals += commaRunes
	}

	runes := []rune(text)
	offset := 0
	for i, r := range runes {
		width := len(string(r))
		if !strings.ContainsRune(terminals, r) {
			offset += width
			continue
		}
		if d.method == config.SegmentRule && r == '.' && d.protectedPeriod(runes, i) {
			offset += width
			continue
		}
		end := offset + width
		// Group runs of terminal punctuation ("...", "?!") and trailing
		// closing quotes with the sentence.
		for j := i + 1; j < len(runes); j++ {
			next := runes[j]
			if strings.ContainsRune(terminals, next) ||
				(d.method == config.SegmentRule && strings.ContainsRune("\"'」』”’)", next)) {
				end += len(string(next))
				continue
			}
			return end
		}
		// The run reaches the end of the buffer; more punctuation may follow
		// in the next delta.
		return 0
	}
	return 0
}

// protectedPeriod reports whether the period at index i must not split:
// decimal numbers ("3.14") and known abbreviations.
func (d *Divider) protectedPeriod(runes []rune, i int) bool {
	if i > 0 && i+1 < len(runes) && isDigit(runes[i-1]) && isDigit(runes[i+1]) {
		return true
	}
	prefix := string(runes[:i+1])
	for _, abbr := range abbreviations {
		if strings.HasSuffix(prefix, abbr) {
			return true
		}
	}
	return false
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }
