package agent

import (
	"encoding/json"
	"strings"
)

// streamJSONDetector scans streamed completion text for a complete top-level
// JSON value. Prompt-mode tool calls arrive embedded in the model's text as
// a JSON object or array; the detector accumulates from the first opening
// brace and reports once the value closes.
//
// The zero value is ready to use. Not safe for concurrent use.
type streamJSONDetector struct {
	buf      strings.Builder
	active   bool
	depth    int
	inString bool
	escaped  bool
}

// Active reports whether the detector is mid-envelope. Callers should
// withhold text from downstream consumers while a potential tool envelope is
// being accumulated.
func (d *streamJSONDetector) Active() bool { return d.active }

// ProcessChunk consumes the next text chunk. When a complete JSON value is
// closed by this chunk it is parsed and returned as a list of objects (a
// top-level object yields a single-element list). Unparseable envelopes
// reset the detector and return nil.
func (d *streamJSONDetector) ProcessChunk(chunk string) []map[string]any {
	for _, r := range chunk {
		if !d.active {
			if r == '{' || r == '[' {
				d.active = true
				d.depth = 0
				d.inString = false
				d.escaped = false
				d.buf.Reset()
			} else {
				continue
			}
		}

		d.buf.WriteRune(r)

		switch {
		case d.escaped:
			d.escaped = false
		case d.inString:
			switch r {
			case '\\':
				d.escaped = true
			case '"':
				d.inString = false
			}
		default:
			switch r {
			case '"':
				d.inString = true
			case '{', '[':
				d.depth++
			case '}', ']':
				d.depth--
				if d.depth == 0 {
					objects := d.parse()
					// Malformed envelopes are dropped; scanning resumes at
					// the next opening brace.
					d.Reset()
					if objects != nil {
						return objects
					}
				}
			}
		}
	}
	return nil
}

// parse decodes the accumulated envelope into a list of objects.
func (d *streamJSONDetector) parse() []map[string]any {
	raw := d.buf.String()

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		return []map[string]any{obj}
	}

	var list []map[string]any
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list
	}
	return nil
}

// Reset clears all accumulated state.
func (d *streamJSONDetector) Reset() {
	d.buf.Reset()
	d.active = false
	d.depth = 0
	d.inString = false
	d.escaped = false
}
