package pipeline

import (
	"reflect"
	"testing"

	"github.com/ariavoice/aria/internal/config"
)

func feedAll(d *Divider, chunks ...string) []Segment {
	var out []Segment
	for _, c := range chunks {
		out = append(out, d.Feed(c)...)
	}
	return append(out, d.Flush()...)
}

func texts(segs []Segment) []string {
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = s.Text
	}
	return out
}

func TestDividerRegexBasic(t *testing.T) {
	t.Parallel()
	d := NewDivider(config.SegmentRegex, false, nil)

	got := feedAll(d, "Hello there. How are ", "you today? I am fine")
	want := []string{"Hello there.", "How are you today?", "I am fine"}
	if !reflect.DeepEqual(texts(got), want) {
		t.Errorf("segments = %q, want %q", texts(got), want)
	}
}

func TestDividerCJK(t *testing.T) {
	t.Parallel()
	d := NewDivider(config.SegmentRegex, false, nil)

	got := feedAll(d, "你好！今天天气", "怎么样？很好。")
	want := []string{"你好！", "今天天气怎么样？", "很好。"}
	if !reflect.DeepEqual(texts(got), want) {
		t.Errorf("segments = %q, want %q", texts(got), want)
	}
}

func TestDividerFasterFirstResponse(t *testing.T) {
	t.Parallel()
	d := NewDivider(config.SegmentRegex, true, nil)

	got := feedAll(d, "Well, that is a long explanation. Done.")
	// The first sentence flushes at the comma; later commas do not split.
	want := []string{"Well,", "that is a long explanation.", "Done."}
	if !reflect.DeepEqual(texts(got), want) {
		t.Errorf("segments = %q, want %q", texts(got), want)
	}
}

func TestDividerRuleProtections(t *testing.T) {
	t.Parallel()
	d := NewDivider(config.SegmentRule, false, nil)

	got := feedAll(d, "Dr. Smith measured 3.14 units. Impressive!")
	want := []string{"Dr. Smith measured 3.14 units.", "Impressive!"}
	if !reflect.DeepEqual(texts(got), want) {
		t.Errorf("segments = %q, want %q", texts(got), want)
	}
}

func TestDividerRuleClosingQuote(t *testing.T) {
	t.Parallel()
	d := NewDivider(config.SegmentRule, false, nil)

	got := feedAll(d, `She said "stop." Then left.`)
	want := []string{`She said "stop."`, "Then left."}
	if !reflect.DeepEqual(texts(got), want) {
		t.Errorf("segments = %q, want %q", texts(got), want)
	}
}

func TestDividerEllipsisGrouping(t *testing.T) {
	t.Parallel()
	d := NewDivider(config.SegmentRegex, false, nil)

	got := feedAll(d, "Hmm... let me think. Okay.")
	want := []string{"Hmm...", "let me think.", "Okay."}
	if !reflect.DeepEqual(texts(got), want) {
		t.Errorf("segments = %q, want %q", texts(got), want)
	}
}

func TestDividerPreservedTags(t *testing.T) {
	t.Parallel()
	d := NewDivider(config.SegmentRegex, false, []string{"think"})

	got := feedAll(d, "Sure. <think>the user wants", " the time</think>It is noon.")
	if len(got) != 3 {
		t.Fatalf("segments = %+v, want 3", got)
	}
	if got[0].Text != "Sure." || got[0].Tag != "" {
		t.Errorf("segments[0] = %+v", got[0])
	}
	if got[1].Tag != "think" || got[1].Text != "the user wants the time" {
		t.Errorf("segments[1] = %+v", got[1])
	}
	if got[2].Text != "It is noon." || got[2].Tag != "" {
		t.Errorf("segments[2] = %+v", got[2])
	}
}

func TestDividerUnterminatedTagFlush(t *testing.T) {
	t.Parallel()
	d := NewDivider(config.SegmentRegex, false, []string{"think"})

	got := feedAll(d, "<think>never closed")
	if len(got) != 1 || got[0].Tag != "think" || got[0].Text != "never closed" {
		t.Errorf("segments = %+v", got)
	}
}

func TestExtractorActions(t *testing.T) {
	t.Parallel()
	e := NewExtractor([]string{"joy", "anger"})

	clean, actions := e.Extract("[joy] Great to see you! [unknown] stays")
	if clean != " Great to see you! [unknown] stays" {
		t.Errorf("clean = %q", clean)
	}
	if !reflect.DeepEqual(actions, []string{"joy"}) {
		t.Errorf("actions = %v", actions)
	}
}

func TestExtractorCaseInsensitive(t *testing.T) {
	t.Parallel()
	e := NewExtractor([]string{"Joy"})

	_, actions := e.Extract("[JOY] hello [joy]")
	if !reflect.DeepEqual(actions, []string{"Joy", "Joy"}) {
		t.Errorf("actions = %v", actions)
	}
}

func TestFilterTTS(t *testing.T) {
	t.Parallel()

	cfg := config.TTSPreprocessorConfig{
		RemoveSpecialChar:   true,
		IgnoreBrackets:      true,
		IgnoreParentheses:   true,
		IgnoreAsterisks:     true,
		IgnoreAngleBrackets: true,
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"brackets removed", "Hello [waves] there", "Hello there"},
		{"fullwidth brackets removed", "你好【动作】呀", "你好呀"},
		{"parentheses removed", "Sure (quietly) thing", "Sure thing"},
		{"asterisks stripped", "that is **important**", "that is important"},
		{"angle groups removed", "ok <giggle> then", "ok then"},
		{"emoji stripped", "nice 😀 day", "nice day"},
		{"punctuation kept", "Really? Yes, really!", "Really? Yes, really!"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := FilterTTS(tc.in, cfg); got != tc.want {
				t.Errorf("FilterTTS(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFilterTTSPolicyOff(t *testing.T) {
	t.Parallel()
	got := FilterTTS("keep [this] and (that)", config.TTSPreprocessorConfig{})
	if got != "keep [this] and (that)" {
		t.Errorf("got %q, all policies off should only normalise spacing", got)
	}
}

func TestProcessorComposition(t *testing.T) {
	t.Parallel()
	p := NewProcessor([]string{"joy"}, config.TTSPreprocessorConfig{
		IgnoreParentheses: true,
		RemoveSpecialChar: true,
	}, "Aria", "aria.png")

	unit := p.Process(Segment{Text: "[joy] Hello! (waves) 😀"})
	if unit.Display.Text != "Hello! (waves) 😀" {
		t.Errorf("display = %q", unit.Display.Text)
	}
	if unit.Display.Name != "Aria" || unit.Display.Avatar != "aria.png" {
		t.Errorf("display meta = %+v", unit.Display)
	}
	if unit.TTSText != "Hello!" {
		t.Errorf("tts = %q", unit.TTSText)
	}
	if !reflect.DeepEqual(unit.Actions, []string{"joy"}) {
		t.Errorf("actions = %v", unit.Actions)
	}
}
