package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ariavoice/aria/internal/agent"
	"github.com/ariavoice/aria/internal/history/memstore"
	"github.com/ariavoice/aria/internal/tool"
	"github.com/ariavoice/aria/internal/wake"
	asrmock "github.com/ariavoice/aria/pkg/provider/asr/mock"
	ttsmock "github.com/ariavoice/aria/pkg/provider/tts/mock"
)

// fakeAgent scripts the event stream for one or more turns.
type fakeAgent struct {
	mu         sync.Mutex
	events     []agent.Event
	block      bool // keep the stream open until ctx is cancelled
	inputs     []agent.BatchInput
	interrupts []string
}

func (f *fakeAgent) Chat(ctx context.Context, input agent.BatchInput) <-chan agent.Event {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	events := f.events
	block := f.block
	f.mu.Unlock()

	ch := make(chan agent.Event)
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if block {
			<-ctx.Done()
		}
	}()
	return ch
}

func (f *fakeAgent) HandleInterrupt(heard string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, heard)
}

func (f *fakeAgent) chatCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

// frameSink collects outbound frames.
type frameSink struct {
	mu     sync.Mutex
	frames []any
}

func (s *frameSink) send(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, v)
}

func (s *frameSink) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *frameSink) waitFor(t *testing.T, match func(any) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range s.snapshot() {
			if match(f) {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected frame never arrived, got %+v", s.snapshot())
}

func passthroughGate() *wake.Gate {
	g := wake.New()
	g.SetEnabled(false)
	return g
}

func textEvents(deltas ...string) []agent.Event {
	var out []agent.Event
	for _, d := range deltas {
		out = append(out, agent.Event{Kind: agent.EventText, Text: d})
	}
	return out
}

func TestTextTurnOrderedFrames(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{events: textEvents("Hello there. How are ", "you?")}
	sink := &frameSink{}
	o := New(fa, passthroughGate(), WithTTS(&ttsmock.Provider{}, "nova"))

	<-o.Trigger(context.Background(), "c1", sink.send, Input{Text: "hi"})

	frames := sink.snapshot()
	var kinds []string
	var display []string
	for _, f := range frames {
		switch v := f.(type) {
		case ControlFrame:
			kinds = append(kinds, v.Text)
		case AudioFrame:
			kinds = append(kinds, "audio")
			display = append(display, v.DisplayText.Text)
			if v.Audio == "" {
				t.Errorf("audio frame %q has no audio payload", v.DisplayText.Text)
			}
		case SynthCompleteFrame:
			kinds = append(kinds, "synth-complete")
		}
	}

	want := []string{"conversation-chain-start", "audio", "audio", "synth-complete", "conversation-chain-end"}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("frame order = %v, want %v", kinds, want)
	}
	if got := strings.Join(display, " "); got != "Hello there. How are you?" {
		t.Errorf("display = %q", got)
	}
}

func TestGateIgnoredSkipsAgent(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{events: textEvents("never")}
	sink := &frameSink{}
	o := New(fa, wake.New())

	<-o.Trigger(context.Background(), "c1", sink.send, Input{Text: "background chatter"})

	if fa.chatCalls() != 0 {
		t.Error("gated input must not reach the agent")
	}

	var sawWakeState bool
	for _, f := range sink.snapshot() {
		if ws, ok := f.(WakeStateFrame); ok {
			sawWakeState = true
			if ws.Action != wake.ActionIgnored {
				t.Errorf("action = %q, want ignored", ws.Action)
			}
		}
		if _, ok := f.(SynthCompleteFrame); ok {
			t.Error("gated turn must not emit synth-complete")
		}
	}
	if !sawWakeState {
		t.Error("missing wake-word-state frame")
	}
}

func TestWakeResidueBecomesAgentInput(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{events: textEvents("It is noon.")}
	sink := &frameSink{}
	o := New(fa, wake.New())

	<-o.Trigger(context.Background(), "c1", sink.send, Input{Text: "Hey Aria, what time is it?"})

	if fa.chatCalls() != 1 {
		t.Fatal("wake utterance should reach the agent")
	}
	fa.mu.Lock()
	got := fa.inputs[0].Texts[0].Content
	fa.mu.Unlock()
	if got != "what time is it?" {
		t.Errorf("agent input = %q, want the residue", got)
	}

	sink.waitFor(t, func(f any) bool {
		ws, ok := f.(WakeStateFrame)
		return ok && ws.Action == wake.ActionWakeUp
	})
}

func TestInterruptCancelsTurn(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{events: textEvents("One. "), block: true}
	sink := &frameSink{}
	store := memstore.New()
	uid, err := store.Create(context.Background(), "conf")
	if err != nil {
		t.Fatal(err)
	}

	o := New(fa, passthroughGate(),
		WithTTS(&ttsmock.Provider{}, "nova"),
		WithHistory(store, "conf"),
		WithCharacter("Aria", "User", "aria.png"),
	)
	o.SetHistoryUID(uid)

	done := o.Trigger(context.Background(), "c1", sink.send, Input{Text: "hi"})
	sink.waitFor(t, func(f any) bool { _, ok := f.(AudioFrame); return ok })

	o.Interrupt(context.Background(), "On")
	<-done

	fa.mu.Lock()
	interrupts := append([]string(nil), fa.interrupts...)
	fa.mu.Unlock()
	if len(interrupts) != 1 || interrupts[0] != "On" {
		t.Errorf("interrupts = %v, want [On]", interrupts)
	}

	for _, f := range sink.snapshot() {
		if _, ok := f.(SynthCompleteFrame); ok {
			t.Error("interrupted turn must not emit synth-complete")
		}
		if cf, ok := f.(ControlFrame); ok && cf.Text == "conversation-chain-end" {
			t.Error("interrupted turn must not emit chain end")
		}
	}

	msgs, err := store.Fetch(context.Background(), "conf", uid)
	if err != nil {
		t.Fatal(err)
	}
	n := len(msgs)
	if n < 2 {
		t.Fatalf("history = %+v, want heard text and marker", msgs)
	}
	if msgs[n-2].Role != "ai" || msgs[n-2].Content != "On" {
		t.Errorf("heard entry = %+v", msgs[n-2])
	}
	if msgs[n-1].Role != "system" || msgs[n-1].Content != "[Interrupted by user]" {
		t.Errorf("marker entry = %+v", msgs[n-1])
	}

	// Second interrupt on the same turn is a no-op.
	o.Interrupt(context.Background(), "On")
	fa.mu.Lock()
	again := len(fa.interrupts)
	fa.mu.Unlock()
	if again != 1 {
		t.Errorf("interrupt count = %d after double interrupt, want 1", again)
	}
}

func TestNewTriggerCancelsPrevious(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{block: true}
	sink := &frameSink{}
	o := New(fa, passthroughGate())

	first := o.Trigger(context.Background(), "c1", sink.send, Input{Text: "one"})

	// Let the first turn reach the agent before triggering the second.
	deadline := time.Now().Add(2 * time.Second)
	for fa.chatCalls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	fa.mu.Lock()
	fa.block = false
	fa.events = textEvents("two")
	fa.mu.Unlock()

	second := o.Trigger(context.Background(), "c1", sink.send, Input{Text: "two"})

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn did not settle")
	}
	<-second

	if fa.chatCalls() != 2 {
		t.Errorf("chat calls = %d, want 2", fa.chatCalls())
	}
}

func TestProactiveSpeak(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{events: textEvents("I was thinking...")}
	sink := &frameSink{}
	store := memstore.New()
	uid, _ := store.Create(context.Background(), "conf")

	o := New(fa, passthroughGate(), WithHistory(store, "conf"))
	o.SetHistoryUID(uid)

	<-o.Trigger(context.Background(), "c1", sink.send, Input{Proactive: true})

	sink.waitFor(t, func(f any) bool {
		ft, ok := f.(FullTextFrame)
		return ok && ft.Text == "AI wants to speak something..."
	})

	fa.mu.Lock()
	input := fa.inputs[0]
	fa.mu.Unlock()
	if input.Texts[0].Content != "Please say something." {
		t.Errorf("prompt = %q", input.Texts[0].Content)
	}
	if !input.Metadata.ProactiveSpeak || !input.Metadata.SkipMemory || !input.Metadata.SkipHistory {
		t.Errorf("metadata = %+v, want all flags set", input.Metadata)
	}

	msgs, _ := store.Fetch(context.Background(), "conf", uid)
	if len(msgs) != 0 {
		t.Errorf("history = %+v, proactive turns must not persist", msgs)
	}
}

func TestASRFailureEndsTurn(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{}
	sink := &frameSink{}
	o := New(fa, passthroughGate(),
		WithASR(&asrmock.Provider{Err: errors.New("model not loaded")}),
	)

	<-o.Trigger(context.Background(), "c1", sink.send, Input{Samples: []float32{0.1, 0.2}, SampleRate: 16000})

	if fa.chatCalls() != 0 {
		t.Error("failed transcription must not reach the agent")
	}
	sink.waitFor(t, func(f any) bool {
		ef, ok := f.(ErrorFrame)
		return ok && strings.Contains(ef.Message, "model not loaded")
	})
}

func TestAudioInputTranscribed(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{events: textEvents("Hi!")}
	sink := &frameSink{}
	o := New(fa, passthroughGate(),
		WithASR(&asrmock.Provider{Text: "hello there"}),
	)

	<-o.Trigger(context.Background(), "c1", sink.send, Input{Samples: []float32{0.1}, SampleRate: 16000})

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.inputs) != 1 || fa.inputs[0].Texts[0].Content != "hello there" {
		t.Errorf("inputs = %+v, want the transcript", fa.inputs)
	}
}

func TestHistoryPersistence(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{events: textEvents("Nice to meet you.")}
	sink := &frameSink{}
	store := memstore.New()
	uid, _ := store.Create(context.Background(), "conf")

	o := New(fa, passthroughGate(),
		WithHistory(store, "conf"),
		WithCharacter("Aria", "User", "aria.png"),
		WithEmbed(func(context.Context, string) ([]float32, error) {
			return []float32{1, 0}, nil
		}),
	)
	o.SetHistoryUID(uid)

	<-o.Trigger(context.Background(), "c1", sink.send, Input{Text: "hi"})

	msgs, err := store.Fetch(context.Background(), "conf", uid)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("history = %+v, want user and assistant entries", msgs)
	}
	if msgs[0].Role != "human" || msgs[0].Content != "hi" || msgs[0].Name != "User" {
		t.Errorf("user entry = %+v", msgs[0])
	}
	if msgs[1].Role != "ai" || msgs[1].Content != "Nice to meet you." || msgs[1].Avatar != "aria.png" {
		t.Errorf("assistant entry = %+v", msgs[1])
	}
	if len(msgs[0].Embedding) != 2 {
		t.Errorf("user entry embedding = %v", msgs[0].Embedding)
	}
}

func TestToolStatusForwarded(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{events: []agent.Event{
		{Kind: agent.EventToolStatus, Status: tool.StatusEvent{
			ToolID: "call-1", Name: "get_time", Status: tool.StatusRunning,
		}},
		{Kind: agent.EventText, Text: "It is noon."},
	}}
	sink := &frameSink{}
	o := New(fa, passthroughGate(), WithCharacter("Aria", "User", ""))

	<-o.Trigger(context.Background(), "c1", sink.send, Input{Text: "time?"})

	sink.waitFor(t, func(f any) bool {
		ts, ok := f.(ToolStatusFrame)
		return ok && ts.ToolName == "get_time" && ts.Name == "Aria" && ts.ToolID == "call-1"
	})
}

func TestTaggedSegmentsNotSpoken(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{events: textEvents("<think>pondering</think>Sure thing.")}
	sink := &frameSink{}
	ttsp := &ttsmock.Provider{}
	o := New(fa, passthroughGate(),
		WithTTS(ttsp, "nova"),
		WithPipeline(PipelineConfig{SegmentMethod: "regex", ValidTags: []string{"think"}}),
	)

	<-o.Trigger(context.Background(), "c1", sink.send, Input{Text: "hi"})

	var tagged, spoken int
	for _, f := range sink.snapshot() {
		af, ok := f.(AudioFrame)
		if !ok {
			continue
		}
		if af.Tag == "think" {
			tagged++
			if af.Audio != "" {
				t.Error("tagged segment must not carry audio")
			}
		} else {
			spoken++
		}
	}
	if tagged != 1 || spoken != 1 {
		t.Errorf("tagged = %d, spoken = %d, want 1 and 1", tagged, spoken)
	}

	if n := len(ttsp.SynthesizeCalls); n != 1 {
		t.Errorf("synthesize calls = %d, want only the spoken sentence", n)
	}
}
