package wake

import (
	"context"
	"strings"
	"testing"
)

func TestIgnoredWhileListening(t *testing.T) {
	t.Parallel()
	g := New()

	d := g.Process(context.Background(), "c1", "what time is it")
	if d.Proceed {
		t.Error("utterance without wake word should not proceed")
	}
	if d.Event == nil || d.Event.Action != ActionIgnored {
		t.Fatalf("event = %+v, want ignored", d.Event)
	}
	if d.Event.Language != LangUnknown {
		t.Errorf("language = %q, want unknown", d.Event.Language)
	}
	if d.Event.Stats.IgnoredCount != 1 {
		t.Errorf("ignored count = %d, want 1", d.Event.Stats.IgnoredCount)
	}
	if !d.Event.Advertisement.ShouldShowAds || d.Event.Advertisement.ControlAction != "start_ads" {
		t.Errorf("advertisement = %+v", d.Event.Advertisement)
	}
}

func TestIgnoredPreviewTruncation(t *testing.T) {
	t.Parallel()
	g := New()

	long := strings.Repeat("嗯", 60)
	d := g.Process(context.Background(), "c1", long)
	want := strings.Repeat("嗯", 50) + "..."
	if d.Event.MatchedWord != want {
		t.Errorf("preview = %q, want %q", d.Event.MatchedWord, want)
	}
}

func TestWakeWithResidue(t *testing.T) {
	t.Parallel()
	g := New()

	d := g.Process(context.Background(), "c1", "Hey Aria, what time is it?")
	if !d.Proceed {
		t.Fatal("wake word utterance should proceed")
	}
	if d.Text != "what time is it?" {
		t.Errorf("text = %q, want residue after wake word", d.Text)
	}
	if d.Event == nil || d.Event.Action != ActionWakeUp {
		t.Fatalf("event = %+v, want wake_up", d.Event)
	}
	if d.Event.MatchedWord != "Hey Aria" || d.Event.Language != LangEnglish {
		t.Errorf("matched = %q %q", d.Event.MatchedWord, d.Event.Language)
	}
	if d.Event.CurrentState != StateActive {
		t.Errorf("state = %q, want active", d.Event.CurrentState)
	}
	if d.Event.Advertisement.ShouldShowAds || d.Event.Advertisement.ControlAction != "stop_ads" {
		t.Errorf("advertisement = %+v", d.Event.Advertisement)
	}
	if got := g.ClientState("c1"); got != StateActive {
		t.Errorf("client state = %q, want active", got)
	}
}

func TestWakeWordOnlyGetsWelcome(t *testing.T) {
	t.Parallel()
	g := New()

	tests := []struct {
		name string
		text string
		want string
	}{
		{"english strips hey", "Hey Aria", "Hello! I'm Aria, how can I help you?"},
		{"chinese strips greeting", "你好艾莉亚", "你好！我是艾莉亚，有什么可以帮你的吗？"},
		{"japanese", "アリア", "こんにちは！アリアです。何かお手伝いできることはありますか？"},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			uid := string(rune('a' + i))
			d := g.Process(context.Background(), uid, tc.text)
			if !d.Proceed || d.Text != tc.want {
				t.Errorf("text = %q, want %q", d.Text, tc.want)
			}
		})
	}
}

func TestChineseMatchesBeforeEnglish(t *testing.T) {
	t.Parallel()
	g := New()

	// "艾莉亚" appears in the Chinese list; mixed utterances resolve Chinese
	// first even though "Aria" is also an English wake word.
	d := g.Process(context.Background(), "c1", "艾莉亚 Aria hello")
	if d.Event.Language != LangChinese {
		t.Errorf("language = %q, want chinese", d.Event.Language)
	}
}

func TestFuzzyWakeMatch(t *testing.T) {
	t.Parallel()
	g := New()

	// "arya" is one edit away from "aria"; typical ASR misspelling.
	d := g.Process(context.Background(), "c1", "hey arya")
	if !d.Proceed {
		t.Error("near-miss transcription should still wake")
	}
	if d.Event == nil || d.Event.Action != ActionWakeUp {
		t.Fatalf("event = %+v, want wake_up", d.Event)
	}
}

func TestFuzzyDisabled(t *testing.T) {
	t.Parallel()
	g := New(WithFuzzyDistance(0))

	d := g.Process(context.Background(), "c1", "arya please")
	if d.Proceed {
		t.Error("fuzzy matching disabled, misspelling should be ignored")
	}
}

func TestActivePassThrough(t *testing.T) {
	t.Parallel()
	g := New()
	g.Process(context.Background(), "c1", "Aria")

	d := g.Process(context.Background(), "c1", "tell me a story")
	if !d.Proceed || d.Text != "tell me a story" {
		t.Errorf("decision = %+v, want pass-through", d)
	}
	if d.Event != nil {
		t.Errorf("event = %+v, want none for pass-through", d.Event)
	}
}

func TestEndWordSleeps(t *testing.T) {
	t.Parallel()
	g := New()
	g.Process(context.Background(), "c1", "Aria")

	d := g.Process(context.Background(), "c1", "okay goodbye")
	if !d.Proceed {
		t.Fatal("farewell line should be spoken")
	}
	if d.Text != "Alright, goodbye! Call me anytime you need help." {
		t.Errorf("text = %q", d.Text)
	}
	if d.Event == nil || d.Event.Action != ActionSleep {
		t.Fatalf("event = %+v, want sleep", d.Event)
	}
	if d.Event.CurrentState != StateListening {
		t.Errorf("state = %q, want listening", d.Event.CurrentState)
	}
	if !d.Event.Advertisement.ShouldShowAds {
		t.Error("ads should resume once listening again")
	}
	if g.ClientState("c1") != StateListening {
		t.Error("client should be back to listening")
	}
}

func TestEndWordChinese(t *testing.T) {
	t.Parallel()
	g := New()
	g.Process(context.Background(), "c1", "小助手")

	d := g.Process(context.Background(), "c1", "好了再见")
	if d.Text != "好的，再见！有需要随时叫我。" {
		t.Errorf("text = %q", d.Text)
	}
}

func TestStatesIsolatedPerClient(t *testing.T) {
	t.Parallel()
	g := New()
	g.Process(context.Background(), "c1", "Aria")

	if d := g.Process(context.Background(), "c2", "just chatting"); d.Proceed {
		t.Error("c2 never woke, should still be gated")
	}
	if d := g.Process(context.Background(), "c1", "just chatting"); !d.Proceed {
		t.Error("c1 is active, should pass through")
	}
}

func TestCleanupClient(t *testing.T) {
	t.Parallel()
	g := New()
	g.Process(context.Background(), "c1", "Aria")
	g.CleanupClient("c1")

	if g.ClientState("c1") != StateListening {
		t.Error("cleaned client should default back to listening")
	}
}

func TestClientLanguageRestriction(t *testing.T) {
	t.Parallel()
	g := New()
	g.SetClientLanguage("c1", LangEnglish)

	if d := g.Process(context.Background(), "c1", "你好艾莉亚"); d.Proceed {
		t.Error("Chinese wake word should be ignored for an English-only client")
	}
	if d := g.Process(context.Background(), "c1", "Hey Aria"); !d.Proceed {
		t.Error("English wake word should still wake the client")
	}

	// Other connections are unaffected by c1's restriction.
	if d := g.Process(context.Background(), "c2", "你好艾莉亚"); !d.Proceed {
		t.Error("unrestricted client should wake on any language")
	}
}

func TestClientLanguageCleared(t *testing.T) {
	t.Parallel()
	g := New()
	g.SetClientLanguage("c1", LangEnglish)
	g.SetClientLanguage("c1", LangUnknown)

	if d := g.Process(context.Background(), "c1", "艾莉亚"); !d.Proceed {
		t.Error("clearing the restriction should restore all word lists")
	}

	g.SetClientLanguage("c1", LangJapanese)
	g.CleanupClient("c1")
	if d := g.Process(context.Background(), "c1", "Aria"); !d.Proceed {
		t.Error("cleanup should forget the language restriction")
	}
}

func TestDisabledPassesEverything(t *testing.T) {
	t.Parallel()
	g := New()
	g.SetEnabled(false)

	d := g.Process(context.Background(), "c1", "no wake word here")
	if !d.Proceed || d.Text != "no wake word here" || d.Event != nil {
		t.Errorf("decision = %+v, want unconditional pass-through", d)
	}
}

func TestDisableActivatesKnownClients(t *testing.T) {
	t.Parallel()
	g := New()
	g.Process(context.Background(), "c1", "ignored words")

	// Only clients with recorded state flip; force one into listening first.
	g.Process(context.Background(), "c2", "Aria")
	g.Process(context.Background(), "c2", "bye")
	g.SetEnabled(false)
	g.SetEnabled(true)

	if g.ClientState("c2") != StateActive {
		t.Error("disabling should have moved c2 to active")
	}
}

func TestCurrentStatus(t *testing.T) {
	t.Parallel()
	g := New()
	g.Process(context.Background(), "c1", "Aria")
	g.Process(context.Background(), "c2", "unrelated")

	s := g.CurrentStatus()
	if !s.Enabled {
		t.Error("gate should be enabled")
	}
	if s.ActiveClients != 1 {
		t.Errorf("active = %d, want 1", s.ActiveClients)
	}
	if s.Stats.WakeCount != 1 || s.Stats.IgnoredCount != 1 {
		t.Errorf("stats = %+v", s.Stats)
	}
}
