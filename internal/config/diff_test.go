package config_test

import (
	"testing"

	"github.com/ariavoice/aria/internal/config"
)

func baseCharacter() *config.CharacterConfig {
	return &config.CharacterConfig{
		ConfName:      "aria-default",
		ConfUID:       "aria-001",
		CharacterName: "Aria",
		HumanName:     "Human",
		PersonaPrompt: "You are Aria.",
		WakeLanguage:  config.WakeEnglish,
		Agent: config.AgentConfig{
			LLM:           config.ProviderEntry{Name: "openai", Model: "gpt-4o"},
			SegmentMethod: config.SegmentRegex,
			UseMCP:        true,
		},
		ASR: config.ProviderEntry{Name: "whisper-api"},
		TTS: config.TTSConfig{
			ProviderEntry: config.ProviderEntry{Name: "openai", Model: "tts-1"},
			Voice:         "alloy",
		},
		VAD: config.VADConfig{Name: "silero", ProbThreshold: 0.55, DBThreshold: 65},
	}
}

func TestDiffCharacter_Empty(t *testing.T) {
	t.Parallel()
	old := baseCharacter()
	new := baseCharacter()

	d := config.DiffCharacter(old, new)
	if !d.Empty() {
		t.Errorf("identical configs should yield an empty diff, got %+v", d)
	}
	if d.NeedsProviderInit() {
		t.Error("identical configs should not need provider init")
	}
}

func TestDiffCharacter_IdentityOnly(t *testing.T) {
	t.Parallel()
	old := baseCharacter()
	new := baseCharacter()
	new.CharacterName = "Nova"
	new.PersonaPrompt = "You are Nova."

	d := config.DiffCharacter(old, new)
	if !d.NameChanged || !d.PersonaChanged {
		t.Errorf("expected name and persona changes, got %+v", d)
	}
	if d.NeedsProviderInit() {
		t.Error("identity changes should not need provider init")
	}
}

func TestDiffCharacter_ProviderChanges(t *testing.T) {
	t.Parallel()

	t.Run("llm model", func(t *testing.T) {
		old := baseCharacter()
		new := baseCharacter()
		new.Agent.LLM.Model = "gpt-4o-mini"

		d := config.DiffCharacter(old, new)
		if !d.LLMChanged {
			t.Error("expected LLMChanged")
		}
		if !d.NeedsProviderInit() {
			t.Error("LLM change should need provider init")
		}
	})

	t.Run("tts voice", func(t *testing.T) {
		old := baseCharacter()
		new := baseCharacter()
		new.TTS.Voice = "nova"

		d := config.DiffCharacter(old, new)
		if !d.TTSChanged {
			t.Error("expected TTSChanged")
		}
	})

	t.Run("vad thresholds", func(t *testing.T) {
		old := baseCharacter()
		new := baseCharacter()
		new.VAD.ProbThreshold = 0.4

		d := config.DiffCharacter(old, new)
		if !d.VADChanged {
			t.Error("expected VADChanged")
		}
	})
}

func TestDiffCharacter_AgentFlags(t *testing.T) {
	t.Parallel()
	old := baseCharacter()
	new := baseCharacter()
	new.Agent.SegmentMethod = config.SegmentRule
	new.Agent.MCPEnabledServers = []string{"time"}

	d := config.DiffCharacter(old, new)
	if !d.AgentChanged {
		t.Errorf("expected AgentChanged, got %+v", d)
	}
	if d.NeedsProviderInit() {
		t.Error("agent flag changes should not need provider init")
	}
}

func TestDiffCharacter_Expressions(t *testing.T) {
	t.Parallel()
	old := baseCharacter()
	new := baseCharacter()
	new.Expressions = []string{"joy", "anger"}

	d := config.DiffCharacter(old, new)
	if !d.AvatarChanged {
		t.Errorf("expected AvatarChanged, got %+v", d)
	}
	if d.NeedsProviderInit() {
		t.Error("expression vocabulary changes should not need provider init")
	}
}

func TestDiffCharacter_ValidTags(t *testing.T) {
	t.Parallel()
	old := baseCharacter()
	new := baseCharacter()
	new.Agent.ValidTags = []string{"think", "mood"}

	d := config.DiffCharacter(old, new)
	if !d.AgentChanged {
		t.Errorf("expected AgentChanged, got %+v", d)
	}
}

func TestDiffCharacter_Preprocessor(t *testing.T) {
	t.Parallel()
	old := baseCharacter()
	new := baseCharacter()
	new.TTSPreprocessor.IgnoreAsterisks = true

	d := config.DiffCharacter(old, new)
	if !d.PreprocessorChanged {
		t.Errorf("expected PreprocessorChanged, got %+v", d)
	}
}
