package config

import "reflect"

// CharacterDiff describes what changed between two character configs. The
// character switch uses it to decide between the fast path (update identity
// and prompts in place) and a full provider re-initialisation.
type CharacterDiff struct {
	// Identity-level changes, safe to apply without rebuilding providers.
	NameChanged    bool
	PersonaChanged bool
	AvatarChanged  bool
	WakeChanged    bool

	// Provider-level changes, each requiring the named engine to be rebuilt.
	LLMChanged        bool
	ASRChanged        bool
	TTSChanged        bool
	VADChanged        bool
	EmbeddingsChanged bool

	// AgentChanged covers agent behaviour flags (segmentation, tool calling,
	// interrupt role), which require the agent to be rebuilt but not the
	// providers.
	AgentChanged bool

	// PreprocessorChanged covers the TTS text filter policy.
	PreprocessorChanged bool
}

// NeedsProviderInit reports whether any provider must be rebuilt to apply
// the new character.
func (d CharacterDiff) NeedsProviderInit() bool {
	return d.LLMChanged || d.ASRChanged || d.TTSChanged || d.VADChanged || d.EmbeddingsChanged
}

// Empty reports whether nothing changed.
func (d CharacterDiff) Empty() bool {
	return d == CharacterDiff{}
}

// DiffCharacter compares two character configs and returns what changed.
func DiffCharacter(old, new *CharacterConfig) CharacterDiff {
	d := CharacterDiff{}

	if old.CharacterName != new.CharacterName || old.HumanName != new.HumanName ||
		old.ConfName != new.ConfName || old.ConfUID != new.ConfUID {
		d.NameChanged = true
	}
	if old.PersonaPrompt != new.PersonaPrompt {
		d.PersonaChanged = true
	}
	if old.Avatar != new.Avatar || old.Live2DModelName != new.Live2DModelName ||
		!reflect.DeepEqual(old.Expressions, new.Expressions) {
		d.AvatarChanged = true
	}
	if old.WakeLanguage != new.WakeLanguage {
		d.WakeChanged = true
	}

	if !reflect.DeepEqual(old.Agent.LLM, new.Agent.LLM) {
		d.LLMChanged = true
	}
	if !reflect.DeepEqual(old.ASR, new.ASR) {
		d.ASRChanged = true
	}
	if !reflect.DeepEqual(old.TTS, new.TTS) {
		d.TTSChanged = true
	}
	if old.VAD != new.VAD {
		d.VADChanged = true
	}
	if !reflect.DeepEqual(old.Embeddings, new.Embeddings) {
		d.EmbeddingsChanged = true
	}

	if old.Agent.FasterFirstResponse != new.Agent.FasterFirstResponse ||
		old.Agent.SegmentMethod != new.Agent.SegmentMethod ||
		old.Agent.InterruptRole != new.Agent.InterruptRole ||
		old.Agent.UseMCP != new.Agent.UseMCP ||
		!reflect.DeepEqual(old.Agent.ValidTags, new.Agent.ValidTags) ||
		!reflect.DeepEqual(old.Agent.MCPEnabledServers, new.Agent.MCPEnabledServers) {
		d.AgentChanged = true
	}

	if old.TTSPreprocessor != new.TTSPreprocessor {
		d.PreprocessorChanged = true
	}

	return d
}
