package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"asr":        {"whisper-local", "whisper-api"},
	"tts":        {"openai"},
	"embeddings": {"openai", "ollama"},
	"vad":        {"silero"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// System
	if cfg.System.LogLevel != "" && !cfg.System.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("system.log_level %q is invalid; valid values: debug, info, warn, error", cfg.System.LogLevel))
	}
	if cfg.System.Port < 0 || cfg.System.Port > 65535 {
		errs = append(errs, fmt.Errorf("system.port %d is out of range [0, 65535]", cfg.System.Port))
	}
	if cfg.System.EnableHistory && cfg.System.History.PostgresDSN == "" {
		slog.Warn("system.enable_history is set but system.history.postgres_dsn is empty; history will be kept in memory only")
	}

	errs = append(errs, validateCharacter(&cfg.Character, "character")...)

	// MCP servers
	serverNamesSeen := make(map[string]int, len(cfg.System.MCP.Servers))
	for i, srv := range cfg.System.MCP.Servers {
		prefix := fmt.Sprintf("system.mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of system.mcp.servers[%d]", prefix, srv.Name, prev))
			}
			serverNamesSeen[srv.Name] = i
		}
		if srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required", prefix))
		}
		if srv.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout_seconds must not be negative", prefix))
		}
	}

	// Enabled server names must reference configured servers.
	for _, name := range cfg.Character.Agent.MCPEnabledServers {
		if _, ok := serverNamesSeen[name]; !ok {
			errs = append(errs, fmt.Errorf("character.agent.mcp_enabled_servers: %q is not a configured MCP server", name))
		}
	}

	return errors.Join(errs...)
}

// validateCharacter checks a single character block. prefix names the block
// in error messages so alt configs report their own path.
func validateCharacter(ch *CharacterConfig, prefix string) []error {
	var errs []error

	if ch.ConfName == "" {
		errs = append(errs, fmt.Errorf("%s.conf_name is required", prefix))
	}
	if ch.CharacterName == "" {
		errs = append(errs, fmt.Errorf("%s.character_name is required", prefix))
	}
	if ch.WakeLanguage != "" && !ch.WakeLanguage.IsValid() {
		errs = append(errs, fmt.Errorf("%s.wake_language %q is invalid; valid values: chinese, english, japanese", prefix, ch.WakeLanguage))
	}
	if ch.Agent.SegmentMethod != "" && !ch.Agent.SegmentMethod.IsValid() {
		errs = append(errs, fmt.Errorf("%s.agent.segment_method %q is invalid; valid values: regex, rule", prefix, ch.Agent.SegmentMethod))
	}
	if ch.Agent.InterruptRole != "" && !ch.Agent.InterruptRole.IsValid() {
		errs = append(errs, fmt.Errorf("%s.agent.interrupt_role %q is invalid; valid values: system, user", prefix, ch.Agent.InterruptRole))
	}
	if ch.VAD.ProbThreshold != 0 && (ch.VAD.ProbThreshold <= 0 || ch.VAD.ProbThreshold >= 1) {
		errs = append(errs, fmt.Errorf("%s.vad.prob_threshold %.2f is out of range (0, 1)", prefix, ch.VAD.ProbThreshold))
	}
	if ch.VAD.DBThreshold < 0 || ch.VAD.DBThreshold > 100 {
		errs = append(errs, fmt.Errorf("%s.vad.db_threshold %.0f is out of range [0, 100]", prefix, ch.VAD.DBThreshold))
	}
	if ch.Agent.LLM.Name == "" {
		errs = append(errs, fmt.Errorf("%s.agent.llm.name is required", prefix))
	}

	validateProviderName("llm", ch.Agent.LLM.Name)
	validateProviderName("asr", ch.ASR.Name)
	validateProviderName("tts", ch.TTS.Name)
	validateProviderName("embeddings", ch.Embeddings.Name)
	validateProviderName("vad", ch.VAD.Name)

	if ch.ASR.Name == "" {
		slog.Warn("no ASR provider configured; voice input will not be transcribed", "character", ch.ConfName)
	}
	if ch.TTS.Name == "" {
		slog.Warn("no TTS provider configured; replies will be text only", "character", ch.ConfName)
	}

	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
