package conversation

import (
	"github.com/ariavoice/aria/internal/pipeline"
	"github.com/ariavoice/aria/internal/wake"
)

// Outbound frame shapes. The hub marshals whatever the orchestrator hands to
// the send callback, so these double as the wire documentation for the turn
// protocol.

// ControlFrame carries turn lifecycle and microphone control signals.
type ControlFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// FullTextFrame shows a transient status line on the client.
type FullTextFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ErrorFrame reports a turn-level failure without dropping the connection.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WakeStateFrame wraps a gate transition for the client.
type WakeStateFrame struct {
	Type string `json:"type"`
	*wake.StateEvent
}

// ToolStatusFrame forwards tool call progress with the character name
// attached for display.
type ToolStatusFrame struct {
	Type     string `json:"type"`
	ToolID   string `json:"tool_id"`
	ToolName string `json:"tool_name"`
	Status   string `json:"status"`
	Content  string `json:"content,omitempty"`
	Name     string `json:"name"`
}

// SynthCompleteFrame signals that every TTS task of the turn has resolved.
type SynthCompleteFrame struct {
	Type string `json:"type"`
}

// AudioFrame is one ordered sentence payload: synthesized audio (base64 WAV,
// empty when nothing is spoken), the display form, and extracted actions.
// Tag marks side-channel content such as reasoning, which is never spoken.
type AudioFrame struct {
	Type        string               `json:"type"`
	Audio       string               `json:"audio,omitempty"`
	DisplayText pipeline.DisplayText `json:"display_text"`
	Actions     []string             `json:"actions"`
	Tag         string               `json:"tag,omitempty"`
}

const (
	frameControl       = "control"
	frameFullText      = "full-text"
	frameError         = "error"
	frameWakeState     = "wake-word-state"
	frameToolStatus    = "tool_call_status"
	frameSynthComplete = "backend-synth-complete"
	frameAudio         = "audio"

	controlChainStart = "conversation-chain-start"
	controlChainEnd   = "conversation-chain-end"
)
