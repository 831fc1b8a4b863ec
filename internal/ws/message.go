package ws

// Message is one inbound client frame. All message kinds share this envelope;
// which fields are meaningful depends on Type.
type Message struct {
	Type string `json:"type"`

	// Audio carries mono float32 PCM samples for mic-audio-data and
	// raw-audio-data frames.
	Audio []float32 `json:"audio,omitempty"`

	// Text is the typed input for text-input, or the heard playback prefix
	// for interrupt-signal.
	Text string `json:"text,omitempty"`

	// Images optionally accompany text-input.
	Images []string `json:"images,omitempty"`

	// HistoryUID selects a conversation for the history operations.
	HistoryUID string `json:"history_uid,omitempty"`

	// File is the character config filename for switch-config.
	File string `json:"file,omitempty"`

	// ToolName and Arguments describe a direct mcp-tool-call.
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// Action and Volume drive adaptive-vad-control
	// (start | adjust | reset | stop).
	Action string  `json:"action,omitempty"`
	Volume float64 `json:"volume,omitempty"`
}
