package agent

// TextSource identifies where a piece of user input text came from.
type TextSource string

const (
	// SourceInput is text the user typed or spoke (post-ASR).
	SourceInput TextSource = "input"

	// SourceClipboard is content the user shared from their clipboard.
	SourceClipboard TextSource = "clipboard"
)

// TextInput is one piece of user-provided text.
type TextInput struct {
	Source  TextSource
	Content string
}

// Metadata carries per-turn flags alongside the input.
type Metadata struct {
	// ProactiveSpeak marks a server-initiated turn rather than a user turn.
	ProactiveSpeak bool

	// SkipMemory keeps the turn's user input out of the agent memory.
	SkipMemory bool

	// SkipHistory keeps the turn out of the persisted chat history.
	SkipHistory bool
}

// BatchInput is the complete input for one conversation turn.
type BatchInput struct {
	Texts []TextInput

	// Images are user-supplied images (data URLs or https URLs) shown to
	// the model alongside the text. Only the current turn carries them;
	// they are not kept in the agent's memory window.
	Images []string

	Metadata Metadata
}

// NewTextInput wraps a single user utterance into a BatchInput.
func NewTextInput(text string) BatchInput {
	return BatchInput{Texts: []TextInput{{Source: SourceInput, Content: text}}}
}
