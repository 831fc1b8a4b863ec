package pipeline

import (
	"strings"

	"github.com/ariavoice/aria/internal/config"
)

// DisplayText is the on-screen form of a sentence.
type DisplayText struct {
	Text   string `json:"text"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// SentenceUnit is one fully processed sentence ready for synthesis and
// delivery: the display form keeps emojis and formatting, TTSText is the
// filtered form sent to the speech engine, Actions carry avatar expression
// tokens extracted from the text.
type SentenceUnit struct {
	Display DisplayText
	TTSText string
	Actions []string
}

// Processor composes the extractor, display, and TTS filter stages applied
// to each divider segment.
type Processor struct {
	extractor *Extractor
	tts       config.TTSPreprocessorConfig
	name      string
	avatar    string
}

// NewProcessor creates a Processor. expressions is the avatar model's action
// vocabulary; name and avatar annotate the display form.
func NewProcessor(expressions []string, tts config.TTSPreprocessorConfig, name, avatar string) *Processor {
	return &Processor{
		extractor: NewExtractor(expressions),
		tts:       tts,
		name:      name,
		avatar:    avatar,
	}
}

// Process turns one spoken segment into a SentenceUnit.
func (p *Processor) Process(seg Segment) SentenceUnit {
	clean, actions := p.extractor.Extract(seg.Text)
	display := strings.TrimSpace(clean)
	return SentenceUnit{
		Display: DisplayText{Text: display, Name: p.name, Avatar: p.avatar},
		TTSText: FilterTTS(clean, p.tts),
		Actions: actions,
	}
}
