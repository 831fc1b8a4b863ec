// Package wake implements the wake-word gate that decides whether an
// utterance may enter the agent stage.
//
// Each connection runs a two-state machine: "listening" (only utterances
// containing a wake word get through, everything else is ignored) and
// "active" (everything gets through until an end word puts the connection
// back to sleep). Chinese, English, and Japanese word sets are built in;
// Latin-script words additionally tolerate small ASR misspellings via
// Levenshtein distance.
package wake

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/ariavoice/aria/internal/observe"
)

// Language tags a matched word's language.
type Language string

const (
	LangChinese  Language = "chinese"
	LangEnglish  Language = "english"
	LangJapanese Language = "japanese"
	LangUnknown  Language = "unknown"
)

// State is a connection's gate state.
type State string

const (
	StateListening State = "listening"
	StateActive    State = "active"
)

// Action names a gate transition reported to the client.
type Action string

const (
	ActionWakeUp  Action = "wake_up"
	ActionSleep   Action = "sleep"
	ActionIgnored Action = "ignored"
)

var wakeWords = map[Language][]string{
	LangChinese: {
		"艾莉亚", "嘿艾莉亚", "你好艾莉亚", "艾莉亚同学",
		"艾莉亚酱", "小雅", "小助手", "Aria",
	},
	LangEnglish: {
		"Aria", "Hey Aria", "Hello Aria", "Assistant",
		"Hey assistant", "Computer", "AI",
	},
	LangJapanese: {
		"こんにちは", "アリア", "アリアちゃん", "アシスタント", "こんにちはアリア",
		"助手", "おーい", "ねえ",
	},
}

var endWords = map[Language][]string{
	LangChinese: {
		"结束", "再见", "拜拜", "停止", "结束对话", "谢谢",
		"不聊了", "够了", "好了", "结束吧", "下次见",
	},
	LangEnglish: {
		"goodbye", "bye", "end", "stop", "finish", "thanks",
		"that's all", "see you", "later", "quit", "exit",
	},
	LangJapanese: {
		"さようなら", "バイバイ", "終わり", "停止", "やめて",
		"ありがとう", "また今度", "じゃあね", "おつかれ", "終了",
	},
}

// matchLanguages fixes the order words are tried in, Chinese first like the
// lists above.
var matchLanguages = []Language{LangChinese, LangEnglish, LangJapanese}

// leadingPunct strips connective punctuation left over after removing a
// wake word from the front of an utterance.
var leadingPunct = regexp.MustCompile(`^[,，。、\s]+`)

// previewRunes caps the ignored-utterance preview sent to the client.
const previewRunes = 50

// Stats counts gate decisions since startup.
type Stats struct {
	WakeCount    int `json:"wake_count"`
	EndCount     int `json:"end_count"`
	IgnoredCount int `json:"ignored_count"`
}

// AdControl hints whether the UI should run background advertisement
// content. Pure notification; the gate does not manage the player.
type AdControl struct {
	ShouldShowAds bool   `json:"should_show_ads"`
	ControlAction string `json:"control_action"`
	TriggerReason string `json:"trigger_reason"`
}

// StateEvent is the wake-word-state payload sent to the client on every
// transition or ignore.
type StateEvent struct {
	ClientUID     string    `json:"client_uid"`
	Action        Action    `json:"action"`
	MatchedWord   string    `json:"matched_word"`
	Language      Language  `json:"language"`
	CurrentState  State     `json:"current_state"`
	Stats         Stats     `json:"stats"`
	Advertisement AdControl `json:"advertisement_control"`
}

// Decision is the gate's verdict on one utterance.
type Decision struct {
	// Proceed reports whether the utterance (or a substitute) enters the
	// agent stage.
	Proceed bool

	// Text is what the agent should receive: the residue after a wake word,
	// a localized welcome or farewell line, or the utterance unchanged.
	Text string

	// Event is the state notification for the client, nil for a plain
	// pass-through in the active state.
	Event *StateEvent
}

// Gate is the wake-word state machine shared by all connections.
// All methods are safe for concurrent use.
type Gate struct {
	log     *slog.Logger
	metrics *observe.Metrics

	// maxDistance is the Levenshtein tolerance for Latin-script words.
	maxDistance int

	mu      sync.Mutex
	states  map[string]State
	langs   map[string]Language
	enabled bool
	stats   Stats
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gate) { g.log = log }
}

// WithMetrics sets the metrics sink for wake decision counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithFuzzyDistance sets the Levenshtein tolerance for Latin-script wake and
// end words. Zero disables fuzzy matching.
func WithFuzzyDistance(n int) Option {
	return func(g *Gate) { g.maxDistance = n }
}

// New creates an enabled Gate.
func New(opts ...Option) *Gate {
	g := &Gate{
		log:         slog.Default(),
		metrics:     observe.DefaultMetrics(),
		maxDistance: 1,
		states:      make(map[string]State),
		langs:       make(map[string]Language),
		enabled:     true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetClientLanguage restricts the connection's wake and end word matching to
// one language, per the character's wake_language setting. Empty or unknown
// restores matching across all built-in lists.
func (g *Gate) SetClientLanguage(clientUID string, lang Language) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch lang {
	case LangChinese, LangEnglish, LangJapanese:
		g.langs[clientUID] = lang
	default:
		delete(g.langs, clientUID)
	}
}

// clientLanguagesLocked returns the language lists tried for a connection.
func (g *Gate) clientLanguagesLocked(clientUID string) []Language {
	if lang, ok := g.langs[clientUID]; ok {
		return []Language{lang}
	}
	return matchLanguages
}

// ClientState returns the connection's current state.
func (g *Gate) ClientState(clientUID string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked(clientUID)
}

func (g *Gate) stateLocked(clientUID string) State {
	if s, ok := g.states[clientUID]; ok {
		return s
	}
	return StateListening
}

// Process runs one utterance through the state machine.
func (g *Gate) Process(ctx context.Context, clientUID, text string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.enabled {
		return Decision{Proceed: true, Text: text}
	}

	text = strings.TrimSpace(text)

	languages := g.clientLanguagesLocked(clientUID)

	switch g.stateLocked(clientUID) {
	case StateListening:
		word, lang, ok := g.match(wakeWords, text, languages)
		if !ok {
			g.stats.IgnoredCount++
			g.metrics.RecordWakeDecision(ctx, "ignored")
			g.log.Debug("utterance ignored in listening state", "client", clientUID)
			return Decision{Event: g.eventLocked(clientUID, ActionIgnored, preview(text), LangUnknown)}
		}

		g.states[clientUID] = StateActive
		g.stats.WakeCount++
		g.metrics.RecordWakeDecision(ctx, "accepted")
		g.log.Info("wake word activated", "client", clientUID, "word", word, "language", lang)

		event := g.eventLocked(clientUID, ActionWakeUp, word, lang)
		if residue := extractResidue(text, word); residue != "" {
			return Decision{Proceed: true, Text: residue, Event: event}
		}
		return Decision{Proceed: true, Text: welcomeMessage(word, lang), Event: event}

	default: // StateActive
		word, lang, ok := g.match(endWords, text, languages)
		if !ok {
			return Decision{Proceed: true, Text: text}
		}

		g.states[clientUID] = StateListening
		g.stats.EndCount++
		g.metrics.RecordWakeDecision(ctx, "ended")
		g.log.Info("wake word deactivated", "client", clientUID, "word", word, "language", lang)

		return Decision{
			Proceed: true,
			Text:    goodbyeMessage(lang),
			Event:   g.eventLocked(clientUID, ActionSleep, word, lang),
		}
	}
}

// match finds the word from the given languages' lists contained in text. CJK
// words match by substring; Latin-script words match case-insensitively and,
// for words of four or more letters, within the fuzzy distance. The longest
// match wins so "Hey Aria" beats the bare "Aria" it contains, with the fixed
// language order breaking ties.
func (g *Gate) match(words map[Language][]string, text string, languages []Language) (string, Language, bool) {
	lower := strings.ToLower(text)

	var (
		bestWord string
		bestLang Language
		found    bool
	)
	for _, lang := range languages {
		for _, word := range words[lang] {
			var hit bool
			if lang == LangEnglish {
				hit = strings.Contains(lower, strings.ToLower(word)) ||
					g.fuzzyContains(lower, strings.ToLower(word))
			} else {
				hit = strings.Contains(text, word)
			}
			if hit && len(word) > len(bestWord) {
				bestWord, bestLang, found = word, lang, true
			}
		}
	}
	return bestWord, bestLang, found
}

// fuzzyContains reports whether any token of text is within maxDistance of
// word. Short words are excluded; at typical ASR error rates they would
// match almost anything.
func (g *Gate) fuzzyContains(text, word string) bool {
	if g.maxDistance <= 0 || len([]rune(word)) < 4 || strings.ContainsRune(word, ' ') {
		return false
	}
	for _, token := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	}) {
		if matchr.Levenshtein(token, word) <= g.maxDistance {
			return true
		}
	}
	return false
}

// eventLocked builds the state event after a transition has been applied.
func (g *Gate) eventLocked(clientUID string, action Action, word string, lang Language) *StateEvent {
	state := g.stateLocked(clientUID)
	controlAction := "stop_ads"
	if state == StateListening {
		controlAction = "start_ads"
	}
	return &StateEvent{
		ClientUID:    clientUID,
		Action:       action,
		MatchedWord:  word,
		Language:     lang,
		CurrentState: state,
		Stats:        g.stats,
		Advertisement: AdControl{
			ShouldShowAds: state == StateListening,
			ControlAction: controlAction,
			TriggerReason: string(action),
		},
	}
}

// extractResidue removes the first occurrence of the matched word and strips
// leading connective punctuation, yielding the command that followed the
// wake word ("Hey Aria, what time is it?" → "what time is it?").
func extractResidue(text, word string) string {
	idx := strings.Index(strings.ToLower(text), strings.ToLower(word))
	if idx < 0 {
		return ""
	}
	remaining := text[:idx] + text[idx+len(word):]
	return leadingPunct.ReplaceAllString(strings.TrimSpace(remaining), "")
}

// preview truncates an ignored utterance for the client notification.
func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes]) + "..."
}

// welcomeMessage is spoken when the user said only the wake word.
func welcomeMessage(word string, lang Language) string {
	switch lang {
	case LangEnglish:
		name := strings.TrimPrefix(strings.TrimPrefix(word, "Hey "), "Hello ")
		return "Hello! I'm " + name + ", how can I help you?"
	case LangJapanese:
		name := strings.ReplaceAll(word, "こんにちは", "")
		return "こんにちは！" + name + "です。何かお手伝いできることはありますか？"
	default:
		name := strings.NewReplacer("嘿", "", "你好", "").Replace(word)
		return "你好！我是" + name + "，有什么可以帮你的吗？"
	}
}

// goodbyeMessage is spoken when an end word puts the gate back to sleep.
func goodbyeMessage(lang Language) string {
	switch lang {
	case LangEnglish:
		return "Alright, goodbye! Call me anytime you need help."
	case LangJapanese:
		return "はい、さようなら！何かあったらいつでも呼んでくださいね。"
	default:
		return "好的，再见！有需要随时叫我。"
	}
}

// CleanupClient forgets a connection's state and language restriction.
func (g *Gate) CleanupClient(clientUID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.states, clientUID)
	delete(g.langs, clientUID)
}

// Enabled reports whether the gate is active.
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// SetEnabled toggles the gate. Disabling moves every known connection to
// the active state so all conversation flows freely.
func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
	if !enabled {
		for uid := range g.states {
			g.states[uid] = StateActive
		}
	}
	g.log.Info("wake word gate toggled", "enabled", enabled)
}

// Status summarises the gate for admin inspection.
type Status struct {
	Enabled          bool  `json:"enabled"`
	ActiveClients    int   `json:"active_clients"`
	ListeningClients int   `json:"listening_clients"`
	TotalClients     int   `json:"total_clients"`
	Stats            Stats `json:"stats"`
}

// CurrentStatus returns a snapshot of the gate's state and counters.
func (g *Gate) CurrentStatus() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Status{Enabled: g.enabled, TotalClients: len(g.states), Stats: g.stats}
	for _, state := range g.states {
		if state == StateActive {
			s.ActiveClients++
		} else {
			s.ListeningClients++
		}
	}
	return s
}
