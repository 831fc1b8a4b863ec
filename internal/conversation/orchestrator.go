// Package conversation implements the per-connection turn orchestrator.
//
// One logical turn runs user input end to end: optional ASR, the wake-word
// gate, the streaming agent, the sentence pipeline, and concurrent TTS with
// ordered delivery. The orchestrator owns turn cancellation: a new trigger or
// an interrupt cancels the in-flight turn before anything new is published.
package conversation

import (
	"context"
	"encoding/base64"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ariavoice/aria/internal/agent"
	"github.com/ariavoice/aria/internal/config"
	"github.com/ariavoice/aria/internal/history"
	"github.com/ariavoice/aria/internal/observe"
	"github.com/ariavoice/aria/internal/pipeline"
	"github.com/ariavoice/aria/internal/wake"
	"github.com/ariavoice/aria/pkg/audio"
	"github.com/ariavoice/aria/pkg/provider/asr"
	"github.com/ariavoice/aria/pkg/provider/tts"
)

const defaultProactivePrompt = "Please say something."

// turnEmojis tag turns in logs so overlapping lifecycles can be told apart.
var turnEmojis = []string{
	"🐶", "🐱", "🐭", "🐹", "🐰", "🦊", "🐻", "🐼", "🐨", "🐯",
	"🦁", "🐮", "🐷", "🐸", "🐵", "🐔", "🐧", "🐦", "🦄", "🐙",
}

// SendFunc delivers one outbound frame to the client. The hub marshals the
// value to JSON; delivery is best-effort.
type SendFunc func(v any)

// ChatAgent is the agent surface the orchestrator drives. *agent.Agent
// implements it.
type ChatAgent interface {
	Chat(ctx context.Context, input agent.BatchInput) <-chan agent.Event
	HandleInterrupt(heard string)
}

// EmbedFunc computes the embedding stored alongside history rows for
// semantic recall. Nil disables embeddings.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Input is one turn trigger.
type Input struct {
	// Text is typed user input. Ignored when Samples is set.
	Text string

	// Clipboard is content the user shared alongside the text.
	Clipboard string

	// Images are user-supplied images (data URLs or https URLs) shown to
	// the model alongside the text.
	Images []string

	// Samples is the microphone PCM buffer of a spoken utterance.
	Samples    []float32
	SampleRate int

	// Proactive marks a server-initiated turn (ai-speak-signal).
	Proactive bool
}

// PipelineConfig groups the sentence pipeline settings for one character.
type PipelineConfig struct {
	SegmentMethod       config.SegmentMethod
	FasterFirstResponse bool

	// ValidTags are tag names preserved as side-channel segments (e.g.
	// "think"); their content is displayed but never spoken.
	ValidTags []string

	// Expressions is the avatar model's action token vocabulary.
	Expressions []string

	TTSPreprocessor config.TTSPreprocessorConfig
}

// Orchestrator runs turns for one connection. At most one turn is in flight;
// triggering a new one cancels the previous turn first.
type Orchestrator struct {
	log     *slog.Logger
	metrics *observe.Metrics

	chatAgent ChatAgent
	gate      *wake.Gate
	asr       asr.Provider
	tts       tts.Provider
	voice     string
	store     history.Store
	embed     EmbedFunc

	characterName string
	humanName     string
	avatar        string
	confUID       string

	pipelineCfg     PipelineConfig
	proactivePrompt string

	mu         sync.Mutex
	historyUID string
	current    *turn
}

type turn struct {
	cancel      context.CancelFunc
	done        chan struct{}
	emoji       string
	interrupted bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithASR sets the speech recognition provider for audio input.
func WithASR(p asr.Provider) Option {
	return func(o *Orchestrator) { o.asr = p }
}

// WithTTS sets the synthesis provider and voice. Without it, sentence frames
// carry only display text.
func WithTTS(p tts.Provider, voice string) Option {
	return func(o *Orchestrator) {
		o.tts = p
		o.voice = voice
	}
}

// WithHistory enables history persistence for confUID.
func WithHistory(store history.Store, confUID string) Option {
	return func(o *Orchestrator) {
		o.store = store
		o.confUID = confUID
	}
}

// WithEmbed sets the embedding function applied to persisted messages.
func WithEmbed(fn EmbedFunc) Option {
	return func(o *Orchestrator) { o.embed = fn }
}

// WithCharacter sets the display identities stamped on frames and history.
func WithCharacter(characterName, humanName, avatar string) Option {
	return func(o *Orchestrator) {
		o.characterName = characterName
		o.humanName = humanName
		o.avatar = avatar
	}
}

// WithPipeline sets the sentence pipeline configuration.
func WithPipeline(cfg PipelineConfig) Option {
	return func(o *Orchestrator) { o.pipelineCfg = cfg }
}

// WithProactivePrompt sets the prompt text used for ai-speak-signal turns.
func WithProactivePrompt(prompt string) Option {
	return func(o *Orchestrator) { o.proactivePrompt = prompt }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an Orchestrator for one connection.
func New(chatAgent ChatAgent, gate *wake.Gate, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
		chatAgent: chatAgent,
		gate:      gate,
		pipelineCfg: PipelineConfig{
			SegmentMethod: config.SegmentRegex,
		},
		proactivePrompt: defaultProactivePrompt,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetHistoryUID selects the conversation that turn messages are appended to.
// Empty disables persistence until the next selection.
func (o *Orchestrator) SetHistoryUID(uid string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.historyUID = uid
}

// HistoryUID returns the currently selected conversation.
func (o *Orchestrator) HistoryUID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.historyUID
}

// ── Turn lifecycle ───────────────────────────────────────────────────────────

// Trigger starts a new turn, cancelling any in-flight one first. The previous
// turn fully settles before the new turn publishes anything. The returned
// channel closes when the turn ends.
func (o *Orchestrator) Trigger(ctx context.Context, clientUID string, send SendFunc, in Input) <-chan struct{} {
	turnCtx, cancel := context.WithCancel(ctx)
	t := &turn{
		cancel: cancel,
		done:   make(chan struct{}),
		emoji:  turnEmojis[rand.Intn(len(turnEmojis))],
	}

	o.mu.Lock()
	prev := o.current
	o.current = t
	o.mu.Unlock()

	go func() {
		defer close(t.done)
		defer cancel()
		if prev != nil {
			prev.cancel()
			<-prev.done
		}
		o.runTurn(turnCtx, t, clientUID, send, in)
	}()
	return t.done
}

// Interrupt cancels the in-flight turn and records the barge-in: the agent
// truncates its last reply to what the client reports it heard, and the
// truncated reply plus the interruption marker go to history. A second
// interrupt on the same turn is a no-op.
func (o *Orchestrator) Interrupt(ctx context.Context, heard string) {
	o.mu.Lock()
	t := o.current
	if t == nil || t.interrupted {
		o.mu.Unlock()
		return
	}
	t.interrupted = true
	o.mu.Unlock()

	t.cancel()
	o.chatAgent.HandleInterrupt(heard)
	o.metrics.Interrupts.Add(ctx, 1)
	o.log.Info("turn interrupted", "turn", t.emoji, "heard_len", len(heard))

	if heard != "" {
		o.appendHistory(ctx, "ai", heard, o.characterName, o.avatar)
	}
	o.appendHistory(ctx, "system", "[Interrupted by user]", "", "")
}

// Close cancels the in-flight turn and waits for it to settle.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	t := o.current
	o.current = nil
	o.mu.Unlock()

	if t != nil {
		t.cancel()
		<-t.done
	}
}

// ── Turn execution ───────────────────────────────────────────────────────────

func (o *Orchestrator) runTurn(ctx context.Context, t *turn, clientUID string, send SendFunc, in Input) {
	start := time.Now()
	log := o.log.With("turn", t.emoji, "client", clientUID)

	o.metrics.ActiveTurns.Add(ctx, 1)
	defer o.metrics.ActiveTurns.Add(context.Background(), -1)

	log.Info("conversation turn started")
	send(ControlFrame{Type: frameControl, Text: controlChainStart})

	meta := agent.Metadata{}
	text := in.Text

	if in.Proactive {
		send(FullTextFrame{Type: frameFullText, Text: "AI wants to speak something..."})
		text = o.proactivePrompt
		meta = agent.Metadata{ProactiveSpeak: true, SkipMemory: true, SkipHistory: true}
	}

	if len(in.Samples) > 0 {
		asrStart := time.Now()
		transcript, err := o.asr.Transcribe(ctx, in.Samples, in.SampleRate)
		o.metrics.ASRDuration.Record(ctx, time.Since(asrStart).Seconds())
		if err != nil {
			if ctx.Err() == nil {
				log.Error("transcription failed", "error", err)
				o.metrics.RecordProviderError(ctx, "asr", "transcribe")
				o.metrics.RecordTurn(ctx, "error")
				send(ErrorFrame{Type: frameError, Message: "Speech recognition failed: " + err.Error()})
				send(ControlFrame{Type: frameControl, Text: controlChainEnd})
			}
			return
		}
		text = transcript
	}

	if strings.TrimSpace(text) == "" && in.Clipboard == "" {
		log.Debug("turn ended with empty input")
		send(ControlFrame{Type: frameControl, Text: controlChainEnd})
		return
	}

	decision := o.gate.Process(ctx, clientUID, text)
	if decision.Event != nil {
		send(WakeStateFrame{Type: frameWakeState, StateEvent: decision.Event})
	}
	if !decision.Proceed {
		log.Debug("turn gated in listening state")
		send(ControlFrame{Type: frameControl, Text: controlChainEnd})
		return
	}
	text = decision.Text

	input := agent.NewTextInput(text)
	if in.Clipboard != "" {
		input.Texts = append(input.Texts, agent.TextInput{Source: agent.SourceClipboard, Content: in.Clipboard})
	}
	input.Images = in.Images
	input.Metadata = meta

	if !meta.SkipHistory {
		o.appendHistory(ctx, "human", text, o.humanName, "")
	}

	divider := pipeline.NewDivider(
		o.pipelineCfg.SegmentMethod,
		o.pipelineCfg.FasterFirstResponse,
		o.pipelineCfg.ValidTags,
	)
	proc := pipeline.NewProcessor(
		o.pipelineCfg.Expressions,
		o.pipelineCfg.TTSPreprocessor,
		o.characterName,
		o.avatar,
	)

	// TTS runs concurrently per sentence; the deliverer awaits tasks in
	// divider order so sentence frames reach the client in input order.
	tasks := make(chan *synthTask, 16)
	delivered := make(chan struct{})
	go o.deliver(ctx, tasks, send, delivered)

	var full strings.Builder
	for ev := range o.chatAgent.Chat(ctx, input) {
		switch ev.Kind {
		case agent.EventText:
			full.WriteString(ev.Text)
			for _, seg := range divider.Feed(ev.Text) {
				o.enqueue(ctx, tasks, proc, seg)
			}
		case agent.EventToolStatus:
			send(ToolStatusFrame{
				Type:     frameToolStatus,
				ToolID:   ev.Status.ToolID,
				ToolName: ev.Status.Name,
				Status:   string(ev.Status.Status),
				Content:  ev.Status.Content,
				Name:     o.characterName,
			})
		}
	}
	for _, seg := range divider.Flush() {
		o.enqueue(ctx, tasks, proc, seg)
	}
	close(tasks)
	<-delivered

	if ctx.Err() != nil {
		log.Info("conversation turn cancelled")
		o.metrics.RecordTurn(context.Background(), "interrupted")
		return
	}

	send(SynthCompleteFrame{Type: frameSynthComplete})

	if !meta.SkipHistory && full.Len() > 0 {
		o.appendHistory(ctx, "ai", full.String(), o.characterName, o.avatar)
	}

	send(ControlFrame{Type: frameControl, Text: controlChainEnd})
	o.metrics.RecordTurn(ctx, "completed")
	o.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	log.Info("conversation turn finished", "elapsed", time.Since(start), "response_len", full.Len())
}

// ── Sentence synthesis ───────────────────────────────────────────────────────

type synthResult struct {
	res *tts.Result
	err error
}

type synthTask struct {
	unit pipeline.SentenceUnit
	tag  string
	ch   chan synthResult
}

// enqueue starts synthesis for one segment and hands the task to the
// deliverer. Tagged side-channel segments and empty TTS text skip synthesis.
func (o *Orchestrator) enqueue(ctx context.Context, tasks chan<- *synthTask, proc *pipeline.Processor, seg pipeline.Segment) {
	task := &synthTask{
		unit: proc.Process(seg),
		tag:  seg.Tag,
		ch:   make(chan synthResult, 1),
	}

	if o.tts == nil || seg.Tag != "" || task.unit.TTSText == "" {
		task.ch <- synthResult{}
	} else {
		go func() {
			synthStart := time.Now()
			res, err := o.tts.Synthesize(ctx, task.unit.TTSText, o.voice)
			o.metrics.TTSDuration.Record(ctx, time.Since(synthStart).Seconds())
			task.ch <- synthResult{res: res, err: err}
		}()
	}
	tasks <- task
}

// deliver sends sentence frames in task order, awaiting each synthesis in
// turn. On cancellation it keeps draining tasks without sending so enqueue
// never blocks.
func (o *Orchestrator) deliver(ctx context.Context, tasks <-chan *synthTask, send SendFunc, done chan<- struct{}) {
	defer close(done)
	for task := range tasks {
		result := <-task.ch
		if ctx.Err() != nil {
			continue
		}
		if result.err != nil {
			o.log.Error("synthesis failed", "error", result.err)
			o.metrics.RecordProviderError(ctx, "tts", "synthesize")
			send(ErrorFrame{Type: frameError, Message: "Speech synthesis failed: " + result.err.Error()})
		}

		frame := AudioFrame{
			Type:        frameAudio,
			DisplayText: task.unit.Display,
			Actions:     task.unit.Actions,
			Tag:         task.tag,
		}
		if result.res != nil && len(result.res.PCM) > 0 {
			wav := audio.EncodeWAV(result.res.PCM, result.res.SampleRate, 1)
			frame.Audio = base64.StdEncoding.EncodeToString(wav)
		}
		send(frame)
	}
}

// ── History ──────────────────────────────────────────────────────────────────

// appendHistory persists one message when history is configured. Failures
// are logged; a history outage never breaks the turn.
func (o *Orchestrator) appendHistory(ctx context.Context, role, content, name, avatar string) {
	o.mu.Lock()
	uid := o.historyUID
	o.mu.Unlock()
	if o.store == nil || uid == "" {
		return
	}

	msg := history.Message{
		Role:      role,
		Content:   content,
		Name:      name,
		Avatar:    avatar,
		Timestamp: time.Now(),
	}
	if o.embed != nil && (role == "human" || role == "ai") {
		if vec, err := o.embed(ctx, content); err != nil {
			o.log.Warn("embedding for history failed", "error", err)
		} else {
			msg.Embedding = vec
		}
	}
	if err := o.store.Append(ctx, o.confUID, uid, msg); err != nil {
		o.log.Warn("history append failed", "role", role, "error", err)
	}
}
