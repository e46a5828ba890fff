// Package orchestrator implements the Turn Orchestrator (§4.3): the state
// machine driving one logical conversation turn from a closed
// SpeechSegment or a text input through transcription, activation
// gating, LLM generation, and TTS speaking, owning cancellation and the
// context carry-over rule for barge-in.
//
// Grounded on the teacher's internal/agent.Session (Start/BargeIn/
// chunkReply CHUNK_LOOP in session.go) for the turn lifecycle and
// cancellation shape, and on original_source/core/interrupt_manager.py
// for the interrupt bookkeeping the carry-over rule depends on (kept here
// as a single one-shot pending carry-over record).
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/voxdialog/internal/capability"
	"github.com/chadiek/voxdialog/internal/dialogerr"
	"github.com/chadiek/voxdialog/internal/history"
	"github.com/chadiek/voxdialog/internal/logging"
	"github.com/chadiek/voxdialog/internal/model"
	"github.com/chadiek/voxdialog/internal/reply"
)

// ActivationSettings mirrors config.ActivationSettings without importing
// the config package, keeping the Orchestrator independent of how its
// settings were loaded.
type ActivationSettings struct {
	Enabled           bool
	Keywords          []string
	TimeoutSeconds    int
	ActivationReply   string
	DeactivationReply string
}

// Settings tunes timing constants the spec fixes defaults for.
type Settings struct {
	CarryoverWindow time.Duration
	HistoryBudget   int
	MaxPendingChars int
	ProviderRetries int
	SystemPrompt    string
	Activation      ActivationSettings

	ASRTimeout           time.Duration
	LLMFirstTokenTimeout time.Duration
	LLMTokenTimeout      time.Duration
	TTSTimeout           time.Duration
}

func (s *Settings) applyDefaults() {
	if s.CarryoverWindow <= 0 {
		s.CarryoverWindow = 8000 * time.Millisecond
	}
	if s.HistoryBudget <= 0 {
		s.HistoryBudget = 4000
	}
	if s.MaxPendingChars <= 0 {
		s.MaxPendingChars = 120
	}
	if s.ProviderRetries <= 0 {
		s.ProviderRetries = 2
	}
	if s.ASRTimeout <= 0 {
		s.ASRTimeout = 15 * time.Second
	}
	if s.LLMFirstTokenTimeout <= 0 {
		s.LLMFirstTokenTimeout = 10 * time.Second
	}
	if s.LLMTokenTimeout <= 0 {
		s.LLMTokenTimeout = 30 * time.Second
	}
	if s.TTSTimeout <= 0 {
		s.TTSTimeout = 20 * time.Second
	}
	if s.Activation.ActivationReply == "" {
		s.Activation.ActivationReply = "I'm listening."
	}
	if s.Activation.DeactivationReply == "" {
		s.Activation.DeactivationReply = "Let me know if you need anything else."
	}
	if s.Activation.TimeoutSeconds <= 0 {
		s.Activation.TimeoutSeconds = 60
	}
}

// carryover is the pending-once record captured at barge-in time.
type carryover struct {
	userText string
	eligible bool
}

// Orchestrator drives turns for one session. Not safe for concurrent
// SubmitSegment/SubmitText calls from multiple goroutines — by design it is
// the single-flight per-session activity the concurrency model requires;
// callers serialize through one Session loop.
type Orchestrator struct {
	sessionID model.SessionId
	asr       capability.ASR
	llm       capability.LLM
	tts       capability.TTS
	hist      *history.Log
	emit      reply.Emit
	settings  Settings
	log       *zap.Logger

	// archiveAudio hands a completed turn's accumulated audio bytes to the
	// session's best-effort Archiver (§4.5 supplement). May be nil.
	archiveAudio func(turnID string, audio []byte)

	// spawn launches a turn's goroutine. Defaults to a detached `go f()`;
	// SetSpawn lets the owning Session join it under its own coordinator
	// instead of leaving it untracked.
	spawn func(func())

	mu                 sync.Mutex
	active             *model.ReplyTurn
	activeSegmentEndAt time.Time
	done               chan struct{}
	pending            *carryover

	turnCounter int64

	activationActive bool
	lastActivityAt   time.Time
}

// New constructs an Orchestrator for one session. archiveAudio, if
// non-nil, is invoked once per completed or cancelled turn with the turn's
// id and accumulated audio bytes, on the turn's own goroutine; it must not
// block the next turn (the caller is expected to hand off to its own
// background archiver rather than upload synchronously here).
func New(sessionID model.SessionId, asr capability.ASR, llm capability.LLM, tts capability.TTS, hist *history.Log, emit reply.Emit, settings Settings, log *zap.Logger, archiveAudio func(turnID string, audio []byte)) *Orchestrator {
	settings.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	o := &Orchestrator{
		sessionID:    sessionID,
		asr:          asr,
		llm:          llm,
		tts:          tts,
		hist:         hist,
		emit:         emit,
		settings:     settings,
		log:          log,
		archiveAudio: archiveAudio,
		spawn:        func(f func()) { go f() },
	}
	o.activationActive = !settings.Activation.Enabled // inactive only matters when gating is enabled
	return o
}

// SetSpawn overrides how the Orchestrator launches a turn's goroutine, so
// a caller can join it under its own shutdown-bounded coordinator rather
// than leaving it untracked. A nil spawn is ignored.
func (o *Orchestrator) SetSpawn(spawn func(func())) {
	if spawn != nil {
		o.spawn = spawn
	}
}

// NotifySpeechStarted implements the barge-in rule: if a turn is active,
// cancel it immediately and record whether the upcoming Utterance is
// eligible for carry-over, gated on the gap between the cancelled turn's
// originating segment's EOS and this SpeechStarted moment.
func (o *Orchestrator) NotifySpeechStarted(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil || o.active.Cancelled() {
		return
	}
	gap := now.Sub(o.activeSegmentEndAt)
	o.pending = &carryover{
		userText: o.active.UserText,
		eligible: gap >= 0 && gap <= o.settings.CarryoverWindow,
	}
	o.active.Cancel()
	logging.ForTurn(o.log, o.active.ID).Debug("barge-in: cancelled active turn", zap.Bool("carryover_eligible", o.pending.eligible))
}

func (o *Orchestrator) awaitActiveTeardown() {
	o.mu.Lock()
	turn := o.active
	done := o.done
	o.mu.Unlock()
	if turn == nil {
		return
	}
	turn.Cancel()
	if done != nil {
		<-done
	}
}

// SubmitSegment begins a turn from a closed SpeechSegment: transcribes it,
// then proceeds exactly like SubmitText with the transcript's text.
func (o *Orchestrator) SubmitSegment(ctx context.Context, segment model.SpeechSegment, sampleRate int, language string, segmentEndAt time.Time) {
	o.awaitActiveTeardown()

	asrCtx, cancel := context.WithTimeout(ctx, o.settings.ASRTimeout)
	transcript, err := o.recognizeWithRetry(asrCtx, segment, sampleRate, language)
	cancel()
	if err != nil {
		o.log.Error("asr failed", zap.Error(err))
		o.emitError(dialogerr.KindOf(err), err.Error())
		return
	}

	o.emit(model.OutboundEvent{Type: model.EventAsrUpdate, SessionID: o.sessionID, Text: transcript.Text, IsFinal: true})

	if strings.TrimSpace(transcript.Text) == "" {
		return // empty transcript: append nothing, return to Listening
	}

	o.beginTurn(ctx, transcript.Text, segmentEndAt)
}

func (o *Orchestrator) recognizeWithRetry(ctx context.Context, segment model.SpeechSegment, sampleRate int, language string) (model.Transcript, error) {
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= o.settings.ProviderRetries; attempt++ {
		t, err := o.asr.Recognize(ctx, segment, sampleRate, language)
		if err == nil {
			return t, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < o.settings.ProviderRetries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				break
			}
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}
	if ctx.Err() != nil {
		return model.Transcript{}, dialogerr.New(dialogerr.ProviderTimeout, "asr", lastErr)
	}
	return model.Transcript{}, dialogerr.New(dialogerr.ProviderUnavailable, "asr", lastErr)
}

// SubmitText begins a turn directly from text input (CLIENT_TEXT_INPUT),
// skipping ASR. Per the resolved Open Question, any active segment has
// already been force-closed by the caller (Session) before this is
// invoked, so a text turn always supersedes whatever the segmenter was
// mid-way through.
func (o *Orchestrator) SubmitText(ctx context.Context, text string) {
	o.awaitActiveTeardown()
	if strings.TrimSpace(text) == "" {
		return
	}
	o.beginTurn(ctx, text, time.Now())
}

// CancelActive is the idempotent external cancel operation (§4.3). Blocks
// until the active turn, if any, has observed cancellation and its
// goroutine has exited.
func (o *Orchestrator) CancelActive() {
	o.awaitActiveTeardown()
}

func (o *Orchestrator) beginTurn(ctx context.Context, text string, segmentEndAt time.Time) {
	o.mu.Lock()
	carryPrefix := ""
	if o.pending != nil {
		if o.pending.eligible {
			carryPrefix = o.pending.userText
		}
		o.pending = nil // consumed exactly once regardless of eligibility
	}
	o.mu.Unlock()

	utterance := model.Utterance{Text: text, CarryOverPrefix: carryPrefix}

	gatedText, shouldProceed := o.applyActivationGate(utterance.Prompt())
	if !shouldProceed {
		return
	}
	if gatedText != utterance.Prompt() {
		// activation keyword consumed a prefix; re-run without the carry-over
		// prefix since the keyword boundary supersedes it
		utterance = model.Utterance{Text: gatedText}
	}

	id := fmt.Sprintf("turn-%d", atomic.AddInt64(&o.turnCounter, 1))
	turn := model.NewReplyTurn(id, utterance.Text)
	done := make(chan struct{})

	o.mu.Lock()
	o.active = turn
	o.activeSegmentEndAt = segmentEndAt
	o.done = done
	o.mu.Unlock()

	o.spawn(func() { o.runTurn(ctx, turn, utterance, done) })
}

func (o *Orchestrator) runTurn(ctx context.Context, turn *model.ReplyTurn, utterance model.Utterance, done chan struct{}) {
	defer close(done)
	defer o.clearActive(turn)

	turnLog := logging.ForTurn(o.log, turn.ID)

	turn.State = model.TurnGenerating
	opts := reply.Options{
		SystemPrompt:         o.settings.SystemPrompt,
		MaxPendingChars:      o.settings.MaxPendingChars,
		HistoryBudget:        o.settings.HistoryBudget,
		LLMFirstTokenTimeout: o.settings.LLMFirstTokenTimeout,
		LLMTokenTimeout:      o.settings.LLMTokenTimeout,
		TTSTimeout:           o.settings.TTSTimeout,
	}
	if err := reply.Run(ctx, turn, o.llm, o.tts, o.hist.Snapshot(), utterance, o.sessionID, o.emit, opts); err != nil {
		turnLog.Error("reply pipeline failed", zap.Error(err))
		o.emitError(dialogerr.KindOf(err), err.Error())
	}

	assistantText := strings.TrimSpace(turn.EmittedText())
	o.hist.Append(model.HistoryEntry{Role: model.RoleUser, Text: utterance.Prompt(), Timestamp: time.Now()})
	o.hist.Append(model.HistoryEntry{Role: model.RoleAssistant, Text: assistantText, Timestamp: time.Now()})

	if turn.Cancelled() {
		turn.State = model.TurnCancelled
	} else {
		turn.State = model.TurnCompleted
	}

	if o.archiveAudio != nil {
		o.archiveAudio(turn.ID, turn.EmittedAudio())
	}
}

func (o *Orchestrator) clearActive(turn *model.ReplyTurn) {
	o.mu.Lock()
	if o.active == turn {
		o.active = nil
		o.done = nil
	}
	o.mu.Unlock()
}

// applyActivationGate implements the activation-check branch of the turn
// state diagram. Returns the (possibly keyword-trimmed) text to forward
// to the LLM and whether the caller should proceed to start a turn at all.
func (o *Orchestrator) applyActivationGate(text string) (string, bool) {
	if !o.settings.Activation.Enabled {
		return text, true
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	if o.activationActive && o.settings.Activation.TimeoutSeconds > 0 &&
		!o.lastActivityAt.IsZero() && now.Sub(o.lastActivityAt) > time.Duration(o.settings.Activation.TimeoutSeconds)*time.Second {
		o.activationActive = false
		o.emit(model.OutboundEvent{Type: model.EventSystemMessage, SessionID: o.sessionID, Text: o.settings.Activation.DeactivationReply})
	}

	if o.activationActive {
		o.lastActivityAt = now
		return text, true
	}

	idx, kw := findKeyword(text, o.settings.Activation.Keywords)
	if idx < 0 {
		o.emit(model.OutboundEvent{Type: model.EventSystemMessage, SessionID: o.sessionID, Text: o.settings.Activation.DeactivationReply})
		return "", false
	}

	o.activationActive = true
	o.lastActivityAt = now
	o.emit(model.OutboundEvent{Type: model.EventSystemMessage, SessionID: o.sessionID, Text: o.settings.Activation.ActivationReply})

	remainder := strings.TrimSpace(text[idx+len(kw):])
	if remainder == "" {
		return "", false
	}
	return remainder, true
}

func findKeyword(text string, keywords []string) (int, string) {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if idx := strings.Index(lower, strings.ToLower(kw)); idx >= 0 {
			return idx, kw
		}
	}
	return -1, ""
}

func (o *Orchestrator) emitError(kind dialogerr.Kind, text string) {
	o.emit(model.OutboundEvent{Type: model.EventError, SessionID: o.sessionID, Text: text, Kind: string(kind)})
}
