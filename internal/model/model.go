// Package model holds the data types shared across the dialog pipeline.
package model

import (
	"sync"
	"time"
)

// SessionId identifies one connected client. Opaque: client-proposed or
// server-generated.
type SessionId string

// AudioFrame is a window of PCM samples handed from ingestion to the VAD.
// Transient: discarded once the VAD has consumed it.
type AudioFrame struct {
	Samples       []int16
	OffsetSamples int64 // monotonic, strictly increasing within a session
}

// SpeechSegment is an ordered run of audio between speech-start and EOS.
type SpeechSegment struct {
	ID          string
	Frames      []AudioFrame
	StartSample int64
	EndSample   int64
	Forced      bool // true if closed by max_segment_ms rather than silence
}

// Duration estimates the segment's wall-clock span given a sample rate.
func (s SpeechSegment) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	n := s.EndSample - s.StartSample
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// PCM16 flattens a segment's frames into one contiguous sample slice.
func (s SpeechSegment) PCM16() []int16 {
	total := 0
	for _, f := range s.Frames {
		total += len(f.Samples)
	}
	out := make([]int16, 0, total)
	for _, f := range s.Frames {
		out = append(out, f.Samples...)
	}
	return out
}

// Transcript is the ASR's output for one SpeechSegment.
type Transcript struct {
	SegmentID string
	Text      string
	Language  string
	IsFinal   bool
}

// Utterance is what gets fed to the LLM: user text plus an optional
// carry-over prefix from an interrupted prior turn.
type Utterance struct {
	Text           string
	CarryOverPrefix string
}

// Prompt returns the effective text sent to the LLM: carry-over prefix
// joined with the new text, per the carry-over rule.
func (u Utterance) Prompt() string {
	if u.CarryOverPrefix == "" {
		return u.Text
	}
	return u.CarryOverPrefix + " " + u.Text
}

// TurnState is the Orchestrator's per-turn state.
type TurnState int

const (
	TurnListening TurnState = iota
	TurnTranscribing
	TurnGenerating
	TurnSpeaking
	TurnCompleted
	TurnCancelled
)

func (s TurnState) String() string {
	switch s {
	case TurnListening:
		return "Listening"
	case TurnTranscribing:
		return "Transcribing"
	case TurnGenerating:
		return "Generating"
	case TurnSpeaking:
		return "Speaking"
	case TurnCompleted:
		return "Completed"
	case TurnCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ReplyTurn is one Orchestrator turn: owns its own cancellation and
// accumulates what has actually been emitted, so a cancellation mid-stream
// leaves an accurate partial record behind.
type ReplyTurn struct {
	ID       string
	State    TurnState
	UserText string

	cancelled chan struct{}
	once      sync.Once
	mu        sync.Mutex
	text      []byte
	audio     []byte
}

// NewReplyTurn starts a turn in the Listening state for the given id.
func NewReplyTurn(id, userText string) *ReplyTurn {
	return &ReplyTurn{
		ID:        id,
		State:     TurnListening,
		UserText:  userText,
		cancelled: make(chan struct{}),
	}
}

// Cancel sets the turn's cancel flag. Idempotent.
func (t *ReplyTurn) Cancel() {
	t.once.Do(func() { close(t.cancelled) })
}

// Cancelled reports whether Cancel has been called.
func (t *ReplyTurn) Cancelled() bool {
	select {
	case <-t.cancelled:
		return true
	default:
		return false
	}
}

// Done returns the channel closed by Cancel, for select statements.
func (t *ReplyTurn) Done() <-chan struct{} {
	return t.cancelled
}

// AppendText records text already emitted to the client for this turn.
func (t *ReplyTurn) AppendText(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.text = append(t.text, s...)
}

// AppendAudio records audio bytes already emitted to the client.
func (t *ReplyTurn) AppendAudio(b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audio = append(t.audio, b...)
}

// EmittedText returns everything appended via AppendText so far.
func (t *ReplyTurn) EmittedText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.text)
}

// EmittedAudio returns everything appended via AppendAudio so far, the
// raw bytes actually sent to the client for this turn.
func (t *ReplyTurn) EmittedAudio() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.audio
}

// HistoryRole distinguishes user and assistant entries.
type HistoryRole string

const (
	RoleUser      HistoryRole = "user"
	RoleAssistant HistoryRole = "assistant"
)

// HistoryEntry is appended exactly once per turn, whether it completed or
// was cancelled.
type HistoryEntry struct {
	Role      HistoryRole
	Text      string
	Timestamp time.Time
}

// OutboundEventType enumerates the tagged-union kinds of OutboundEvent.
type OutboundEventType string

const (
	EventSessionStart        OutboundEventType = "SYSTEM_SERVER_SESSION_START"
	EventTextChunk           OutboundEventType = "SERVER_TEXT_RESPONSE"
	EventAudioChunk          OutboundEventType = "SERVER_AUDIO_RESPONSE"
	EventAsrUpdate           OutboundEventType = "ASR_UPDATE"
	EventSystemMessage       OutboundEventType = "SERVER_SYSTEM_MESSAGE"
	EventError               OutboundEventType = "ERROR"
	EventConfigSnapshot      OutboundEventType = "CONFIG_SNAPSHOT"
	EventModuleStatus        OutboundEventType = "MODULE_STATUS_REPORT"
	EventBackpressureDropped OutboundEventType = "BACKPRESSURE_DROPPED"
)

// OutboundEvent is produced by the core and drained by the transport.
type OutboundEvent struct {
	Type       OutboundEventType
	SessionID  SessionId
	Text       string
	IsFinal    bool
	Audio      []byte
	Codec      string
	SampleRate int
	Kind       string         // error kind, when Type == EventError
	Data       map[string]any // free-form payload for snapshot/status events
}
