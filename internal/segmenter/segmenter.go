// Package segmenter implements the Turn Segmenter (§4.2): consumes
// VAD (window → probability) decisions and produces discrete
// SpeechSegments delimited by speech-start and end-of-speech, emitting
// barge-in notifications when speech begins during an active reply.
//
// Grounded on the teacher's internal/transcript/assemblyai.go
// finalizeDueToSilence two-pass silence/continuation logic: the segmenter
// here is the state-machine shape the teacher's ad hoc timers approximated,
// made explicit as Idle/InSpeech.
package segmenter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chadiek/voxdialog/internal/ingest"
	"github.com/chadiek/voxdialog/internal/model"
)

// State is the segmenter's Idle/InSpeech state.
type State int

const (
	Idle State = iota
	InSpeech
)

// EventKind tags the events the segmenter emits.
type EventKind int

const (
	SpeechStarted EventKind = iota
	EndOfSpeech
)

// Event is one segmenter emission.
type Event struct {
	Kind    EventKind
	Segment model.SpeechSegment // populated on EndOfSpeech
	Forced  bool
}

// continuationWords mirrors the teacher's continuation-word heuristic:
// a transcript ending in one of these suggests the speaker isn't done.
var continuationWords = map[string]bool{
	"and": true, "or": true, "but": true, "if": true, "so": true,
	"because": true, "with": true, "to": true, "of": true, "the": true,
	"a": true, "an": true, "for": true,
}

// Config tunes the state machine's thresholds; zero values fall back to
// spec defaults.
type Config struct {
	SampleRate               int
	Threshold                float64
	EOSSilenceMS             int
	MaxSegmentMS             int
	ContinuationHintsEnabled bool
	ContinuationExtensionMS  int
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.5
	}
	if c.EOSSilenceMS <= 0 {
		c.EOSSilenceMS = 1200
	}
	if c.MaxSegmentMS <= 0 {
		c.MaxSegmentMS = 5000
	}
	if c.ContinuationExtensionMS <= 0 {
		c.ContinuationExtensionMS = 500
	}
}

// Segmenter is single-flight per session: Feed must be called from one
// goroutine (the session's ingestion loop).
type Segmenter struct {
	mu  sync.Mutex
	cfg Config

	state       State
	segment     model.SpeechSegment
	silenceMS   int
	segmentMS   int
	segCounter  int
	lastPartial string // most recent ASR partial, for the continuation hint
}

// New returns a Segmenter with cfg defaults applied.
func New(cfg Config) *Segmenter {
	cfg.applyDefaults()
	return &Segmenter{cfg: cfg}
}

// NotifyPartial feeds the most recent ASR partial transcript, used only by
// the optional continuation-hint extension.
func (s *Segmenter) NotifyPartial(text string) {
	s.mu.Lock()
	s.lastPartial = text
	s.mu.Unlock()
}

func (s *Segmenter) effectiveSilenceThreshold() int {
	if !s.cfg.ContinuationHintsEnabled {
		return s.cfg.EOSSilenceMS
	}
	last := lastWord(s.lastPartial)
	if continuationWords[strings.ToLower(last)] {
		return s.cfg.EOSSilenceMS + s.cfg.ContinuationExtensionMS
	}
	return s.cfg.EOSSilenceMS
}

func lastWord(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	fields := strings.Fields(s)
	last := fields[len(fields)-1]
	return strings.TrimFunc(last, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('A' <= r && r <= 'Z')
	})
}

// Feed processes one ingestion window against its VAD probability,
// returning zero or more events (at most one SpeechStarted or EndOfSpeech
// per call, but a forced cut-off can coincide with — and precede — a fresh
// SpeechStarted on the very next window).
func (s *Segmenter) Feed(w ingest.Window, probability float64) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	windowMS := windowDurationMS(len(w.Samples), s.cfg.SampleRate)
	isSpeech := probability >= s.cfg.Threshold

	var events []Event

	switch s.state {
	case Idle:
		if isSpeech {
			s.segCounter++
			s.segment = model.SpeechSegment{
				ID:          segmentID(s.segCounter),
				StartSample: w.Offset,
			}
			s.segment.Frames = append(s.segment.Frames, model.AudioFrame{Samples: w.Samples, OffsetSamples: w.Offset})
			s.segment.EndSample = w.Offset + int64(len(w.Samples))
			s.state = InSpeech
			s.silenceMS = 0
			s.segmentMS = windowMS
			events = append(events, Event{Kind: SpeechStarted})
		}
	case InSpeech:
		s.segment.Frames = append(s.segment.Frames, model.AudioFrame{Samples: w.Samples, OffsetSamples: w.Offset})
		s.segment.EndSample = w.Offset + int64(len(w.Samples))
		s.segmentMS += windowMS
		if isSpeech {
			s.silenceMS = 0
		} else {
			s.silenceMS += windowMS
		}

		switch {
		case s.segmentMS >= s.cfg.MaxSegmentMS:
			closed := s.segment
			events = append(events, Event{Kind: EndOfSpeech, Segment: closed, Forced: true})
			s.resetToIdle()
		case s.silenceMS >= s.effectiveSilenceThreshold():
			closed := s.segment
			events = append(events, Event{Kind: EndOfSpeech, Segment: closed, Forced: false})
			s.resetToIdle()
		}
	}

	return events
}

// ForceClose closes an in-progress segment immediately (CLIENT_SPEECH_END
// or an implicit close ahead of a CLIENT_TEXT_INPUT turn). No-op if Idle.
func (s *Segmenter) ForceClose() *model.SpeechSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != InSpeech {
		return nil
	}
	closed := s.segment
	s.resetToIdle()
	return &closed
}

// InSpeechNow reports whether the segmenter currently has an open segment.
func (s *Segmenter) InSpeechNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == InSpeech
}

func (s *Segmenter) resetToIdle() {
	s.state = Idle
	s.segment = model.SpeechSegment{}
	s.silenceMS = 0
	s.segmentMS = 0
}

func windowDurationMS(samples, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return samples * 1000 / sampleRate
}

func segmentID(n int) string {
	return fmt.Sprintf("seg-%d", n)
}
