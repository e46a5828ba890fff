package segmenter

import (
	"testing"

	"github.com/chadiek/voxdialog/internal/ingest"
)

func window(offset int64, n int) ingest.Window {
	return ingest.Window{Samples: make([]int16, n), Offset: offset}
}

func TestSegmenter_SpeechStartedThenEndOfSpeechOnSilence(t *testing.T) {
	s := New(Config{SampleRate: 1000, EOSSilenceMS: 100, MaxSegmentMS: 10000})

	events := s.Feed(window(0, 100), 0.9) // 100ms of speech
	if len(events) != 1 || events[0].Kind != SpeechStarted {
		t.Fatalf("expected SpeechStarted, got %+v", events)
	}
	if !s.InSpeechNow() {
		t.Fatalf("expected segmenter to be InSpeech")
	}

	// under 100ms silence: no event yet
	events = s.Feed(window(100, 50), 0.1)
	if len(events) != 0 {
		t.Fatalf("expected no event before silence threshold, got %+v", events)
	}

	// crosses the 100ms silence threshold
	events = s.Feed(window(150, 60), 0.1)
	if len(events) != 1 || events[0].Kind != EndOfSpeech {
		t.Fatalf("expected EndOfSpeech, got %+v", events)
	}
	if events[0].Forced {
		t.Fatalf("expected a silence-triggered close to not be Forced")
	}
	if s.InSpeechNow() {
		t.Fatalf("expected segmenter to return to Idle")
	}
}

func TestSegmenter_ForcedCloseAtMaxSegment(t *testing.T) {
	s := New(Config{SampleRate: 1000, EOSSilenceMS: 100000, MaxSegmentMS: 200})

	events := s.Feed(window(0, 100), 0.9)
	if len(events) != 1 || events[0].Kind != SpeechStarted {
		t.Fatalf("expected SpeechStarted, got %+v", events)
	}
	events = s.Feed(window(100, 100), 0.9)
	if len(events) != 1 || events[0].Kind != EndOfSpeech || !events[0].Forced {
		t.Fatalf("expected a Forced EndOfSpeech at max segment length, got %+v", events)
	}
}

func TestSegmenter_ForceCloseIsNoopWhenIdle(t *testing.T) {
	s := New(Config{})
	if got := s.ForceClose(); got != nil {
		t.Fatalf("expected nil from ForceClose while Idle, got %+v", got)
	}
}

func TestSegmenter_ForceCloseReturnsOpenSegment(t *testing.T) {
	s := New(Config{SampleRate: 1000, EOSSilenceMS: 100000, MaxSegmentMS: 100000})
	s.Feed(window(0, 100), 0.9)
	closed := s.ForceClose()
	if closed == nil {
		t.Fatalf("expected an open segment to be returned")
	}
	if s.InSpeechNow() {
		t.Fatalf("expected segmenter to return to Idle after ForceClose")
	}
}

func TestSegmenter_ContinuationHintExtendsSilenceThreshold(t *testing.T) {
	s := New(Config{
		SampleRate:               1000,
		EOSSilenceMS:             100,
		MaxSegmentMS:             100000,
		ContinuationHintsEnabled: true,
		ContinuationExtensionMS:  200,
	})
	s.Feed(window(0, 100), 0.9)
	s.NotifyPartial("I think that the")

	// 150ms of silence would close a bare 100ms threshold, but the
	// continuation hint extends it to 300ms.
	events := s.Feed(window(100, 150), 0.1)
	if len(events) != 0 {
		t.Fatalf("expected continuation hint to suppress EndOfSpeech, got %+v", events)
	}
	events = s.Feed(window(250, 200), 0.1)
	if len(events) != 1 || events[0].Kind != EndOfSpeech {
		t.Fatalf("expected EndOfSpeech once the extended threshold is crossed, got %+v", events)
	}
}
