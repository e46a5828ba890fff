// Package ingest implements the Audio Ingestion Buffer (§4.1): a
// per-session accumulator that turns arbitrary-length PCM frames into
// fixed-size windows for the VAD. Grounded on the teacher's
// internal/barge.circularPCM ring buffer, generalized from a fixed
// time-capacity ring meant for pre-roll/echo-reference lookback into a
// window-emitting accumulator with an unconsumed-backlog cap instead of a
// fixed ring capacity.
package ingest

import (
	"sync"

	"github.com/chadiek/voxdialog/internal/dialogerr"
)

const component = "ingest"

// Buffer accumulates PCM16 samples and emits exactly-sized windows,
// preserving sample order, dropping oldest-first when the unconsumed
// backlog exceeds its bound.
type Buffer struct {
	mu   sync.Mutex
	buf  []int16
	next int64 // next sample's monotonic offset

	window     int
	maxBacklog int // in samples

	dropped int64 // count of samples dropped due to backlog overflow
}

// New returns a Buffer emitting windows of windowSamples, dropping oldest
// samples once more than maxBacklogSamples are unconsumed.
func New(windowSamples, maxBacklogSamples int) *Buffer {
	if windowSamples <= 0 {
		windowSamples = 512
	}
	if maxBacklogSamples <= 0 {
		maxBacklogSamples = 16000 * 10 // 10s at 16kHz
	}
	return &Buffer{window: windowSamples, maxBacklog: maxBacklogSamples}
}

// PushFrame appends raw little-endian PCM16 bytes. Returns InvalidFrame if
// the byte length is not a multiple of the sample width.
func (b *Buffer) PushFrame(raw []byte) error {
	if len(raw)%2 != 0 {
		return dialogerr.New(dialogerr.InvalidFrame, component, nil)
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, samples...)
	if over := len(b.buf) - b.maxBacklog; over > 0 {
		b.buf = b.buf[over:]
		b.next += int64(over)
		b.dropped += int64(over)
	}
	return nil
}

// Window is one fixed-size slice handed to the VAD, with the monotonic
// sample offset of its first sample.
type Window struct {
	Samples []int16
	Offset  int64
}

// Drain returns as many complete windows as are currently available,
// consuming them from the internal buffer.
func (b *Buffer) Drain() []Window {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Window
	for len(b.buf) >= b.window {
		w := make([]int16, b.window)
		copy(w, b.buf[:b.window])
		out = append(out, Window{Samples: w, Offset: b.next})
		b.buf = b.buf[b.window:]
		b.next += int64(b.window)
	}
	return out
}

// Dropped returns the count of samples discarded so far due to backlog
// overflow (for the BackpressureDropped warning event).
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
