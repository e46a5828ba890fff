package ingest

import (
	"testing"

	"pgregory.net/rapid"
)

// TestBuffer_WindowingIsDeterministic is the property-based counterpart to
// the frame-processing idempotence invariant: feeding the same byte stream
// into two fresh buffers with the same window size always produces the same
// sequence of windows, regardless of how the bytes are chopped into frames.
func TestBuffer_WindowingIsDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		window := rapid.IntRange(1, 64).Draw(rt, "window")
		rawSamples := rapid.SliceOfN(rapid.IntRange(-30000, 30000), 0, 500).Draw(rt, "samples")
		samples := make([]int16, len(rawSamples))
		for i, v := range rawSamples {
			samples[i] = int16(v)
		}
		splitPoints := rapid.SliceOfN(rapid.IntRange(0, len(samples)), 0, 10).Draw(rt, "splits")

		raw := make([]byte, len(samples)*2)
		for i, s := range samples {
			raw[2*i] = byte(uint16(s))
			raw[2*i+1] = byte(uint16(s) >> 8)
		}

		a := New(window, 0)
		if err := a.PushFrame(raw); err != nil {
			rt.Fatalf("PushFrame whole: %v", err)
		}
		wantWindows := a.Drain()

		b := New(window, 0)
		offset := 0
		for _, sp := range splitPoints {
			cut := sp * 2
			if cut < offset || cut > len(raw) {
				continue
			}
			if err := b.PushFrame(raw[offset:cut]); err != nil {
				rt.Fatalf("PushFrame chunk: %v", err)
			}
			offset = cut
		}
		if err := b.PushFrame(raw[offset:]); err != nil {
			rt.Fatalf("PushFrame remainder: %v", err)
		}
		gotWindows := b.Drain()

		if len(wantWindows) != len(gotWindows) {
			rt.Fatalf("expected %d windows regardless of framing, got %d", len(wantWindows), len(gotWindows))
		}
		for i := range wantWindows {
			if wantWindows[i].Offset != gotWindows[i].Offset {
				rt.Fatalf("window %d: offset mismatch %d vs %d", i, wantWindows[i].Offset, gotWindows[i].Offset)
			}
			for j := range wantWindows[i].Samples {
				if wantWindows[i].Samples[j] != gotWindows[i].Samples[j] {
					rt.Fatalf("window %d sample %d: mismatch %d vs %d", i, j, wantWindows[i].Samples[j], gotWindows[i].Samples[j])
				}
			}
		}
	})
}
