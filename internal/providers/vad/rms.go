// Package vad implements the VAD capability with a dependency-free
// RMS-energy detector, grounded on the teacher's internal/barge simpleVAD:
// same RMS-over-window plus majority-vote smoothing, generalized from a
// boolean decision over a fixed 10ms frame into a probability over an
// arbitrary-length window, matching the §6.3 VAD.Detect contract.
package vad

import (
	"math"
	"sync"

	"github.com/chadiek/voxdialog/internal/capability"
)

// RMSDetector classifies a window as speech by energy threshold with
// majority-vote smoothing across the last smoothN windows, same shape as
// the teacher's simpleVAD.
type RMSDetector struct {
	mu        sync.Mutex
	threshold float64
	smoothN   int
	recent    []bool
}

// New returns an RMSDetector with the teacher's defaults (threshold 300,
// smoothing window 4).
func New(threshold float64, smoothN int) *RMSDetector {
	if threshold <= 0 {
		threshold = 300.0
	}
	if smoothN <= 0 {
		smoothN = 4
	}
	return &RMSDetector{threshold: threshold, smoothN: smoothN}
}

// Factory adapts New to the capability.Factory shape for registry wiring.
func Factory(cfg map[string]any) (capability.Provider, error) {
	threshold := 300.0
	if v, ok := cfg["threshold"].(float64); ok && v > 0 {
		threshold = v
	}
	smoothN := 4
	if v, ok := cfg["smooth_n"].(int); ok && v > 0 {
		smoothN = v
	}
	return New(threshold, smoothN), nil
}

// Detect implements capability.VAD. Returns the smoothed majority-vote
// fraction over the window as a probability in [0,1].
func (d *RMSDetector) Detect(window []int16) (float64, error) {
	if len(window) == 0 {
		return 0, nil
	}
	var sum float64
	for _, s := range window {
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(window)))
	isSpeech := rms >= d.threshold

	d.mu.Lock()
	d.recent = append(d.recent, isSpeech)
	if len(d.recent) > d.smoothN {
		d.recent = d.recent[len(d.recent)-d.smoothN:]
	}
	trueCount := 0
	for _, b := range d.recent {
		if b {
			trueCount++
		}
	}
	n := len(d.recent)
	d.mu.Unlock()

	if n == 0 {
		return 0, nil
	}
	return float64(trueCount) / float64(n), nil
}

var _ capability.VAD = (*RMSDetector)(nil)
