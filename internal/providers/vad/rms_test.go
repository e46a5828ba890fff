package vad

import "testing"

func loudWindow(n int) []int16 {
	w := make([]int16, n)
	for i := range w {
		w[i] = 5000
	}
	return w
}

func quietWindow(n int) []int16 {
	return make([]int16, n)
}

func TestRMSDetector_EmptyWindowReturnsZero(t *testing.T) {
	d := New(0, 0)
	p, err := d.Detect(nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if p != 0 {
		t.Fatalf("expected 0 probability for an empty window, got %v", p)
	}
}

func TestRMSDetector_SmoothsAcrossWindows(t *testing.T) {
	d := New(300, 4)
	for i := 0; i < 3; i++ {
		if _, err := d.Detect(loudWindow(160)); err != nil {
			t.Fatalf("Detect: %v", err)
		}
	}
	p, err := d.Detect(quietWindow(160))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	// 3 loud + 1 quiet within a smoothing window of 4 -> 0.75
	if p != 0.75 {
		t.Fatalf("expected smoothed probability 0.75, got %v", p)
	}
}

func TestRMSDetector_QuietWindowsStayBelowThreshold(t *testing.T) {
	d := New(300, 4)
	for i := 0; i < 4; i++ {
		if _, err := d.Detect(quietWindow(160)); err != nil {
			t.Fatalf("Detect: %v", err)
		}
	}
	p, _ := d.Detect(quietWindow(160))
	if p != 0 {
		t.Fatalf("expected 0 probability for all-quiet windows, got %v", p)
	}
}

func TestFactory_AppliesConfigOverrides(t *testing.T) {
	p, err := Factory(map[string]any{"threshold": 500.0, "smooth_n": 2})
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	d, ok := p.(*RMSDetector)
	if !ok {
		t.Fatalf("expected *RMSDetector, got %T", p)
	}
	if d.threshold != 500.0 || d.smoothN != 2 {
		t.Fatalf("expected overrides to apply, got threshold=%v smoothN=%v", d.threshold, d.smoothN)
	}
}

func TestFactory_DefaultsOnMissingConfig(t *testing.T) {
	p, err := Factory(map[string]any{})
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	d := p.(*RMSDetector)
	if d.threshold != 300.0 || d.smoothN != 4 {
		t.Fatalf("expected teacher defaults, got threshold=%v smoothN=%v", d.threshold, d.smoothN)
	}
}
