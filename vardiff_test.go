package main

import (
	"testing"
	"time"
)

func testVarDiffConfig() VarDiffConfig {
	return VarDiffConfig{
		MinDiff:         0.05,
		MaxDiff:         1024,
		TargetTime:      10,
		RetargetTime:    60,
		VariancePercent: 30,
	}
}

func TestVarDiffBufferSize(t *testing.T) {
	cfg := testVarDiffConfig()
	cfg.RetargetTime = 25
	v := NewVarDiffController(3333, cfg)
	if v.bufferSize != 12 {
		t.Fatalf("buffer size = %d, want 12", v.bufferSize)
	}
	if v.tMin != 7 || v.tMax != 13 {
		t.Fatalf("variance window = [%v, %v]", v.tMin, v.tMax)
	}
}

func TestVarDiffSlowMinerLowersDifficulty(t *testing.T) {
	v := NewVarDiffController(3333, testVarDiffConfig())
	var st varDiffState
	start := time.Unix(1_000_000, 0)

	if _, ok := v.observe(&st, 8, start); ok {
		t.Fatalf("first submit only starts the window")
	}
	if _, ok := v.observe(&st, 8, start.Add(20*time.Second)); ok {
		t.Fatalf("retarget before retarget_time elapsed")
	}
	next, ok := v.observe(&st, 8, start.Add(40*time.Second))
	if !ok {
		t.Fatalf("expected retarget after 40s")
	}
	if next != 4 {
		t.Fatalf("retarget to %v, want 4", next)
	}
	if st.window.size() != 0 {
		t.Fatalf("window should clear after retarget")
	}
}

func TestVarDiffClampsToMinimum(t *testing.T) {
	v := NewVarDiffController(3333, testVarDiffConfig())
	var st varDiffState
	start := time.Unix(1_000_000, 0)
	v.observe(&st, 0.06, start)
	v.observe(&st, 0.06, start.Add(20*time.Second))
	next, ok := v.observe(&st, 0.06, start.Add(40*time.Second))
	if !ok || next != 0.05 {
		t.Fatalf("expected clamp to min diff, got %v ok=%v", next, ok)
	}

	// Already at the floor: no change.
	st = varDiffState{}
	v.observe(&st, 0.05, start)
	v.observe(&st, 0.05, start.Add(20*time.Second))
	if _, ok := v.observe(&st, 0.05, start.Add(40*time.Second)); ok {
		t.Fatalf("no retarget expected at min diff")
	}
}

func TestVarDiffFastMinerRaisesDifficulty(t *testing.T) {
	cfg := testVarDiffConfig()
	cfg.X2Mode = true
	v := NewVarDiffController(3333, cfg)
	var st varDiffState
	start := time.Unix(1_000_000, 0)
	v.observe(&st, 8, start)
	var (
		next float64
		ok   bool
	)
	for i := 1; i <= 30 && !ok; i++ {
		next, ok = v.observe(&st, 8, start.Add(time.Duration(i)*2*time.Second))
	}
	if !ok || next != 16 {
		t.Fatalf("x2 mode should double difficulty, got %v ok=%v", next, ok)
	}
}

func TestVarDiffClampsToMaximum(t *testing.T) {
	v := NewVarDiffController(3333, testVarDiffConfig())
	var st varDiffState
	start := time.Unix(1_000_000, 0)
	v.observe(&st, 1000, start)
	var (
		next float64
		ok   bool
	)
	for i := 1; i <= 30 && !ok; i++ {
		next, ok = v.observe(&st, 1000, start.Add(time.Duration(i)*time.Second))
	}
	if !ok || next != 1024 {
		t.Fatalf("expected clamp to max diff, got %v ok=%v", next, ok)
	}
}

func TestVarDiffRingWraps(t *testing.T) {
	r := newVarDiffRing(3)
	for _, x := range []float64{1, 2, 3, 10} {
		r.append(x)
	}
	if r.size() != 3 {
		t.Fatalf("ring size = %d", r.size())
	}
	if r.avg() != 5 {
		t.Fatalf("ring avg = %v, want 5", r.avg())
	}
	r.clear()
	if r.size() != 0 || r.avg() != 0 {
		t.Fatalf("ring not cleared")
	}
}
