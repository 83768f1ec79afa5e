package main

import (
	"math"
	"time"
)

// varDiffRing is a fixed-capacity ring of inter-submit intervals.
type varDiffRing struct {
	data   []float64
	cursor int
	full   bool
}

func newVarDiffRing(size int) *varDiffRing {
	if size < 1 {
		size = 1
	}
	return &varDiffRing{data: make([]float64, 0, size)}
}

func (r *varDiffRing) append(x float64) {
	if r.full {
		r.data[r.cursor] = x
		r.cursor = (r.cursor + 1) % cap(r.data)
		return
	}
	r.data = append(r.data, x)
	r.cursor++
	if len(r.data) == cap(r.data) {
		r.cursor = 0
		r.full = true
	}
}

func (r *varDiffRing) size() int {
	return len(r.data)
}

func (r *varDiffRing) avg() float64 {
	if len(r.data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.data {
		sum += v
	}
	return sum / float64(len(r.data))
}

func (r *varDiffRing) clear() {
	r.data = r.data[:0]
	r.cursor = 0
	r.full = false
}

// varDiffState is the per-connection window. It is owned by the
// connection and only touched under its lock.
type varDiffState struct {
	started    bool
	lastSubmit int64
	lastRetgt  int64
	window     *varDiffRing
}

// VarDiffController retargets connections on one port toward TargetTime
// seconds between submits.
type VarDiffController struct {
	port       int
	cfg        VarDiffConfig
	bufferSize int
	tMin       float64
	tMax       float64
}

func NewVarDiffController(port int, cfg VarDiffConfig) *VarDiffController {
	variance := cfg.TargetTime * (cfg.VariancePercent / 100)
	return &VarDiffController{
		port:       port,
		cfg:        cfg,
		bufferSize: int(math.Ceil(cfg.RetargetTime/cfg.TargetTime)) * 4,
		tMin:       cfg.TargetTime - variance,
		tMax:       cfg.TargetTime + variance,
	}
}

// observe records a submit at now for a connection at difficulty. It
// returns the difficulty to queue when a retarget is due.
func (v *VarDiffController) observe(st *varDiffState, difficulty float64, now time.Time) (float64, bool) {
	ts := now.Unix()
	if !st.started {
		st.started = true
		st.lastRetgt = ts - int64(v.cfg.RetargetTime/2)
		st.lastSubmit = ts
		st.window = newVarDiffRing(v.bufferSize)
		return 0, false
	}

	st.window.append(float64(ts - st.lastSubmit))
	st.lastSubmit = ts
	if float64(ts-st.lastRetgt) < v.cfg.RetargetTime && st.window.size() > 0 {
		return 0, false
	}
	st.lastRetgt = ts

	avg := st.window.avg()
	if avg <= 0 {
		avg = math.SmallestNonzeroFloat64
	}
	ddiff := v.cfg.TargetTime / avg
	switch {
	case avg > v.tMax && difficulty > v.cfg.MinDiff:
		if v.cfg.X2Mode {
			ddiff = 0.5
		}
		if ddiff*difficulty < v.cfg.MinDiff {
			ddiff = v.cfg.MinDiff / difficulty
		}
	case avg < v.tMin:
		if v.cfg.X2Mode {
			ddiff = 2
		}
		if ddiff*difficulty > v.cfg.MaxDiff {
			ddiff = v.cfg.MaxDiff / difficulty
		}
	default:
		return 0, false
	}

	st.window.clear()
	return roundDifficulty(difficulty*ddiff, 8), true
}
