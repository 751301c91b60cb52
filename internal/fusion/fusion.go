// Package fusion correlates accepted detections from multiple sources into
// a single combined verdict per correlation window.
package fusion

import (
	"time"

	"github.com/LordBoos/SmartClip-CZ/internal/model"
)

// Engine groups accepted verdicts into fixed-length windows. A window opens
// when the first verdict lands in an idle engine and closes once the window
// length elapses; at most one FusedDetection comes out of each window.
//
// The engine is driven from a single goroutine: Observe on every accepted
// verdict, Tick on every loop pass. It never blocks and holds no locks.
type Engine struct {
	window  time.Duration
	epsilon float64

	open      bool
	windowEnd time.Time
	start     time.Time
	pending   []model.QualityVerdict
}

// New creates an Engine with the given correlation window and the
// confidence margin inside which source priority decides ties.
func New(window time.Duration, epsilon float64) *Engine {
	return &Engine{window: window, epsilon: epsilon}
}

// Observe adds an accepted verdict. If the verdict falls past the end of
// the open window, that window is closed first and its fused result
// returned; the verdict then opens the next window immediately.
//
// The window boundary is inclusive: a verdict stamped exactly at the
// window's end still belongs to it.
func (e *Engine) Observe(v model.QualityVerdict) *model.FusedDetection {
	if !v.Accepted {
		return nil
	}
	ts := v.Event.Timestamp

	var flushed *model.FusedDetection
	if e.open && ts.After(e.windowEnd) {
		flushed = e.flush()
	}
	if !e.open {
		e.open = true
		e.start = ts
		e.windowEnd = ts.Add(e.window)
	}
	e.pending = append(e.pending, v)
	return flushed
}

// Tick closes the open window once now has passed its end.
func (e *Engine) Tick(now time.Time) *model.FusedDetection {
	if !e.open || !now.After(e.windowEnd) {
		return nil
	}
	return e.flush()
}

// Reset drops any open window without emitting it.
func (e *Engine) Reset() {
	e.open = false
	e.pending = e.pending[:0]
}

func (e *Engine) flush() *model.FusedDetection {
	defer func() {
		e.open = false
		e.pending = e.pending[:0]
	}()
	if len(e.pending) == 0 {
		return nil
	}

	best := e.pending[0]
	maxConf := best.AdjustedConfidence
	for _, v := range e.pending[1:] {
		if v.AdjustedConfidence > maxConf {
			maxConf = v.AdjustedConfidence
		}
	}
	// Strictly within epsilon of the max, the higher-priority source names
	// the moment; at or beyond it, confidence wins outright.
	for _, v := range e.pending[1:] {
		if maxConf-v.AdjustedConfidence >= e.epsilon {
			continue
		}
		if maxConf-best.AdjustedConfidence >= e.epsilon {
			best = v
			continue
		}
		if p, bp := v.Event.Source.Priority(), best.Event.Source.Priority(); p > bp ||
			(p == bp && v.AdjustedConfidence > best.AdjustedConfidence) {
			best = v
		}
	}

	seen := make(map[model.SourceID]bool, len(e.pending))
	var sources []model.SourceID
	for _, v := range e.pending {
		if !seen[v.Event.Source] {
			seen[v.Event.Source] = true
			sources = append(sources, v.Event.Source)
		}
	}

	return &model.FusedDetection{
		Label:       best.Event.Label,
		Confidence:  maxConf,
		Sources:     sources,
		WindowStart: e.start,
		WindowEnd:   e.windowEnd,
	}
}
