// Package quality scores raw detection events against contextual heuristics
// before they reach fusion. The filter is a pure function of the event plus
// a bounded per-source history window; rejection is an expected outcome,
// not an error.
package quality

import (
	"fmt"
	"time"

	"github.com/LordBoos/SmartClip-CZ/internal/model"
)

// Config tunes the confidence adjustment.
type Config struct {
	// MinDuration attenuates events whose signal was shorter than this.
	MinDuration time.Duration
	// ShortPenalty and SpikePenalty are multipliers in (0,1]; the
	// adjustment is always monotone (never raises confidence).
	ShortPenalty float64
	SpikePenalty float64
	// SpikeJump is how far above the recent per-source mean a confidence
	// must land to count as an abrupt spike.
	SpikeJump float64
	// HistorySize bounds the per-source sliding window.
	HistorySize int
}

// DefaultConfig returns the stock adjustment parameters.
func DefaultConfig() Config {
	return Config{
		MinDuration:  400 * time.Millisecond,
		ShortPenalty: 0.7,
		SpikePenalty: 0.8,
		SpikeJump:    0.4,
		HistorySize:  8,
	}
}

// Filter applies quality heuristics and per-source sensitivity thresholds.
type Filter struct {
	cfg         Config
	sensitivity map[model.SourceID]float64
	history     map[model.SourceID][]float64
}

// New creates a Filter. sensitivity maps each source to its acceptance
// threshold; sources missing from the map accept everything.
func New(cfg Config, sensitivity map[model.SourceID]float64) *Filter {
	if cfg.ShortPenalty <= 0 || cfg.ShortPenalty > 1 {
		cfg.ShortPenalty = 1
	}
	if cfg.SpikePenalty <= 0 || cfg.SpikePenalty > 1 {
		cfg.SpikePenalty = 1
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 8
	}
	sens := make(map[model.SourceID]float64, len(sensitivity))
	for k, v := range sensitivity {
		sens[k] = v
	}
	return &Filter{
		cfg:         cfg,
		sensitivity: sens,
		history:     make(map[model.SourceID][]float64),
	}
}

// Judge scores one event. The verdict owns the adjusted confidence and the
// acceptance decision; the raw event is untouched.
func (f *Filter) Judge(ev model.DetectionEvent) model.QualityVerdict {
	adjusted := ev.Confidence
	reason := "ok"

	if ev.DurationHint > 0 && ev.DurationHint < f.cfg.MinDuration {
		adjusted *= f.cfg.ShortPenalty
		reason = fmt.Sprintf("short signal (%v)", ev.DurationHint)
	}

	if mean, ok := f.recentMean(ev.Source); ok && ev.Confidence-mean > f.cfg.SpikeJump {
		adjusted *= f.cfg.SpikePenalty
		if reason == "ok" {
			reason = "confidence spike"
		} else {
			reason += "; confidence spike"
		}
	}

	threshold := f.sensitivity[ev.Source]
	accepted := adjusted >= threshold
	if !accepted && reason == "ok" {
		reason = fmt.Sprintf("below sensitivity %.2f", threshold)
	}

	f.remember(ev.Source, ev.Confidence)

	return model.QualityVerdict{
		Event:              ev,
		AdjustedConfidence: adjusted,
		Accepted:           accepted,
		Reason:             reason,
	}
}

// Reset clears all per-source history, called on session boundaries.
func (f *Filter) Reset() {
	f.history = make(map[model.SourceID][]float64)
}

// recentMean returns the mean raw confidence of the source's window.
// A single sample is not enough context to call anything a spike.
func (f *Filter) recentMean(src model.SourceID) (float64, bool) {
	h := f.history[src]
	if len(h) < 2 {
		return 0, false
	}
	var sum float64
	for _, v := range h {
		sum += v
	}
	return sum / float64(len(h)), true
}

func (f *Filter) remember(src model.SourceID, confidence float64) {
	h := append(f.history[src], confidence)
	if len(h) > f.cfg.HistorySize {
		h = h[len(h)-f.cfg.HistorySize:]
	}
	f.history[src] = h
}
