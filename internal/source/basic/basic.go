// Package basic implements the energy-heuristic emotion detector. It keeps
// a hysteresis state over RMS levels of incoming PCM frames and emits an
// event when a sustained burst ends, labelled by the burst's shape.
package basic

import (
	"math"
	"sync"
	"time"

	"github.com/LordBoos/SmartClip-CZ/internal/model"
)

// Config tunes the burst detector.
type Config struct {
	// SpeechThreshold is the RMS level (0..1) that starts a burst.
	SpeechThreshold float64
	// SilenceThreshold ends a burst once the level stays below it.
	SilenceThreshold float64
	// StartFrames is the number of consecutive loud frames needed to open
	// a burst; SilenceFrames the quiet frames needed to close it.
	StartFrames   int
	SilenceFrames int
	// MinBurst discards bursts shorter than this.
	MinBurst time.Duration
}

// DefaultConfig is tuned for 16kHz frames of 20-100ms.
func DefaultConfig() Config {
	return Config{
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		StartFrames:      3,
		SilenceFrames:    8,
		MinBurst:         300 * time.Millisecond,
	}
}

// Detector accumulates PCM frames pushed from the audio callback and
// surfaces finished bursts as detection events on Poll.
type Detector struct {
	cfg Config

	mu           sync.Mutex
	inBurst      bool
	burstStart   time.Time
	peakLevel    float64
	sumLevel     float64
	burstFrames  int
	speechCount  int
	silenceCount int
	pending      []model.DetectionEvent
}

// New creates a Detector.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// ID implements source.Source.
func (d *Detector) ID() model.SourceID { return model.SourceBasic }

// Feed consumes one PCM frame. Safe to call from the audio thread; the
// work per frame is a single RMS pass plus counter updates.
func (d *Detector) Feed(pcm []int16, ts time.Time) {
	level := rms(pcm)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inBurst {
		d.burstFrames++
		d.sumLevel += level
		if level > d.peakLevel {
			d.peakLevel = level
		}
		if level < d.cfg.SilenceThreshold {
			d.silenceCount++
			if d.silenceCount >= d.cfg.SilenceFrames {
				d.closeBurst(ts)
			}
		} else {
			d.silenceCount = 0
		}
		return
	}

	if level >= d.cfg.SpeechThreshold {
		d.speechCount++
		if d.speechCount >= d.cfg.StartFrames {
			d.inBurst = true
			d.burstStart = ts
			d.peakLevel = level
			d.sumLevel = level
			d.burstFrames = 1
			d.speechCount = 0
			d.silenceCount = 0
		}
	} else {
		d.speechCount = 0
	}
}

// closeBurst converts the finished burst into a detection event.
// Caller holds d.mu.
func (d *Detector) closeBurst(ts time.Time) {
	dur := ts.Sub(d.burstStart)
	peak := d.peakLevel
	mean := d.sumLevel / float64(d.burstFrames)

	d.inBurst = false
	d.silenceCount = 0

	if dur < d.cfg.MinBurst {
		return
	}

	// Confidence scales with how far the peak cleared the speech threshold,
	// saturating at roughly 4x threshold.
	conf := (peak - d.cfg.SpeechThreshold) / (3 * d.cfg.SpeechThreshold)
	conf = clamp01(0.5 + conf/2)

	// A spiky burst (peak well above mean) reads as surprise; a sustained
	// loud one as excitement.
	label := "excitement"
	if mean > 0 && peak/mean > 2.5 && dur < time.Second {
		label = "surprise"
	}

	d.pending = append(d.pending, model.DetectionEvent{
		Source:       model.SourceBasic,
		Label:        label,
		Confidence:   conf,
		Timestamp:    ts,
		DurationHint: dur,
	})
}

// Poll implements source.Source.
func (d *Detector) Poll() ([]model.DetectionEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	events := d.pending
	d.pending = nil
	return events, nil
}

// Reset clears hysteresis state and drops buffered events.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inBurst = false
	d.speechCount = 0
	d.silenceCount = 0
	d.pending = nil
}

func rms(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
