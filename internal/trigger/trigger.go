// Package trigger decides when a fused detection becomes a clip request.
//
// The state machine has three states. IDLE waits for a detection. ARMED is a
// zero-duration evaluation state: the detection either fires or is discarded
// in the same call. COOLDOWN swallows every detection until the cooldown
// elapses, counting them for statistics.
package trigger

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/LordBoos/SmartClip-CZ/internal/model"
)

// State is the machine's externally visible state.
type State int

const (
	StateIdle State = iota
	StateCooldown
)

func (s State) String() string {
	if s == StateCooldown {
		return "cooldown"
	}
	return "idle"
}

// Stats counts outcomes since the last Reset.
type Stats struct {
	Fired           int
	BelowThreshold  int
	DuringCooldown  int
	BudgetExhausted int
}

// Machine is the trigger cooldown state machine. One instance exists per
// streaming session and it is only ever driven from the detection loop.
type Machine struct {
	threshold float64
	cooldown  time.Duration
	budget    *rate.Limiter
	log       *slog.Logger

	state   State
	firedAt time.Time
	stats   Stats
}

// New creates a Machine. maxPerHour caps fires with a rolling budget on top
// of the cooldown; zero disables the cap.
func New(threshold float64, cooldown time.Duration, maxPerHour int, log *slog.Logger) *Machine {
	var budget *rate.Limiter
	if maxPerHour > 0 {
		budget = rate.NewLimiter(rate.Every(time.Hour/time.Duration(maxPerHour)), maxPerHour)
	}
	return &Machine{
		threshold: threshold,
		cooldown:  cooldown,
		budget:    budget,
		log:       log,
	}
}

// Offer evaluates one fused detection at the given time. It returns a
// ClipRequest exactly when the machine transitions into COOLDOWN; every
// other path returns nil. The cooldown timer is anchored here, at fire
// time, regardless of when the resulting clip call completes.
func (m *Machine) Offer(fd model.FusedDetection, now time.Time) *model.ClipRequest {
	if m.state == StateCooldown {
		if now.Sub(m.firedAt) < m.cooldown {
			m.stats.DuringCooldown++
			m.log.Debug("detection during cooldown",
				"label", fd.Label,
				"confidence", fd.Confidence,
				"remaining", m.cooldown-now.Sub(m.firedAt))
			return nil
		}
		m.state = StateIdle
	}

	// ARMED: evaluate and leave immediately.
	if fd.Confidence < m.threshold {
		m.stats.BelowThreshold++
		return nil
	}
	if m.budget != nil && !m.budget.AllowN(now, 1) {
		m.stats.BudgetExhausted++
		m.log.Warn("clip budget exhausted, detection dropped",
			"label", fd.Label, "confidence", fd.Confidence)
		return nil
	}

	m.state = StateCooldown
	m.firedAt = now
	m.stats.Fired++
	m.log.Info("trigger fired",
		"label", fd.Label,
		"confidence", fd.Confidence,
		"sources", fd.Sources,
		"cooldown", m.cooldown)

	return &model.ClipRequest{
		Label:      fd.Label,
		Confidence: fd.Confidence,
		Timestamp:  now,
	}
}

// Tick lets the machine leave COOLDOWN on quiet ticks so State reports
// accurately between detections.
func (m *Machine) Tick(now time.Time) {
	if m.state == StateCooldown && now.Sub(m.firedAt) >= m.cooldown {
		m.state = StateIdle
	}
}

// State reports the current state.
func (m *Machine) State() State { return m.state }

// Stats returns outcome counts since the last Reset.
func (m *Machine) Stats() Stats { return m.stats }

// Reset returns the machine to IDLE and zeroes statistics. Called on every
// session start and stop so state never leaks across sessions.
func (m *Machine) Reset() {
	m.state = StateIdle
	m.firedAt = time.Time{}
	m.stats = Stats{}
}
