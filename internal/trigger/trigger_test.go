package trigger

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/LordBoos/SmartClip-CZ/internal/model"
)

var t0 = time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func detection(label string, confidence float64) model.FusedDetection {
	return model.FusedDetection{
		Label:      label,
		Confidence: confidence,
		Sources:    []model.SourceID{model.SourceONNX},
	}
}

func TestFireAboveThreshold(t *testing.T) {
	m := New(0.7, 30*time.Second, 0, discard())

	req := m.Offer(detection("laughter", 0.8), t0)
	if req == nil {
		t.Fatal("expected a clip request")
	}
	if req.Label != "laughter" || req.Confidence != 0.8 {
		t.Errorf("request = %+v", req)
	}
	if !req.Timestamp.Equal(t0) {
		t.Errorf("request timestamp = %v, want fire time %v", req.Timestamp, t0)
	}
	if m.State() != StateCooldown {
		t.Errorf("state = %v, want cooldown", m.State())
	}
}

func TestDiscardBelowThreshold(t *testing.T) {
	m := New(0.7, 30*time.Second, 0, discard())

	if req := m.Offer(detection("laughter", 0.69), t0); req != nil {
		t.Fatalf("fired below threshold: %+v", req)
	}
	if m.State() != StateIdle {
		t.Errorf("state = %v, want idle after discard", m.State())
	}
	if m.Stats().BelowThreshold != 1 {
		t.Errorf("stats = %+v", m.Stats())
	}
}

func TestCooldownSwallowsDetections(t *testing.T) {
	m := New(0.7, 30*time.Second, 0, discard())

	m.Offer(detection("laughter", 0.9), t0)
	for i := 1; i <= 5; i++ {
		at := t0.Add(time.Duration(i) * 5 * time.Second)
		if req := m.Offer(detection("excitement", 0.95), at); req != nil {
			t.Fatalf("fired during cooldown at +%ds: %+v", i*5, req)
		}
	}
	if got := m.Stats().DuringCooldown; got != 5 {
		t.Errorf("DuringCooldown = %d, want 5", got)
	}
	if got := m.Stats().Fired; got != 1 {
		t.Errorf("Fired = %d, want 1", got)
	}
}

func TestCooldownExpiry(t *testing.T) {
	m := New(0.7, 30*time.Second, 0, discard())

	m.Offer(detection("laughter", 0.9), t0)
	if req := m.Offer(detection("wow", 0.9), t0.Add(29*time.Second)); req != nil {
		t.Fatal("fired 1s before cooldown end")
	}
	req := m.Offer(detection("wow", 0.9), t0.Add(31*time.Second))
	if req == nil {
		t.Fatal("expected fire after cooldown elapsed")
	}
	if req.Label != "wow" {
		t.Errorf("label = %q", req.Label)
	}
}

func TestCooldownAnchoredAtFireTime(t *testing.T) {
	m := New(0.7, 30*time.Second, 0, discard())

	// Detections during cooldown must not extend it.
	m.Offer(detection("laughter", 0.9), t0)
	m.Offer(detection("excitement", 0.9), t0.Add(25*time.Second))
	if req := m.Offer(detection("wow", 0.9), t0.Add(31*time.Second)); req == nil {
		t.Fatal("cooldown was re-anchored by a swallowed detection")
	}
}

func TestTickLeavesCooldown(t *testing.T) {
	m := New(0.7, 30*time.Second, 0, discard())

	m.Offer(detection("laughter", 0.9), t0)
	m.Tick(t0.Add(10 * time.Second))
	if m.State() != StateCooldown {
		t.Error("left cooldown early")
	}
	m.Tick(t0.Add(31 * time.Second))
	if m.State() != StateIdle {
		t.Error("still in cooldown after expiry tick")
	}
}

func TestHourlyBudget(t *testing.T) {
	m := New(0.7, time.Second, 2, discard())

	at := t0
	fired := 0
	for i := 0; i < 6; i++ {
		if req := m.Offer(detection("laughter", 0.9), at); req != nil {
			fired++
		}
		at = at.Add(2 * time.Second)
	}
	if fired != 2 {
		t.Errorf("fired %d times, budget allows 2", fired)
	}
	if m.Stats().BudgetExhausted == 0 {
		t.Error("budget exhaustion not counted")
	}
}

func TestResetClearsState(t *testing.T) {
	m := New(0.7, 30*time.Second, 0, discard())

	m.Offer(detection("laughter", 0.9), t0)
	m.Reset()

	if m.State() != StateIdle {
		t.Errorf("state = %v after reset", m.State())
	}
	if m.Stats() != (Stats{}) {
		t.Errorf("stats = %+v after reset", m.Stats())
	}
	// A fresh session must be able to fire immediately.
	if req := m.Offer(detection("wow", 0.9), t0.Add(time.Second)); req == nil {
		t.Fatal("cooldown leaked across reset")
	}
}
