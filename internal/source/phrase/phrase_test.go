package phrase

import (
	"testing"
	"time"

	"github.com/LordBoos/SmartClip-CZ/internal/model"
)

var t0 = time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Wow", "wow"},
		{"úžasné", "uzasne"},
		{"TO JE  Skvělé", "to je skvele"},
		{"  holy   shit  ", "holy shit"},
		{"", ""},
		{"neuvěřitelné!", "neuveritelne!"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatchDiacriticInsensitive(t *testing.T) {
	m := New([]string{"to je skvělé", "wow"})

	// Recognizer output without diacritics still matches, and the event
	// label carries the configured display form.
	m.Feed("no to je skvele", 0.9, t0, 2*time.Second)
	events, err := m.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Label != "to je skvělé" {
		t.Fatalf("expected display label, got %q", ev.Label)
	}
	if ev.Source != model.SourcePhrase {
		t.Fatalf("wrong source id: %q", ev.Source)
	}
	if ev.Confidence != 0.9 {
		t.Fatalf("expected recognizer confidence passed through, got %g", ev.Confidence)
	}
}

func TestNoMatchProducesNothing(t *testing.T) {
	m := New([]string{"wow"})
	m.Feed("hello there", 0.9, t0, time.Second)
	events, _ := m.Poll()
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestWordBoundary(t *testing.T) {
	m := New([]string{"wow"})
	m.Feed("that was a powwow really", 0.9, t0, time.Second)
	events, _ := m.Poll()
	if len(events) != 0 {
		t.Fatalf("expected no substring match inside a word, got %d events", len(events))
	}

	m.Feed("wow that was close", 0.8, t0, time.Second)
	events, _ = m.Poll()
	if len(events) != 1 {
		t.Fatalf("expected match at word start, got %d events", len(events))
	}
}

func TestLongestPhraseWins(t *testing.T) {
	m := New([]string{"je", "to je šílené"})
	m.Feed("co to je silene", 0.7, t0, time.Second)
	events, _ := m.Poll()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Label != "to je šílené" {
		t.Fatalf("expected longest phrase, got %q", events[0].Label)
	}
}

func TestPollDrains(t *testing.T) {
	m := New([]string{"wow"})
	m.Feed("wow", 0.9, t0, time.Second)
	if events, _ := m.Poll(); len(events) != 1 {
		t.Fatalf("expected 1 event on first poll, got %d", len(events))
	}
	if events, _ := m.Poll(); len(events) != 0 {
		t.Fatalf("expected drained queue, got %d events", len(events))
	}
}

func TestResetDropsQueue(t *testing.T) {
	m := New([]string{"wow"})
	m.Feed("wow", 0.9, t0, time.Second)
	m.Reset()
	if events, _ := m.Poll(); len(events) != 0 {
		t.Fatalf("expected empty queue after reset, got %d events", len(events))
	}
}

func TestQueueBounded(t *testing.T) {
	m := New([]string{"wow"})
	for i := 0; i < maxQueued+5; i++ {
		m.Feed("wow", 0.9, t0.Add(time.Duration(i)*time.Second), time.Second)
	}
	events, _ := m.Poll()
	if len(events) != maxQueued {
		t.Fatalf("expected queue capped at %d, got %d", maxQueued, len(events))
	}
}
