// Package phrase implements the speech activation-phrase source. Transcripts
// from the speech recognizer are pushed in as they finalize; Poll surfaces
// an event for each transcript that contains a configured phrase.
//
// Matching is case- and diacritic-insensitive so "úžasné", "Úžasné" and
// "uzasne" all hit the same phrase, which matters for Czech recognizer
// output that often drops diacritics.
package phrase

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/LordBoos/SmartClip-CZ/internal/model"
)

const maxQueued = 32

type transcript struct {
	text       string
	confidence float64
	ts         time.Time
	dur        time.Duration
}

// Matcher matches recognizer transcripts against activation phrases.
type Matcher struct {
	phrases []string // normalized forms
	display []string // original forms, parallel to phrases

	mu    sync.Mutex
	queue []transcript
}

// New creates a Matcher for the given activation phrases.
func New(phrases []string) *Matcher {
	m := &Matcher{}
	for _, p := range phrases {
		n := Normalize(p)
		if n == "" {
			continue
		}
		m.phrases = append(m.phrases, n)
		m.display = append(m.display, p)
	}
	return m
}

// ID implements source.Source.
func (m *Matcher) ID() model.SourceID { return model.SourcePhrase }

// Feed queues one finalized transcript. Safe to call from the recognizer
// goroutine. Oldest transcripts are dropped when the queue is full.
func (m *Matcher) Feed(text string, confidence float64, ts time.Time, dur time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) >= maxQueued {
		m.queue = m.queue[1:]
	}
	m.queue = append(m.queue, transcript{text: text, confidence: confidence, ts: ts, dur: dur})
}

// Poll matches queued transcripts and returns one event per transcript that
// contains an activation phrase. When several phrases match the same
// transcript, the longest wins.
func (m *Matcher) Poll() ([]model.DetectionEvent, error) {
	m.mu.Lock()
	batch := m.queue
	m.queue = nil
	m.mu.Unlock()

	var events []model.DetectionEvent
	for _, tr := range batch {
		label, ok := m.match(tr.text)
		if !ok {
			continue
		}
		events = append(events, model.DetectionEvent{
			Source:       model.SourcePhrase,
			Label:        label,
			Confidence:   tr.confidence,
			Timestamp:    tr.ts,
			DurationHint: tr.dur,
		})
	}
	return events, nil
}

// Reset drops pending transcripts.
func (m *Matcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
}

// match returns the display form of the longest phrase contained in text.
func (m *Matcher) match(text string) (string, bool) {
	n := Normalize(text)
	if n == "" {
		return "", false
	}
	bestIdx, bestLen := -1, 0
	for i, p := range m.phrases {
		if len(p) > bestLen && containsWord(n, p) {
			bestIdx, bestLen = i, len(p)
		}
	}
	if bestIdx < 0 {
		return "", false
	}
	return m.display[bestIdx], true
}

// containsWord reports whether phrase occurs in text on word boundaries,
// so "wow" does not match inside "powwow".
func containsWord(text, phrase string) bool {
	for start := 0; ; {
		idx := strings.Index(text[start:], phrase)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(phrase)
		leftOK := idx == 0 || text[idx-1] == ' '
		rightOK := end == len(text) || text[end] == ' '
		if leftOK && rightOK {
			return true
		}
		start = idx + 1
	}
}

// Normalize lowercases, strips diacritics (NFD decomposition, combining
// marks removed), and collapses whitespace runs to single spaces.
func Normalize(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	space := true // leading whitespace is dropped
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		if unicode.IsSpace(r) {
			if !space {
				b.WriteRune(' ')
				space = true
			}
			continue
		}
		space = false
		b.WriteRune(unicode.ToLower(r))
	}
	return strings.TrimRight(b.String(), " ")
}
