// Package clips keeps a bounded record of clip attempts and their outcomes,
// persisted to disk so statistics survive restarts.
package clips

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMaxHistory = 1000

// Attempt is one clip attempt, from trigger fire to resolved outcome.
type Attempt struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	Confidence float64   `json:"confidence"`
	Sources    []string  `json:"sources,omitempty"`
	At         time.Time `json:"at"`
	ClipID     string    `json:"clip_id,omitempty"`
	Title      string    `json:"title,omitempty"`
	Resolved   bool      `json:"resolved"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Summary aggregates history for the statistics surface.
type Summary struct {
	Total         int            `json:"total"`
	Succeeded     int            `json:"succeeded"`
	Failed        int            `json:"failed"`
	SuccessRate   float64        `json:"success_rate"`
	TriggerCounts map[string]int `json:"trigger_counts"`
	SourceCounts  map[string]int `json:"source_counts"`
}

// History is the attempt log. Safe for concurrent use; the engine records
// from its loop while result handling may resolve later.
type History struct {
	mu       sync.Mutex
	path     string
	max      int
	attempts []Attempt
}

// Open loads history from path, starting empty when the file does not
// exist. A path of "" keeps history in memory only.
func Open(path string) (*History, error) {
	h := &History{path: path, max: defaultMaxHistory}
	if path == "" {
		return h, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read clip history: %w", err)
	}
	if err := json.Unmarshal(data, &h.attempts); err != nil {
		return nil, fmt.Errorf("parse clip history %s: %w", path, err)
	}
	return h, nil
}

// Record logs a new attempt and returns its id.
func (h *History) Record(trigger string, confidence float64, sources []string, at time.Time) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	a := Attempt{
		ID:         uuid.NewString(),
		Trigger:    trigger,
		Confidence: confidence,
		Sources:    sources,
		At:         at,
	}
	h.attempts = append(h.attempts, a)
	if len(h.attempts) > h.max {
		h.attempts = h.attempts[len(h.attempts)-h.max:]
	}
	h.saveLocked()
	return a.ID
}

// Resolve marks an attempt's outcome once its ClipResult arrives.
func (h *History) Resolve(id, clipID, title string, attemptErr error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.attempts) - 1; i >= 0; i-- {
		if h.attempts[i].ID != id {
			continue
		}
		h.attempts[i].Resolved = true
		h.attempts[i].ClipID = clipID
		h.attempts[i].Title = title
		if attemptErr != nil {
			h.attempts[i].Error = attemptErr.Error()
		} else {
			h.attempts[i].Success = true
		}
		h.saveLocked()
		return
	}
}

// Recent returns the newest n attempts, newest first.
func (h *History) Recent(n int) []Attempt {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > len(h.attempts) {
		n = len(h.attempts)
	}
	out := make([]Attempt, n)
	for i := 0; i < n; i++ {
		out[i] = h.attempts[len(h.attempts)-1-i]
	}
	return out
}

// SuccessRate reports the fraction of resolved attempts that succeeded
// within the window; zero window means all time.
func (h *History) SuccessRate(window time.Duration) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}
	var resolved, succeeded int
	for _, a := range h.attempts {
		if !a.Resolved || a.At.Before(cutoff) {
			continue
		}
		resolved++
		if a.Success {
			succeeded++
		}
	}
	if resolved == 0 {
		return 0
	}
	return float64(succeeded) / float64(resolved)
}

// BestTriggers returns trigger labels ordered by successful clip count.
func (h *History) BestTriggers(limit int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	wins := make(map[string]int)
	for _, a := range h.attempts {
		if a.Success {
			wins[a.Trigger]++
		}
	}
	triggers := make([]string, 0, len(wins))
	for t := range wins {
		triggers = append(triggers, t)
	}
	sort.Slice(triggers, func(i, j int) bool {
		if wins[triggers[i]] != wins[triggers[j]] {
			return wins[triggers[i]] > wins[triggers[j]]
		}
		return triggers[i] < triggers[j]
	})
	if limit > 0 && len(triggers) > limit {
		triggers = triggers[:limit]
	}
	return triggers
}

// Hourly counts attempts per hour over the trailing window, keyed by the
// hour's local "2006-01-02 15" form.
func (h *History) Hourly(hours int) map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	counts := make(map[string]int)
	for _, a := range h.attempts {
		if a.At.Before(cutoff) {
			continue
		}
		counts[a.At.Format("2006-01-02 15")]++
	}
	return counts
}

// Summarize aggregates the full history.
func (h *History) Summarize() Summary {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Summary{
		TriggerCounts: make(map[string]int),
		SourceCounts:  make(map[string]int),
	}
	var resolved int
	for _, a := range h.attempts {
		s.Total++
		s.TriggerCounts[a.Trigger]++
		for _, src := range a.Sources {
			s.SourceCounts[src]++
		}
		if !a.Resolved {
			continue
		}
		resolved++
		if a.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	if resolved > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(resolved)
	}
	return s
}

// saveLocked writes the history atomically, same temp-then-rename scheme as
// the config store. Persistence failures are swallowed: losing statistics
// must never break clip creation.
func (h *History) saveLocked() {
	if h.path == "" {
		return
	}
	data, err := json.MarshalIndent(h.attempts, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Dir(h.path)
	tmp, err := os.CreateTemp(dir, ".clip-history-*")
	if err != nil {
		return
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return
	}
	os.Rename(tmp.Name(), h.path)
}
