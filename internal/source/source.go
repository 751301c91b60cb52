// Package source defines the detection backend boundary. Each backend is
// wrapped behind a uniform pull interface so the detection loop stays
// single-threaded and deterministic: push-style backends buffer internally
// and hand events over on Poll.
package source

import (
	"errors"

	"github.com/LordBoos/SmartClip-CZ/internal/model"
)

// ErrDegraded is returned by Poll when a backend is temporarily unusable.
// The caller excludes the source from fusion until a poll succeeds again;
// it never aborts the detection tick.
var ErrDegraded = errors.New("source degraded")

// Source is a detection backend producing timestamped confidence events.
type Source interface {
	// ID returns the fixed source identifier.
	ID() model.SourceID

	// Poll returns all events accumulated since the last call, in timestamp
	// order, without blocking for more than a bounded slice. A nil slice
	// means no new signal, which is not an error.
	Poll() ([]model.DetectionEvent, error)
}

// Resetter is implemented by sources that keep cross-event state (energy
// hysteresis, pending transcripts). The session resets them on start/stop
// so state never leaks between streaming sessions.
type Resetter interface {
	Reset()
}
