package model

import "time"

// SourceID identifies a detection backend.
type SourceID string

const (
	// SourceBasic is the energy-heuristic emotion detector.
	SourceBasic SourceID = "basic"
	// SourceONNX is the ML emotion classifier.
	SourceONNX SourceID = "onnx"
	// SourcePhrase is the speech activation-phrase matcher.
	SourcePhrase SourceID = "phrase"
)

// Priority returns the tie-break rank of a source. Higher wins when fused
// confidences are within epsilon of each other: an explicit phrase match
// beats the ML classifier, which beats the basic heuristic.
func (s SourceID) Priority() int {
	switch s {
	case SourcePhrase:
		return 3
	case SourceONNX:
		return 2
	case SourceBasic:
		return 1
	default:
		return 0
	}
}

// DetectionEvent is a single timestamped signal from one backend.
// Immutable once created; consumed within one pipeline pass.
type DetectionEvent struct {
	Source       SourceID
	Label        string  // emotion name or matched phrase
	Confidence   float64 // raw backend confidence in [0,1]
	Timestamp    time.Time
	DurationHint time.Duration // length of the underlying signal, zero if unknown
}

// QualityVerdict is the quality filter's judgement of one detection event.
type QualityVerdict struct {
	Event              DetectionEvent
	AdjustedConfidence float64
	Accepted           bool
	Reason             string
}

// FusedDetection merges accepted verdicts whose timestamps fall within one
// correlation window. Sources is never empty and Confidence is the maximum
// adjusted confidence among contributors.
type FusedDetection struct {
	Label       string
	Confidence  float64
	Sources     []SourceID
	WindowStart time.Time
	WindowEnd   time.Time
}

// ClipRequest is emitted on a FIRE transition, one per fired detection.
type ClipRequest struct {
	Label       string
	Confidence  float64
	Timestamp   time.Time
	StreamTitle string
	Duration    time.Duration // requested clip length
}

// ClipResult reports the outcome of a clip creation call.
type ClipResult struct {
	Request   ClipRequest
	ClipID    string // set on success
	Title     string // title sent to Helix
	Err       error  // set on failure
	CreatedAt time.Time
}
