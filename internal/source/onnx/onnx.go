// Package onnx implements the ML emotion classifier source. Feature vectors
// extracted by the audio front-end are queued from the capture thread and
// classified on Poll through an ONNX Runtime session.
package onnx

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/LordBoos/SmartClip-CZ/internal/model"
)

// DefaultLabels is the emotion set of the bundled classifier, in output
// tensor order.
var DefaultLabels = []string{
	"neutral", "laughter", "excitement", "surprise",
	"joy", "anger", "fear", "sadness",
}

// noiseFloor drops classifications that barely beat chance. Per-source
// sensitivity gating happens later, in the quality filter.
const noiseFloor = 0.2

// maxInfersPerPoll bounds the time one Poll can spend in inference so the
// detection tick never stalls behind a backlog.
const maxInfersPerPoll = 4

const maxQueued = 64

// inferFunc runs the model over one feature vector and returns the raw
// per-label scores. Split out so tests can stub inference.
type inferFunc func(features []float32) ([]float32, error)

type frame struct {
	features []float32
	ts       time.Time
	dur      time.Duration
}

// Classifier is the ONNX-backed emotion source.
type Classifier struct {
	labels []string
	infer  inferFunc
	closer func() error

	mu      sync.Mutex
	queue   []frame
	dropped int
}

// New loads the ONNX model at modelPath and returns a ready classifier.
func New(modelPath string, labels []string) (*Classifier, error) {
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	sess, err := newSession(modelPath, int64(len(labels)))
	if err != nil {
		return nil, fmt.Errorf("onnx source: %w", err)
	}
	return &Classifier{
		labels: labels,
		infer:  sess.infer,
		closer: sess.close,
	}, nil
}

// newWithInfer wires a stub inference function; used by tests.
func newWithInfer(labels []string, fn inferFunc) *Classifier {
	return &Classifier{labels: labels, infer: fn}
}

// ID implements source.Source.
func (c *Classifier) ID() model.SourceID { return model.SourceONNX }

// Feed queues one feature vector for classification. Safe to call from the
// capture thread. When the queue is full the oldest frame is dropped; the
// classifier prefers fresh signal over completeness.
func (c *Classifier) Feed(features []float32, ts time.Time, dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= maxQueued {
		c.queue = c.queue[1:]
		c.dropped++
	}
	c.queue = append(c.queue, frame{features: features, ts: ts, dur: dur})
}

// Poll classifies up to maxInfersPerPoll queued frames and returns the
// resulting events. When inference fails before anything classified, the
// error is returned and the caller excludes the source from fusion until a
// poll succeeds again. A mid-batch failure after some frames classified
// delivers those events with no error; the failing frame stays queued, so
// a persistent fault surfaces on the next poll.
func (c *Classifier) Poll() ([]model.DetectionEvent, error) {
	c.mu.Lock()
	n := len(c.queue)
	if n > maxInfersPerPoll {
		n = maxInfersPerPoll
	}
	batch := make([]frame, n)
	copy(batch, c.queue[:n])
	c.mu.Unlock()

	var events []model.DetectionEvent
	done := 0
	for _, f := range batch {
		scores, err := c.infer(f.features)
		if err != nil {
			c.discard(done)
			if len(events) > 0 {
				return events, nil
			}
			return nil, fmt.Errorf("onnx inference: %w", err)
		}
		done++
		label, conf := top(c.labels, softmax(scores))
		if label == "neutral" || conf < noiseFloor {
			continue
		}
		events = append(events, model.DetectionEvent{
			Source:       model.SourceONNX,
			Label:        label,
			Confidence:   conf,
			Timestamp:    f.ts,
			DurationHint: f.dur,
		})
	}
	c.discard(done)
	return events, nil
}

// Reset drops the queue.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = nil
}

// Close releases the ONNX session.
func (c *Classifier) Close() error {
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

func (c *Classifier) discard(n int) {
	c.mu.Lock()
	if n > len(c.queue) {
		n = len(c.queue)
	}
	c.queue = c.queue[n:]
	c.mu.Unlock()
}

// softmax converts raw scores to a probability distribution.
func softmax(scores []float32) []float64 {
	if len(scores) == 0 {
		return nil
	}
	max := float64(scores[0])
	for _, s := range scores[1:] {
		if float64(s) > max {
			max = float64(s)
		}
	}
	probs := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		probs[i] = math.Exp(float64(s) - max)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// top returns the best label and its probability.
func top(labels []string, probs []float64) (string, float64) {
	best, bestP := "", -1.0
	for i, p := range probs {
		if i < len(labels) && p > bestP {
			best, bestP = labels[i], p
		}
	}
	return best, bestP
}
