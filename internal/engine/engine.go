// Package engine runs the detection-to-clip pipeline for a streaming
// session.
//
// Detection is single-goroutine by construction: one tick loop polls the
// sources, judges quality, fuses, and drives the trigger machine. Network
// work (stream-info lookup, clip creation) runs on a worker goroutine and
// reports back over a channel, so a slow Helix call can never stall a tick.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/LordBoos/SmartClip-CZ/internal/clips"
	"github.com/LordBoos/SmartClip-CZ/internal/config"
	"github.com/LordBoos/SmartClip-CZ/internal/fusion"
	"github.com/LordBoos/SmartClip-CZ/internal/model"
	"github.com/LordBoos/SmartClip-CZ/internal/quality"
	"github.com/LordBoos/SmartClip-CZ/internal/source"
	"github.com/LordBoos/SmartClip-CZ/internal/trigger"
	"github.com/LordBoos/SmartClip-CZ/internal/twitch"
)

var errQueueFull = errors.New("invoker queue full")

// Invoker creates clips. *twitch.Client satisfies it.
type Invoker interface {
	CreateClip(ctx context.Context, req model.ClipRequest) (model.ClipResult, error)
	StreamInfo(ctx context.Context) (twitch.StreamInfo, error)
}

// SourceState is the latest reading from one backend, for status surfaces.
type SourceState struct {
	Label      string
	Confidence float64
	At         time.Time
	Degraded   bool
}

// invocation travels loop → worker; outcome travels worker → loop.
type invocation struct {
	gen       uint64
	attemptID string
	req       model.ClipRequest
}

type outcome struct {
	gen       uint64
	attemptID string
	result    model.ClipResult
}

// Engine wires the pipeline together and owns the tick loop.
type Engine struct {
	cfg     config.Config
	sources []source.Source
	filter  *quality.Filter
	fuser   *fusion.Engine
	machine *trigger.Machine
	invoker Invoker
	history *clips.History
	log     *slog.Logger

	// enabled restricts which emotion labels may trigger; phrase labels
	// bypass it. Empty means all.
	enabled map[string]bool

	requests chan invocation
	outcomes chan outcome
	control  chan bool // session start/stop
	wg       sync.WaitGroup

	// gen increments on every session boundary; results stamped with an
	// older generation are discarded.
	gen    uint64
	active bool

	mu       sync.Mutex
	snapshot map[model.SourceID]SourceState
}

// New assembles an Engine from its parts. history may be nil.
func New(cfg config.Config, sources []source.Source, invoker Invoker, history *clips.History, log *slog.Logger) *Engine {
	sens := make(map[model.SourceID]float64, len(sources))
	for _, s := range sources {
		sens[s.ID()] = cfg.Sources.Sensitivity(s.ID())
	}
	det := cfg.Detection
	var enabled map[string]bool
	if len(det.EnabledEmotions) > 0 {
		enabled = make(map[string]bool, len(det.EnabledEmotions))
		for _, emo := range det.EnabledEmotions {
			enabled[emo] = true
		}
	}
	return &Engine{
		cfg:     cfg,
		sources: sources,
		filter:  quality.New(quality.DefaultConfig(), sens),
		fuser:   fusion.New(det.CorrelationWindow.Std(), det.TieBreakEpsilon),
		machine: trigger.New(det.TriggerThreshold, det.Cooldown.Std(), det.MaxClipsPerHour, log),
		invoker: invoker,
		history: history,
		log:     log,
		enabled: enabled,

		requests: make(chan invocation, 8),
		outcomes: make(chan outcome, 8),
		control:  make(chan bool, 4),
		snapshot: make(map[model.SourceID]SourceState),
	}
}

// StartSession begins detection; StopSession halts it. Both reset pipeline
// state so nothing leaks across sessions. Safe to call from any goroutine.
func (e *Engine) StartSession() { e.control <- true }

// StopSession halts detection and tears the session down.
func (e *Engine) StopSession() { e.control <- false }

// Snapshot returns the latest per-source readings.
func (e *Engine) Snapshot() map[model.SourceID]SourceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[model.SourceID]SourceState, len(e.snapshot))
	for k, v := range e.snapshot {
		out[k] = v
	}
	return out
}

// TriggerStats returns trigger outcome counts for the current session.
func (e *Engine) TriggerStats() trigger.Stats { return e.machine.Stats() }

// Run drives the tick loop until ctx is cancelled. It owns the invoker
// worker; when Run returns the worker has exited.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(1)
	go e.worker(ctx)

	ticker := time.NewTicker(e.cfg.Detection.TickInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(e.requests)
			e.wg.Wait()
			return
		case active := <-e.control:
			e.setSession(active)
		case out := <-e.outcomes:
			e.handleOutcome(out)
		case now := <-ticker.C:
			if e.active {
				e.tick(now)
			}
		}
	}
}

func (e *Engine) setSession(active bool) {
	if active == e.active {
		return
	}
	e.active = active
	e.gen++
	e.filter.Reset()
	e.fuser.Reset()
	e.machine.Reset()
	for _, s := range e.sources {
		if r, ok := s.(source.Resetter); ok {
			r.Reset()
		}
	}
	if active {
		e.log.Info("session started")
	} else {
		e.log.Info("session stopped")
	}
}

// tick runs one pipeline pass. Source errors degrade, never abort.
func (e *Engine) tick(now time.Time) {
	for _, s := range e.sources {
		events, err := s.Poll()
		if err != nil {
			e.markDegraded(s.ID(), err)
			continue
		}
		e.clearDegraded(s.ID())
		for _, ev := range events {
			e.observe(ev)
			if e.enabled != nil && ev.Source != model.SourcePhrase && !e.enabled[ev.Label] {
				continue
			}
			v := e.filter.Judge(ev)
			if !v.Accepted {
				e.log.Debug("detection rejected",
					"source", ev.Source, "label", ev.Label, "reason", v.Reason)
				continue
			}
			if fd := e.fuser.Observe(v); fd != nil {
				e.offer(fd, now)
			}
		}
	}
	if fd := e.fuser.Tick(now); fd != nil {
		e.offer(fd, now)
	}
	e.machine.Tick(now)
}

func (e *Engine) offer(fd *model.FusedDetection, now time.Time) {
	req := e.machine.Offer(*fd, now)
	if req == nil {
		return
	}
	req.Duration = e.cfg.Detection.ClipDuration.Std()

	var attemptID string
	if e.history != nil {
		sources := make([]string, len(fd.Sources))
		for i, s := range fd.Sources {
			sources[i] = string(s)
		}
		attemptID = e.history.Record(req.Label, req.Confidence, sources, now)
	}

	select {
	case e.requests <- invocation{gen: e.gen, attemptID: attemptID, req: *req}:
	default:
		e.log.Error("clip request dropped", "label", req.Label, "error", errQueueFull)
		if e.history != nil {
			e.history.Resolve(attemptID, "", "", errQueueFull)
		}
	}
}

func (e *Engine) handleOutcome(out outcome) {
	if out.gen != e.gen {
		// Session reset while the call was in flight.
		e.log.Debug("discarding stale clip result", "label", out.result.Request.Label)
		return
	}
	if e.history != nil {
		e.history.Resolve(out.attemptID, out.result.ClipID, out.result.Title, out.result.Err)
	}
	if out.result.Err != nil {
		e.log.Error("clip creation failed",
			"label", out.result.Request.Label, "error", out.result.Err)
		return
	}
	e.log.Info("clip recorded",
		"clip_id", out.result.ClipID, "label", out.result.Request.Label)
}

// worker serializes network calls: one clip at a time, in fire order.
func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for inv := range e.requests {
		if info, err := e.invoker.StreamInfo(ctx); err == nil {
			inv.req.StreamTitle = info.Title
		} else {
			e.log.Warn("stream info unavailable, clip title degraded", "error", err)
		}

		result, err := e.invoker.CreateClip(ctx, inv.req)
		if err != nil {
			result.Err = err
		}

		select {
		case e.outcomes <- outcome{gen: inv.gen, attemptID: inv.attemptID, result: result}:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) observe(ev model.DetectionEvent) {
	e.mu.Lock()
	e.snapshot[ev.Source] = SourceState{
		Label:      ev.Label,
		Confidence: ev.Confidence,
		At:         ev.Timestamp,
	}
	e.mu.Unlock()
}

func (e *Engine) markDegraded(id model.SourceID, err error) {
	e.mu.Lock()
	st := e.snapshot[id]
	already := st.Degraded
	st.Degraded = true
	e.snapshot[id] = st
	e.mu.Unlock()
	if !already {
		e.log.Warn("source degraded, excluded from fusion", "source", id, "error", err)
	}
}

func (e *Engine) clearDegraded(id model.SourceID) {
	e.mu.Lock()
	st := e.snapshot[id]
	recovered := st.Degraded
	st.Degraded = false
	e.snapshot[id] = st
	e.mu.Unlock()
	if recovered {
		e.log.Info("source recovered", "source", id)
	}
}
