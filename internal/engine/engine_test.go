package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/LordBoos/SmartClip-CZ/internal/clips"
	"github.com/LordBoos/SmartClip-CZ/internal/config"
	"github.com/LordBoos/SmartClip-CZ/internal/model"
	"github.com/LordBoos/SmartClip-CZ/internal/source"
	"github.com/LordBoos/SmartClip-CZ/internal/twitch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig shrinks all timings so the pipeline settles within a test.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.Detection.TickInterval = config.Duration(5 * time.Millisecond)
	cfg.Detection.CorrelationWindow = config.Duration(30 * time.Millisecond)
	cfg.Detection.Cooldown = config.Duration(10 * time.Second)
	cfg.Detection.TriggerThreshold = 0.7
	cfg.Sources.Basic.Sensitivity = 0.5
	return cfg
}

// fakeSource hands out scripted event batches, one per poll.
type fakeSource struct {
	mu      sync.Mutex
	id      model.SourceID
	batches [][]model.DetectionEvent
	err     error
	resets  int
}

func (f *fakeSource) ID() model.SourceID { return f.id }

func (f *fakeSource) Poll() ([]model.DetectionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeSource) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeSource) push(events ...model.DetectionEvent) {
	f.mu.Lock()
	f.batches = append(f.batches, events)
	f.mu.Unlock()
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// fakeInvoker records clip requests and answers them, optionally holding
// each call until released.
type fakeInvoker struct {
	mu       sync.Mutex
	requests []model.ClipRequest
	fail     error
	hold     chan struct{}
	notify   chan struct{}
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{notify: make(chan struct{}, 16)}
}

func (f *fakeInvoker) StreamInfo(ctx context.Context) (twitch.StreamInfo, error) {
	return twitch.StreamInfo{Title: "Test stream", Live: true}, nil
}

func (f *fakeInvoker) CreateClip(ctx context.Context, req model.ClipRequest) (model.ClipResult, error) {
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return model.ClipResult{Request: req, Err: ctx.Err()}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fail := f.fail
	f.mu.Unlock()
	defer func() { f.notify <- struct{}{} }()
	if fail != nil {
		return model.ClipResult{Request: req, Err: fail}, fail
	}
	return model.ClipResult{
		Request:   req,
		ClipID:    "TestClip",
		Title:     twitch.ComposeTitle(req.StreamTitle, req.Label),
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeInvoker) calls() []model.ClipRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ClipRequest(nil), f.requests...)
}

func (f *fakeInvoker) waitForClip(t *testing.T) {
	t.Helper()
	select {
	case <-f.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("no clip was created")
	}
}

func event(src model.SourceID, label string, confidence float64) model.DetectionEvent {
	return model.DetectionEvent{
		Source:       src,
		Label:        label,
		Confidence:   confidence,
		Timestamp:    time.Now(),
		DurationHint: time.Second,
	}
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("engine did not shut down")
		}
	})
}

func TestDetectionToClip(t *testing.T) {
	src := &fakeSource{id: model.SourceBasic}
	inv := newFakeInvoker()
	e := New(testConfig(), []source.Source{src}, inv, nil, discard())

	startEngine(t, e)
	e.StartSession()
	src.push(event(model.SourceBasic, "excitement", 0.9))

	inv.waitForClip(t)
	calls := inv.calls()
	if len(calls) != 1 {
		t.Fatalf("clip calls = %d, want 1", len(calls))
	}
	if calls[0].Label != "excitement" || calls[0].Confidence != 0.9 {
		t.Errorf("request = %+v", calls[0])
	}
	if calls[0].StreamTitle != "Test stream" {
		t.Errorf("stream title = %q, worker should have fetched it", calls[0].StreamTitle)
	}
	if calls[0].Duration != 30*time.Second {
		t.Errorf("clip duration = %v, want the configured 30s", calls[0].Duration)
	}
}

func TestClipTitleRecordedInHistory(t *testing.T) {
	src := &fakeSource{id: model.SourceBasic}
	inv := newFakeInvoker()
	history, err := clips.Open("")
	if err != nil {
		t.Fatal(err)
	}
	e := New(testConfig(), []source.Source{src}, inv, history, discard())

	startEngine(t, e)
	e.StartSession()
	src.push(event(model.SourceBasic, "excitement", 0.9))
	inv.waitForClip(t)

	want := "Test stream - SmartClip - excitement"
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recent := history.Recent(1)
		if len(recent) == 1 && recent[0].Resolved {
			if recent[0].Title != want {
				t.Fatalf("history title = %q, want %q", recent[0].Title, want)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("clip outcome never resolved in history")
}

func TestCooldownSuppressesSecondClip(t *testing.T) {
	src := &fakeSource{id: model.SourceBasic}
	inv := newFakeInvoker()
	e := New(testConfig(), []source.Source{src}, inv, nil, discard())

	startEngine(t, e)
	e.StartSession()
	src.push(event(model.SourceBasic, "excitement", 0.9))
	inv.waitForClip(t)

	// A second burst lands well inside the 10s cooldown.
	src.push(event(model.SourceBasic, "excitement", 0.95))
	time.Sleep(200 * time.Millisecond)

	if got := len(inv.calls()); got != 1 {
		t.Fatalf("clip calls = %d, want 1 (cooldown)", got)
	}
	if e.TriggerStats().DuringCooldown == 0 {
		t.Error("swallowed detection not counted")
	}
}

func TestNoDetectionWhileSessionStopped(t *testing.T) {
	src := &fakeSource{id: model.SourceBasic}
	inv := newFakeInvoker()
	e := New(testConfig(), []source.Source{src}, inv, nil, discard())

	startEngine(t, e)
	// No StartSession.
	src.push(event(model.SourceBasic, "excitement", 0.9))
	time.Sleep(150 * time.Millisecond)

	if got := len(inv.calls()); got != 0 {
		t.Fatalf("clip calls = %d without an active session", got)
	}
}

func TestDegradedSourceIsExcludedAndRecovers(t *testing.T) {
	flaky := &fakeSource{id: model.SourceONNX}
	healthy := &fakeSource{id: model.SourceBasic}
	inv := newFakeInvoker()
	e := New(testConfig(), []source.Source{flaky, healthy}, inv, nil, discard())

	startEngine(t, e)
	e.StartSession()

	flaky.setErr(source.ErrDegraded)
	healthy.push(event(model.SourceBasic, "excitement", 0.9))

	// The healthy source still fires a clip.
	inv.waitForClip(t)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Snapshot()[model.SourceONNX].Degraded {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !e.Snapshot()[model.SourceONNX].Degraded {
		t.Fatal("flaky source not marked degraded")
	}

	flaky.setErr(nil)
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !e.Snapshot()[model.SourceONNX].Degraded {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("flaky source never recovered")
}

func TestDisabledEmotionNeverTriggers(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.EnabledEmotions = []string{"laughter"}

	src := &fakeSource{id: model.SourceBasic}
	inv := newFakeInvoker()
	e := New(cfg, []source.Source{src}, inv, nil, discard())

	startEngine(t, e)
	e.StartSession()
	src.push(event(model.SourceBasic, "anger", 0.95))
	time.Sleep(150 * time.Millisecond)

	if got := len(inv.calls()); got != 0 {
		t.Fatalf("disabled emotion produced %d clips", got)
	}
}

func TestPhraseLabelBypassesEmotionFilter(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.EnabledEmotions = []string{"laughter"}
	cfg.Sources.Phrase.Sensitivity = 0.5

	src := &fakeSource{id: model.SourcePhrase}
	inv := newFakeInvoker()
	e := New(cfg, []source.Source{src}, inv, nil, discard())

	startEngine(t, e)
	e.StartSession()
	src.push(event(model.SourcePhrase, "wow", 0.9))

	inv.waitForClip(t)
	if calls := inv.calls(); calls[0].Label != "wow" {
		t.Errorf("request = %+v", calls[0])
	}
}

func TestSessionRestartResetsSources(t *testing.T) {
	src := &fakeSource{id: model.SourceBasic}
	inv := newFakeInvoker()
	e := New(testConfig(), []source.Source{src}, inv, nil, discard())

	startEngine(t, e)
	e.StartSession()
	e.StopSession()
	e.StartSession()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		src.mu.Lock()
		resets := src.resets
		src.mu.Unlock()
		if resets == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("sources were not reset on session boundaries")
}

func TestStaleResultDiscarded(t *testing.T) {
	src := &fakeSource{id: model.SourceBasic}
	inv := newFakeInvoker()
	inv.hold = make(chan struct{})
	history, err := clips.Open("")
	if err != nil {
		t.Fatal(err)
	}
	e := New(testConfig(), []source.Source{src}, inv, history, discard())

	startEngine(t, e)
	e.StartSession()
	src.push(event(model.SourceBasic, "excitement", 0.9))

	// Wait for the attempt to be recorded, then tear the session down
	// while the clip call is still in flight.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && history.Summarize().Total == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if history.Summarize().Total != 1 {
		t.Fatal("attempt was never recorded")
	}

	e.StopSession()
	time.Sleep(50 * time.Millisecond)
	close(inv.hold)
	inv.waitForClip(t)
	time.Sleep(100 * time.Millisecond)

	s := history.Summarize()
	if s.Succeeded != 0 || s.Failed != 0 {
		t.Fatalf("stale result was applied: %+v", s)
	}
}

func TestFailedClipResolvesHistory(t *testing.T) {
	src := &fakeSource{id: model.SourceBasic}
	inv := newFakeInvoker()
	inv.fail = errors.New("helix is down")
	history, err := clips.Open("")
	if err != nil {
		t.Fatal(err)
	}
	e := New(testConfig(), []source.Source{src}, inv, history, discard())

	startEngine(t, e)
	e.StartSession()
	src.push(event(model.SourceBasic, "excitement", 0.9))
	inv.waitForClip(t)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if history.Summarize().Failed == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("failure not recorded: %+v", history.Summarize())
}
