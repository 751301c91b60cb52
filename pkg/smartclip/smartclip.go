package smartclip

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LordBoos/SmartClip-CZ/internal/clips"
	"github.com/LordBoos/SmartClip-CZ/internal/config"
	"github.com/LordBoos/SmartClip-CZ/internal/engine"
	"github.com/LordBoos/SmartClip-CZ/internal/model"
	"github.com/LordBoos/SmartClip-CZ/internal/obs"
	"github.com/LordBoos/SmartClip-CZ/internal/source"
	"github.com/LordBoos/SmartClip-CZ/internal/source/basic"
	"github.com/LordBoos/SmartClip-CZ/internal/source/onnx"
	"github.com/LordBoos/SmartClip-CZ/internal/source/phrase"
	"github.com/LordBoos/SmartClip-CZ/internal/twitch"
)

// Session is a configured detection session. Create once with New, then
// Run; the feed methods are safe to call from capture callbacks while the
// session runs.
type Session struct {
	cfg     config.Config
	log     *slog.Logger
	eng     *engine.Engine
	watcher *obs.Watcher
	history *clips.History

	detector *basic.Detector
	emotions *onnx.Classifier
	phrases  *phrase.Matcher
}

// New loads configuration, builds the enabled sources, and wires the
// pipeline. Config problems are returned as config.ErrInvalid.
func New(opts ...Option) (*Session, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("smartclip: %w", err)
	}
	cfg.ApplyProfile()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("smartclip: %w", err)
	}

	log := o.logger
	s := &Session{cfg: cfg, log: log}

	var sources []source.Source
	if cfg.Sources.Basic.Enabled {
		s.detector = basic.New(basic.DefaultConfig())
		sources = append(sources, s.detector)
	}
	if cfg.Sources.ONNX.Enabled {
		classifier, err := onnx.New(cfg.Sources.ONNX.ModelPath, onnx.DefaultLabels)
		if err != nil {
			// A missing model degrades to the remaining sources.
			log.Warn("onnx classifier unavailable", "error", err)
		} else {
			s.emotions = classifier
			sources = append(sources, classifier)
		}
	}
	if cfg.Sources.Phrase.Enabled {
		s.phrases = phrase.New(cfg.Sources.Phrase.Phrases)
		sources = append(sources, s.phrases)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("smartclip: %w: no detection sources enabled", config.ErrInvalid)
	}

	// Credential refreshes write back to the config file so the refresh
	// token survives restarts.
	creds := twitch.NewCredentialManager(cfg.Twitch, func(c twitch.Credential) error {
		s.cfg.Twitch.AccessToken = c.AccessToken
		s.cfg.Twitch.RefreshToken = c.RefreshToken
		s.cfg.Twitch.ExpiresAt = c.ExpiresAt
		s.cfg.Twitch.Scopes = c.Scopes
		return config.Save(o.configPath, s.cfg)
	}, log)
	client := twitch.NewClient(cfg.Twitch.ClientID, cfg.Twitch.BroadcasterID, creds, log)

	history, err := clips.Open(cfg.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("smartclip: %w", err)
	}
	s.history = history

	s.eng = engine.New(cfg, sources, client, history, log)
	if cfg.OBS.Enabled {
		s.watcher = obs.New(cfg.OBS.URL, cfg.OBS.Password, log)
	}
	return s, nil
}

// Run drives the session until ctx is cancelled. With OBS enabled the
// detection window follows stream start/stop; otherwise it spans the whole
// call.
func (s *Session) Run(ctx context.Context) {
	if s.watcher != nil {
		go s.watcher.Run(ctx)
		go func() {
			for sig := range s.watcher.Signals() {
				switch sig {
				case obs.SessionStarted:
					s.eng.StartSession()
				case obs.SessionStopped:
					s.eng.StopSession()
				}
			}
		}()
	} else {
		s.eng.StartSession()
	}
	s.eng.Run(ctx)
}

// Start begins detection manually, for callers not using OBS signals.
func (s *Session) Start() { s.eng.StartSession() }

// Stop halts detection manually.
func (s *Session) Stop() { s.eng.StopSession() }

// FeedAudio hands a PCM frame to the energy detector.
func (s *Session) FeedAudio(pcm []int16, at time.Time) {
	if s.detector != nil {
		s.detector.Feed(pcm, at)
	}
}

// FeedFeatures hands an emotion feature vector to the ML classifier.
func (s *Session) FeedFeatures(features []float32, at time.Time, dur time.Duration) {
	if s.emotions != nil {
		s.emotions.Feed(features, at, dur)
	}
}

// FeedTranscript hands a speech recognizer result to the phrase matcher.
func (s *Session) FeedTranscript(text string, confidence float64, at time.Time, dur time.Duration) {
	if s.phrases != nil {
		s.phrases.Feed(text, confidence, at, dur)
	}
}

// SourceState mirrors the engine's per-source reading for status surfaces.
type SourceState = engine.SourceState

// Snapshot returns the latest reading per source.
func (s *Session) Snapshot() map[model.SourceID]SourceState {
	return s.eng.Snapshot()
}

// Stats summarizes clip attempts for the life of the history file.
func (s *Session) Stats() clips.Summary {
	return s.history.Summarize()
}
