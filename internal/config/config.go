package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/LordBoos/SmartClip-CZ/internal/model"
)

// ErrInvalid marks configuration errors discovered at session start.
// Callers treat it as fatal to the session, not to the process.
var ErrInvalid = errors.New("invalid config")

// Duration wraps time.Duration so config files can say "1.5s" or "30s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds all SmartClip configuration. It is read from a JSON file at
// session start and written back after credential refreshes.
type Config struct {
	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`

	Sources   SourcesConfig   `json:"sources"`
	Detection DetectionConfig `json:"detection"`
	Twitch    TwitchConfig    `json:"twitch"`
	OBS       OBSConfig       `json:"obs"`

	Profiles      map[string]Profile `json:"profiles"`
	ActiveProfile string             `json:"active_profile"`

	// HistoryPath is where clip attempt history is persisted.
	HistoryPath string `json:"history_path"`
}

// SourcesConfig holds per-backend settings. Each backend has an independent
// sensitivity threshold used by the quality filter.
type SourcesConfig struct {
	Basic  SourceConfig     `json:"basic"`
	ONNX   ONNXSourceConfig `json:"onnx"`
	Phrase PhraseConfig     `json:"phrase"`
}

// Sensitivity returns the quality acceptance threshold for a backend.
func (s SourcesConfig) Sensitivity(id model.SourceID) float64 {
	switch id {
	case model.SourceBasic:
		return s.Basic.Sensitivity
	case model.SourceONNX:
		return s.ONNX.Sensitivity
	case model.SourcePhrase:
		return s.Phrase.Sensitivity
	}
	return 0
}

// SourceConfig is the common per-source block.
type SourceConfig struct {
	Enabled     bool    `json:"enabled"`
	Sensitivity float64 `json:"sensitivity"`
}

// ONNXSourceConfig configures the ML emotion classifier.
type ONNXSourceConfig struct {
	SourceConfig
	ModelPath string `json:"model_path"`
}

// PhraseConfig configures the speech phrase matcher.
type PhraseConfig struct {
	SourceConfig
	// Phrases are matched against recognizer transcripts, diacritic- and
	// case-insensitively.
	Phrases []string `json:"phrases"`
}

// DetectionConfig holds the fusion and trigger parameters.
type DetectionConfig struct {
	TickInterval      Duration `json:"tick_interval"`
	CorrelationWindow Duration `json:"correlation_window"`
	TieBreakEpsilon   float64  `json:"tie_break_epsilon"`
	TriggerThreshold  float64  `json:"trigger_threshold"`
	Cooldown          Duration `json:"cooldown"`
	MaxClipsPerHour   int      `json:"max_clips_per_hour"`
	ClipDuration      Duration `json:"clip_duration"`
	EnabledEmotions   []string `json:"enabled_emotions"`
}

// TwitchConfig is the persisted credential record plus broadcaster identity.
// AccessToken/RefreshToken/ExpiresAt are written back after every
// successful refresh.
type TwitchConfig struct {
	ClientID      string    `json:"client_id"`
	ClientSecret  string    `json:"client_secret,omitempty"`
	BroadcasterID string    `json:"broadcaster_id"`
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	ExpiresAt     time.Time `json:"expires_at"`
	Scopes        []string  `json:"scopes"`
}

// OBSConfig configures the obs-websocket session watcher.
type OBSConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Password string `json:"password,omitempty"`
}

// Profile overrides a subset of detection settings for a play style.
// Zero values mean "keep the base setting".
type Profile struct {
	Sensitivity     float64  `json:"sensitivity,omitempty"`
	Cooldown        Duration `json:"cooldown,omitempty"`
	EnabledEmotions []string `json:"enabled_emotions,omitempty"`
	Phrases         []string `json:"phrases,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Sources: SourcesConfig{
			Basic: SourceConfig{Enabled: true, Sensitivity: 0.7},
			ONNX: ONNXSourceConfig{
				SourceConfig: SourceConfig{Enabled: true, Sensitivity: 0.5},
				ModelPath:    getenv("SMARTCLIP_MODEL_PATH", "models/emotion.onnx"),
			},
			Phrase: PhraseConfig{
				SourceConfig: SourceConfig{Enabled: true, Sensitivity: 0.6},
				Phrases: []string{
					"to je skvělé", "wow", "úžasné", "perfektní", "super",
					"bomba", "co to bylo", "to je šílené", "neuvěřitelné",
					"holy shit", "to je hustý", "parádní", "skvělý", "výborný",
				},
			},
		},
		Detection: DetectionConfig{
			TickInterval:      Duration(100 * time.Millisecond),
			CorrelationWindow: Duration(1500 * time.Millisecond),
			TieBreakEpsilon:   0.05,
			TriggerThreshold:  0.7,
			Cooldown:          Duration(30 * time.Second),
			MaxClipsPerHour:   12,
			ClipDuration:      Duration(30 * time.Second),
			EnabledEmotions: []string{
				"laughter", "excitement", "surprise", "joy",
				"anger", "fear", "sadness",
			},
		},
		OBS: OBSConfig{URL: "ws://localhost:4455"},
		Profiles: map[string]Profile{
			"fps": {
				Sensitivity:     0.8,
				Cooldown:        Duration(15 * time.Second),
				EnabledEmotions: []string{"excitement", "anger", "surprise"},
				Phrases:         []string{"headshot", "ace", "clutch", "wow", "holy shit"},
			},
			"strategy": {
				Sensitivity:     0.6,
				Cooldown:        Duration(45 * time.Second),
				EnabledEmotions: []string{"excitement", "surprise", "joy"},
				Phrases:         []string{"victory", "win", "skvělé", "perfektní"},
			},
			"casual": {
				Sensitivity:     0.7,
				EnabledEmotions: []string{"laughter", "excitement", "surprise", "joy"},
				Phrases:         []string{"to je skvělé", "wow", "úžasné", "super"},
			},
		},
		ActiveProfile: "casual",
		HistoryPath:   getenv("SMARTCLIP_HISTORY_PATH", "clip_history.json"),
	}
}

// Load reads the JSON config at path, layering it over Default. A missing
// file yields the defaults without error; a malformed file is ErrInvalid.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrInvalid, filepath.Base(path), err)
	}
	return cfg, nil
}

// Save writes the config atomically (temp file + rename) so a crash during
// the credential write-back never truncates the stored refresh token.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".smartclip-config-*")
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// Validate checks all fields that would make a session unstartable.
// All problems are reported at once, wrapped in ErrInvalid.
func (c Config) Validate() error {
	var problems []string

	check01 := func(name string, v float64) {
		if v < 0 || v > 1 {
			problems = append(problems, fmt.Sprintf("%s must be in [0,1], got %g", name, v))
		}
	}
	check01("sources.basic.sensitivity", c.Sources.Basic.Sensitivity)
	check01("sources.onnx.sensitivity", c.Sources.ONNX.Sensitivity)
	check01("sources.phrase.sensitivity", c.Sources.Phrase.Sensitivity)
	check01("detection.trigger_threshold", c.Detection.TriggerThreshold)
	check01("detection.tie_break_epsilon", c.Detection.TieBreakEpsilon)

	if c.Detection.TickInterval.Std() <= 0 {
		problems = append(problems, "detection.tick_interval must be positive")
	}
	if c.Detection.CorrelationWindow.Std() <= 0 {
		problems = append(problems, "detection.correlation_window must be positive")
	}
	if c.Detection.Cooldown.Std() <= 0 {
		problems = append(problems, "detection.cooldown must be positive")
	}
	if c.Detection.MaxClipsPerHour < 1 {
		problems = append(problems, "detection.max_clips_per_hour must be at least 1")
	}
	if c.Sources.Phrase.Enabled && len(c.Sources.Phrase.Phrases) == 0 {
		problems = append(problems, "sources.phrase.phrases must not be empty when the phrase source is enabled")
	}
	if c.ActiveProfile != "" {
		if _, ok := c.Profiles[c.ActiveProfile]; !ok {
			problems = append(problems, fmt.Sprintf("active_profile %q has no profile entry", c.ActiveProfile))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	joined := problems[0]
	for _, p := range problems[1:] {
		joined += "; " + p
	}
	return fmt.Errorf("%w: %s", ErrInvalid, joined)
}

// ApplyProfile overlays the active profile's non-zero overrides onto the
// detection and source settings. A no-op when ActiveProfile is empty.
func (c *Config) ApplyProfile() {
	if c.ActiveProfile == "" {
		return
	}
	p, ok := c.Profiles[c.ActiveProfile]
	if !ok {
		return
	}
	if p.Sensitivity > 0 {
		c.Sources.Basic.Sensitivity = p.Sensitivity
		c.Sources.ONNX.Sensitivity = p.Sensitivity
	}
	if p.Cooldown.Std() > 0 {
		c.Detection.Cooldown = p.Cooldown
	}
	if len(p.EnabledEmotions) > 0 {
		c.Detection.EnabledEmotions = p.EnabledEmotions
	}
	if len(p.Phrases) > 0 {
		c.Sources.Phrase.Phrases = p.Phrases
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
