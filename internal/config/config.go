package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// GeneratorConfig describes the LLM content-generation endpoint.
type GeneratorConfig struct {
	// URL is the Ollama-compatible base URL (e.g. "http://localhost:11434").
	URL string `yaml:"url" json:"url"`
	// Model is the model name passed on every generation call.
	Model string `yaml:"model" json:"model"`
	// TimeoutSeconds bounds a single phrase-generation call.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
	// ForgeTimeoutSeconds bounds the slower creation-time forge calls
	// (item scripts, summary bundles).
	ForgeTimeoutSeconds int `yaml:"forge_timeout_seconds" json:"forge_timeout_seconds"`
}

// PollyConfig holds AWS Polly settings for the cloud speech engine.
type PollyConfig struct {
	Region  string `yaml:"region" json:"region"`
	VoiceID string `yaml:"voice_id" json:"voice_id"`
	Engine  string `yaml:"engine" json:"engine"` // "standard" or "neural"
}

// SpeechConfig selects and configures the speech delivery engine.
type SpeechConfig struct {
	// Engine is one of "piper", "polly", "off".
	Engine string `yaml:"engine" json:"engine"`

	// PiperPath / PiperModel locate the local Piper binary and voice model.
	PiperPath  string `yaml:"piper_path" json:"piper_path"`
	PiperModel string `yaml:"piper_model" json:"piper_model"`

	// FfmpegPath, if set together with JinglePath, prepends a jingle to the
	// synthesized voice. Mixing failures fall back to the raw voice file.
	FfmpegPath string `yaml:"ffmpeg_path" json:"ffmpeg_path"`
	JinglePath string `yaml:"jingle_path" json:"jingle_path"`

	// OutputDir is where synthesized audio files are written.
	OutputDir string `yaml:"output_dir" json:"output_dir"`

	// SafetyTimeoutSeconds forces delivery completion even if the engine
	// hangs, so the scheduler latch is never stalled permanently.
	SafetyTimeoutSeconds int `yaml:"safety_timeout_seconds" json:"safety_timeout_seconds"`

	Polly PollyConfig `yaml:"polly" json:"polly"`
}

// SchedulerConfig exposes the engine's tuning constants. These mirror the
// behavior of the original planner; they are configuration, not invariants.
type SchedulerConfig struct {
	// LeadMinutes is the pre_start/pre_end offset from the event boundary.
	LeadMinutes int `yaml:"lead_minutes" json:"lead_minutes"`
	// CheckinMinutes is how long after start the check-in prompt fires.
	CheckinMinutes int `yaml:"checkin_minutes" json:"checkin_minutes"`
	// PrefetchDepth is how many upcoming queue entries the buffer keeps fed.
	PrefetchDepth int `yaml:"prefetch_depth" json:"prefetch_depth"`
	// PrefetchLeadMinutes is how early before a trigger's due time its
	// content prefetch is requested.
	PrefetchLeadMinutes int `yaml:"prefetch_lead_minutes" json:"prefetch_lead_minutes"`
	// CountdownSeconds is the visible countdown before a trigger speaks.
	CountdownSeconds int `yaml:"countdown_seconds" json:"countdown_seconds"`
	// ReplyTimeoutSeconds is how long a prompt waits for a user answer.
	ReplyTimeoutSeconds int `yaml:"reply_timeout_seconds" json:"reply_timeout_seconds"`
	// AuditSpeechTimeoutSeconds bounds audit briefings and closings.
	AuditSpeechTimeoutSeconds int `yaml:"audit_speech_timeout_seconds" json:"audit_speech_timeout_seconds"`
	// SettleMillis is the pause between resolving a trigger and the next
	// dispatch attempt.
	SettleMillis int `yaml:"settle_millis" json:"settle_millis"`
	// HistoryLimit caps the resolved-trigger log.
	HistoryLimit int `yaml:"history_limit" json:"history_limit"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone the planner's "today" is computed in.
	Timezone string `yaml:"timezone" json:"timezone"`

	// TickCron drives the scheduler pass; defaults to every second.
	TickCron string `yaml:"tick" json:"tick"`

	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path" json:"db_path"`

	// ChatHistoryLimit caps the persisted chat transcript.
	ChatHistoryLimit int `yaml:"chat_history_limit" json:"chat_history_limit"`

	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Generator GeneratorConfig `yaml:"generator" json:"generator"`
	Speech    SpeechConfig    `yaml:"speech" json:"speech"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:           "127.0.0.1:3022",
		Timezone:         "Local",
		TickCron:         "@every 1s",
		DBPath:           "/var/lib/butlerd/butler.db",
		ChatHistoryLimit: 100,
		Scheduler: SchedulerConfig{
			LeadMinutes:               5,
			CheckinMinutes:            5,
			PrefetchDepth:             3,
			PrefetchLeadMinutes:       2,
			CountdownSeconds:          3,
			ReplyTimeoutSeconds:       60,
			AuditSpeechTimeoutSeconds: 15,
			SettleMillis:              1000,
			HistoryLimit:              50,
		},
		Generator: GeneratorConfig{
			URL:                 "http://localhost:11434",
			Model:               "llama3",
			TimeoutSeconds:      120,
			ForgeTimeoutSeconds: 300,
		},
		Speech: SpeechConfig{
			Engine:               "piper",
			PiperPath:            "/usr/local/bin/piper",
			PiperModel:           "/usr/local/share/piper/en_GB-alan-medium.onnx",
			OutputDir:            "/var/lib/butlerd/audio",
			SafetyTimeoutSeconds: 60,
			Polly: PollyConfig{
				Region:  "us-east-1",
				VoiceID: "Brian",
				Engine:  "neural",
			},
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.TickCron == "" {
		c.TickCron = def.TickCron
	}
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.ChatHistoryLimit <= 0 {
		c.ChatHistoryLimit = def.ChatHistoryLimit
	}

	s := &c.Scheduler
	ds := def.Scheduler
	if s.LeadMinutes <= 0 {
		s.LeadMinutes = ds.LeadMinutes
	}
	if s.CheckinMinutes <= 0 {
		s.CheckinMinutes = ds.CheckinMinutes
	}
	if s.PrefetchDepth <= 0 {
		s.PrefetchDepth = ds.PrefetchDepth
	}
	if s.PrefetchLeadMinutes <= 0 {
		s.PrefetchLeadMinutes = ds.PrefetchLeadMinutes
	}
	if s.CountdownSeconds < 0 {
		s.CountdownSeconds = ds.CountdownSeconds
	}
	if s.ReplyTimeoutSeconds <= 0 {
		s.ReplyTimeoutSeconds = ds.ReplyTimeoutSeconds
	}
	if s.AuditSpeechTimeoutSeconds <= 0 {
		s.AuditSpeechTimeoutSeconds = ds.AuditSpeechTimeoutSeconds
	}
	if s.SettleMillis < 0 {
		s.SettleMillis = ds.SettleMillis
	}
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = ds.HistoryLimit
	}

	if c.Generator.URL == "" {
		c.Generator.URL = def.Generator.URL
	}
	if c.Generator.Model == "" {
		c.Generator.Model = def.Generator.Model
	}
	if c.Generator.TimeoutSeconds <= 0 {
		c.Generator.TimeoutSeconds = def.Generator.TimeoutSeconds
	}
	if c.Generator.ForgeTimeoutSeconds <= 0 {
		c.Generator.ForgeTimeoutSeconds = def.Generator.ForgeTimeoutSeconds
	}

	switch c.Speech.Engine {
	case "piper", "polly", "off":
		// ok
	default:
		c.Speech.Engine = def.Speech.Engine
	}
	if c.Speech.OutputDir == "" {
		c.Speech.OutputDir = def.Speech.OutputDir
	}
	if c.Speech.SafetyTimeoutSeconds <= 0 {
		c.Speech.SafetyTimeoutSeconds = def.Speech.SafetyTimeoutSeconds
	}
	if c.Speech.Polly.Region == "" {
		c.Speech.Polly.Region = def.Speech.Polly.Region
	}
	if c.Speech.Polly.VoiceID == "" {
		c.Speech.Polly.VoiceID = def.Speech.Polly.VoiceID
	}
	switch c.Speech.Polly.Engine {
	case "standard", "neural":
	default:
		c.Speech.Polly.Engine = def.Speech.Polly.Engine
	}
}

// Location resolves the configured timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ReplyTimeout returns the reply wait as a duration.
func (c *Config) ReplyTimeout() time.Duration {
	return time.Duration(c.Scheduler.ReplyTimeoutSeconds) * time.Second
}

// AuditSpeechTimeout returns the audit speech bound as a duration.
func (c *Config) AuditSpeechTimeout() time.Duration {
	return time.Duration(c.Scheduler.AuditSpeechTimeoutSeconds) * time.Second
}

// SpeechSafetyTimeout returns the delivery completion bound as a duration.
func (c *Config) SpeechSafetyTimeout() time.Duration {
	return time.Duration(c.Speech.SafetyTimeoutSeconds) * time.Second
}

// SettleDelay returns the post-resolution pause as a duration.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Scheduler.SettleMillis) * time.Millisecond
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".butlerd-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
