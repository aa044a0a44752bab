// Package config holds the runtime configuration loaded at process startup.
// The Standing Orders policy document is a separate JSON file; this file covers
// addresses, paths, cadences, timeouts, and feature flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	UDPAddr  string `yaml:"udp_addr"`

	StateDir           string `yaml:"state_dir"`
	DBPath             string `yaml:"db_path"`
	StandingOrdersPath string `yaml:"standing_orders_path"`
	VariableIndexPath  string `yaml:"variable_index_path,omitempty"`
	LightsEnvMapPath   string `yaml:"lights_env_map_path,omitempty"`
	UIDir              string `yaml:"ui_dir,omitempty"`

	TelemetryPath     string `yaml:"telemetry_path,omitempty"`
	MusicDir          string `yaml:"music_dir,omitempty"`
	HardwareProbePath string `yaml:"hardware_probe_path,omitempty"`

	LogFormat string `yaml:"log_format,omitempty"`
	LogLevel  string `yaml:"log_level,omitempty"`

	Features Features `yaml:"features"`

	Supervisor SupervisorConfig `yaml:"supervisor"`
	Lights     LightsConfig     `yaml:"lights"`
	Parser     ParserConfig     `yaml:"edparser"`
	Sammi      SammiConfig      `yaml:"sammi"`
	Twitch     TwitchConfig     `yaml:"twitch"`

	Keypress KeypressConfig      `yaml:"keypress"`
	Apps     map[string][]string `yaml:"apps,omitempty"`

	DefaultWatchCondition string `yaml:"default_watch_condition,omitempty"`
	ForceWatchCondition   string `yaml:"force_watch_condition,omitempty"`
}

type Features struct {
	ActuatorsEnabled bool `yaml:"actuators_enabled"`
	KeypressEnabled  bool `yaml:"keypress_enabled"`
	TwitchUDPEnabled bool `yaml:"twitch_udp_enabled"`
	BridgeEnabled    bool `yaml:"bridge_enabled"`
	StrictConfirm    bool `yaml:"strict_confirm,omitempty"`
	DevIngest        bool `yaml:"dev_ingest,omitempty"`
}

type SupervisorConfig struct {
	EDProcessNames    []string `yaml:"ed_process_names,omitempty"`
	SammiProcessNames []string `yaml:"sammi_process_names,omitempty"`
	JinxProcessNames  []string `yaml:"jinx_process_names,omitempty"`

	EDActiveSec    float64 `yaml:"ed_active_sec,omitempty"`
	EDIdleSec      float64 `yaml:"ed_idle_sec,omitempty"`
	MusicActiveSec float64 `yaml:"music_active_sec,omitempty"`
	MusicIdleSec   float64 `yaml:"music_idle_sec,omitempty"`
	HardwareSec    float64 `yaml:"hardware_sec,omitempty"`

	MemoryThreshold float64 `yaml:"memory_threshold,omitempty"`

	ParserAutorun bool `yaml:"edparser_autorun"`
}

type LightsConfig struct {
	WebhookURL         string  `yaml:"webhook_url,omitempty"`
	WebhookURLTemplate string  `yaml:"webhook_url_template,omitempty"`
	TimeoutSec         float64 `yaml:"timeout_sec,omitempty"`
}

type ParserConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Command        []string `yaml:"command,omitempty"`
	WorkDir        string   `yaml:"work_dir,omitempty"`
	StopTimeoutSec float64  `yaml:"stop_timeout_sec,omitempty"`
}

type SammiConfig struct {
	Host              string  `yaml:"host,omitempty"`
	Port              int     `yaml:"port,omitempty"`
	Password          string  `yaml:"password,omitempty"`
	TimeoutSec        float64 `yaml:"timeout_sec,omitempty"`
	BackoffSec        float64 `yaml:"backoff_sec,omitempty"`
	MaxUpdatesPerCycle int    `yaml:"max_updates_per_cycle,omitempty"`
	OnlyWhenED        *bool   `yaml:"only_when_ed,omitempty"`
	NewWriteVar       string  `yaml:"new_write_var,omitempty"`
	NewWriteIgnore    []string `yaml:"new_write_ignore,omitempty"`
	ChatMessageVar    string  `yaml:"chat_message_var,omitempty"`
	ChatSendButtonID  string  `yaml:"chat_send_button_id,omitempty"`
}

type TwitchConfig struct {
	ChatDebounceMs int `yaml:"chat_debounce_ms,omitempty"`
}

type KeypressConfig struct {
	AllowedProcesses []string `yaml:"allowed_processes,omitempty"`
}

// DefaultConfigPath returns ~/.brainstem/config.yaml (falls back to the working
// directory when the home dir is unknown).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "brainstem.config.yaml"
	}
	return filepath.Join(home, ".brainstem", "config.yaml")
}

func Default() *Config {
	cfg := &Config{
		HTTPAddr:              "127.0.0.1:8787",
		UDPAddr:               "127.0.0.1:9451",
		LogFormat:             "text",
		LogLevel:              "info",
		DefaultWatchCondition: "STANDBY",
	}
	cfg.Features = Features{
		ActuatorsEnabled: true,
		KeypressEnabled:  false,
		TwitchUDPEnabled: true,
		BridgeEnabled:    true,
	}
	cfg.Supervisor = SupervisorConfig{
		EDProcessNames:    []string{"EliteDangerous64.exe", "EliteDangerous.exe"},
		SammiProcessNames: []string{"SAMMI Core.exe", "SAMMI Deck.exe"},
		JinxProcessNames:  []string{"Jinx.exe", "Hi-Jinx.exe"},
		EDActiveSec:       0.35,
		EDIdleSec:         8,
		MusicActiveSec:    2,
		MusicIdleSec:      10,
		HardwareSec:       10,
		MemoryThreshold:   0.90,
		ParserAutorun:     true,
	}
	cfg.Lights = LightsConfig{TimeoutSec: 5}
	cfg.Parser = ParserConfig{Enabled: true, StopTimeoutSec: 4}
	cfg.Sammi = SammiConfig{
		Host:               "127.0.0.1",
		Port:               9450,
		TimeoutSec:         0.6,
		BackoffSec:         5,
		MaxUpdatesPerCycle: 12,
		NewWriteVar:        "ID116.new_write",
		NewWriteIgnore:     []string{"Heartbeat", "timestamp"},
	}
	cfg.Twitch = TwitchConfig{ChatDebounceMs: 250}
	cfg.Keypress = KeypressConfig{
		AllowedProcesses: []string{"EliteDangerous64.exe", "EliteDangerous.exe"},
	}
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDerivedPaths(path)
	return cfg, nil
}

// LoadOrDefault returns the defaults (rooted next to path) when no file exists.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		cfg.applyDerivedPaths(path)
		return cfg, nil
	}
	return Load(path)
}

func (c *Config) applyDerivedPaths(configPath string) {
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = filepath.Dir(configPath)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = filepath.Join(c.StateDir, "brainstem.db")
	}
	if strings.TrimSpace(c.StandingOrdersPath) == "" {
		c.StandingOrdersPath = filepath.Join(c.StateDir, "standing_orders.json")
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("missing http_addr")
	}
	if c.Features.TwitchUDPEnabled && strings.TrimSpace(c.UDPAddr) == "" {
		return errors.New("missing udp_addr (twitch_udp_enabled is on)")
	}
	switch c.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug|info|warn|error, got %q", c.LogLevel)
	}
	if c.Supervisor.MemoryThreshold < 0 || c.Supervisor.MemoryThreshold > 1 {
		return errors.New("supervisor.memory_threshold must be in 0..1")
	}
	return nil
}

// Save writes the config atomically.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Duration helpers for the float-seconds fields.
func Seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
