// Package config provides configuration management for housetour
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chongxuan2024/live2dSpeek/internal/logging"
	"github.com/chongxuan2024/live2dSpeek/internal/schedule"
	"github.com/chongxuan2024/live2dSpeek/internal/segment"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all application configuration
type Config struct {
	Sync   SyncConfig   `mapstructure:"sync"`
	Avatar AvatarConfig `mapstructure:"avatar"`
	Audio  AudioConfig  `mapstructure:"audio"`
	Server ServerConfig `mapstructure:"server"`
	Inbox  InboxConfig  `mapstructure:"inbox"`
	Log    LogConfig    `mapstructure:"log"`
}

// SyncConfig tunes segmentation and step execution
type SyncConfig struct {
	FPS                 float64       `mapstructure:"fps"`
	SilenceThresholdDB  float64       `mapstructure:"silence_threshold_db"`
	SpeechDebounce      float64       `mapstructure:"speech_debounce"` // seconds
	MinSilence          float64       `mapstructure:"min_silence"`     // seconds
	CoalesceEpsilon     float64       `mapstructure:"coalesce_epsilon"`
	SilenceEndGuard     float64       `mapstructure:"silence_end_guard"`
	DropTrailingSilence bool          `mapstructure:"drop_trailing_silence"`
	SettleDelay         time.Duration `mapstructure:"settle_delay"`
	IdleGap             time.Duration `mapstructure:"idle_gap"`
	IdleStopTimeout     time.Duration `mapstructure:"idle_stop_timeout"`
}

// AvatarConfig selects the looping video asset
type AvatarConfig struct {
	Active string                 `mapstructure:"active"`
	Assets map[string]AssetConfig `mapstructure:"assets"`
}

// AssetConfig is one looping video and its calibrated ranges, in seconds
type AssetConfig struct {
	Path          string  `mapstructure:"path"`
	SpeakingStart float64 `mapstructure:"speaking_start"`
	SpeakingEnd   float64 `mapstructure:"speaking_end"`
	SilenceStart  float64 `mapstructure:"silence_start"`
	SilenceEnd    float64 `mapstructure:"silence_end"`
}

// AudioConfig configures narration clip loading
type AudioConfig struct {
	AssetRoot    string        `mapstructure:"asset_root"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// ServerConfig configures the browser bridge
type ServerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	WSPath         string        `mapstructure:"ws_path"`
	MetricsPath    string        `mapstructure:"metrics_path"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// InboxConfig configures the narration drop folder
type InboxConfig struct {
	Dir      string        `mapstructure:"dir"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// LogConfig configures logging
type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Level      string `mapstructure:"level"`
	MaxHistory int    `mapstructure:"max_history"`
	Console    bool   `mapstructure:"console"`
}

// Frame rate the speaker3 asset was authored at
const speaker3FPS = 36.29

// FramesToSeconds converts a frame index to a media time
func FramesToSeconds(frame int, fps float64) float64 {
	if fps <= 0 {
		return 0
	}
	return float64(frame) / fps
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	dir, _ := GetConfigDir()

	return &Config{
		Sync: SyncConfig{
			FPS:                30,
			SilenceThresholdDB: -40,
			SpeechDebounce:     0.5,
			MinSilence:         0.5,
			CoalesceEpsilon:    0.1,
			SettleDelay:        100 * time.Millisecond,
			IdleGap:            100 * time.Millisecond,
			IdleStopTimeout:    5 * time.Second,
		},
		Avatar: AvatarConfig{
			Active: "speakerman",
			Assets: map[string]AssetConfig{
				"speakerman": {
					Path:          "assets/speakerMan.mp4",
					SpeakingStart: 0,
					SpeakingEnd:   3.8,
					SilenceStart:  6.5,
					SilenceEnd:    10,
				},
				"speaker3": {
					Path:          "assets/speaker3.mp4",
					SpeakingStart: FramesToSeconds(0, speaker3FPS),
					SpeakingEnd:   FramesToSeconds(58, speaker3FPS),
					SilenceStart:  FramesToSeconds(72, speaker3FPS),
					SilenceEnd:    FramesToSeconds(124, speaker3FPS),
				},
			},
		},
		Audio: AudioConfig{
			AssetRoot:    ".",
			FetchTimeout: 30 * time.Second,
		},
		Server: ServerConfig{
			ListenAddr:     "127.0.0.1:8765",
			WSPath:         "/ws",
			MetricsPath:    "/metrics",
			WriteTimeout:   5 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Inbox: InboxConfig{
			Dir:      "",
			Debounce: 250 * time.Millisecond,
		},
		Log: LogConfig{
			Dir:        filepath.Join(dir, "logs"),
			Level:      "info",
			MaxHistory: 1000,
			Console:    true,
		},
	}
}

// Load reads configuration from ~/.housetour or the working directory,
// then the environment. A default file is written when none exists.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return DefaultConfig(), err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return DefaultConfig(), err
	}

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return DefaultConfig(), err
		}
		if err := Save(DefaultConfig(), filepath.Join(configDir, "config.yaml")); err != nil {
			return DefaultConfig(), err
		}
	}

	return decode(v)
}

// LoadFile reads configuration from an explicit path, then the environment
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, val := range DefaultConfig().Settings() {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix("HOUSETOUR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML to path
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.MergeConfigMap(cfg.Settings()); err != nil {
		return err
	}
	return v.WriteConfigAs(path)
}

// Settings returns the configuration as nested maps keyed like the YAML file
func (c *Config) Settings() map[string]any {
	assets := make(map[string]any, len(c.Avatar.Assets))
	for name, a := range c.Avatar.Assets {
		assets[strings.ToLower(name)] = map[string]any{
			"path":           a.Path,
			"speaking_start": a.SpeakingStart,
			"speaking_end":   a.SpeakingEnd,
			"silence_start":  a.SilenceStart,
			"silence_end":    a.SilenceEnd,
		}
	}

	return map[string]any{
		"sync": map[string]any{
			"fps":                   c.Sync.FPS,
			"silence_threshold_db":  c.Sync.SilenceThresholdDB,
			"speech_debounce":       c.Sync.SpeechDebounce,
			"min_silence":           c.Sync.MinSilence,
			"coalesce_epsilon":      c.Sync.CoalesceEpsilon,
			"silence_end_guard":     c.Sync.SilenceEndGuard,
			"drop_trailing_silence": c.Sync.DropTrailingSilence,
			"settle_delay":          c.Sync.SettleDelay.String(),
			"idle_gap":              c.Sync.IdleGap.String(),
			"idle_stop_timeout":     c.Sync.IdleStopTimeout.String(),
		},
		"avatar": map[string]any{
			"active": strings.ToLower(c.Avatar.Active),
			"assets": assets,
		},
		"audio": map[string]any{
			"asset_root":    c.Audio.AssetRoot,
			"fetch_timeout": c.Audio.FetchTimeout.String(),
		},
		"server": map[string]any{
			"listen_addr":     c.Server.ListenAddr,
			"ws_path":         c.Server.WSPath,
			"metrics_path":    c.Server.MetricsPath,
			"write_timeout":   c.Server.WriteTimeout.String(),
			"request_timeout": c.Server.RequestTimeout.String(),
		},
		"inbox": map[string]any{
			"dir":      c.Inbox.Dir,
			"debounce": c.Inbox.Debounce.String(),
		},
		"log": map[string]any{
			"dir":         c.Log.Dir,
			"level":       c.Log.Level,
			"max_history": c.Log.MaxHistory,
			"console":     c.Log.Console,
		},
	}
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Sync.FPS <= 0 {
		errs = append(errs, fmt.Errorf("sync.fps must be positive, got %v", c.Sync.FPS))
	}
	if c.Sync.SpeechDebounce < 0 || c.Sync.MinSilence < 0 || c.Sync.CoalesceEpsilon < 0 {
		errs = append(errs, errors.New("sync durations must not be negative"))
	}
	if c.Sync.SettleDelay < 0 || c.Sync.IdleGap < 0 || c.Sync.IdleStopTimeout <= 0 {
		errs = append(errs, errors.New("sync timings must not be negative and idle_stop_timeout must be positive"))
	}

	names := make([]string, 0, len(c.Avatar.Assets))
	for name, asset := range c.Avatar.Assets {
		names = append(names, name)
		if err := asset.Table().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("avatar.assets.%s: %w", name, err))
		}
	}
	if _, err := c.ActiveAsset(); err != nil {
		sort.Strings(names)
		errs = append(errs, fmt.Errorf("%w (known: %s)", err, strings.Join(names, ", ")))
	}

	if !strings.HasPrefix(c.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("server.ws_path must start with /, got %q", c.Server.WSPath))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ActiveAsset returns the selected asset. Names are case-insensitive
// because viper lowercases map keys.
func (c *Config) ActiveAsset() (AssetConfig, error) {
	return c.Asset(c.Avatar.Active)
}

// Asset looks up an asset by name
func (c *Config) Asset(name string) (AssetConfig, error) {
	want := strings.ToLower(name)
	for k, a := range c.Avatar.Assets {
		if strings.ToLower(k) == want {
			return a, nil
		}
	}
	return AssetConfig{}, fmt.Errorf("unknown avatar asset %q", name)
}

// Table returns the asset's range table
func (a AssetConfig) Table() schedule.RangeTable {
	return schedule.RangeTable{
		SpeakingStart: a.SpeakingStart,
		SpeakingEnd:   a.SpeakingEnd,
		SilenceStart:  a.SilenceStart,
		SilenceEnd:    a.SilenceEnd,
	}
}

// SegmentConfig returns the segmenter settings
func (c *Config) SegmentConfig() segment.Config {
	return segment.Config{
		FPS:            c.Sync.FPS,
		ThresholdDB:    c.Sync.SilenceThresholdDB,
		SpeechDebounce: c.Sync.SpeechDebounce,
		MinSilence:     c.Sync.MinSilence,
	}
}

// ScheduleOptions returns the step planner settings
func (c *Config) ScheduleOptions() schedule.Options {
	return schedule.Options{
		CoalesceEpsilon:     c.Sync.CoalesceEpsilon,
		SilenceEndGuard:     c.Sync.SilenceEndGuard,
		DropTrailingSilence: c.Sync.DropTrailingSilence,
	}
}

// LoggingConfig returns the logger settings
func (c *Config) LoggingConfig() *logging.Config {
	return &logging.Config{
		LogDir:     c.Log.Dir,
		Level:      logging.LogLevel(c.Log.Level),
		MaxHistory: c.Log.MaxHistory,
		Console:    c.Log.Console,
	}
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".housetour"), nil
}
