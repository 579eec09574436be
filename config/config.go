// Package config loads recorder settings from a TOML file and
// SCREENRECORDER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	appName   = "screenrecorder"
	envPrefix = "SCREENRECORDER_"

	PermissionStorePortal = "portal"
	PermissionStoreFile   = "file"

	minFrameRate = 1
	maxFrameRate = 60
)

type Config struct {
	FFmpegPath     string
	RecordingsDir  string // app-private directory for new recordings
	LibraryDir     string // empty means the user's videos directory
	FrameRate      int
	AppAudio       bool
	MicAudio       bool
	AppAudioDevice string
	MicAudioDevice string
	SaveToLibrary  bool

	PermissionStore string // portal or file
	PermissionFile  string

	LogLevel string
	LogFile  string

	// Path is the config file that was read, if any.
	Path string
}

type fileConfig struct {
	FFmpegPath      string `toml:"ffmpeg_path"`
	RecordingsDir   string `toml:"recordings_dir"`
	LibraryDir      string `toml:"library_dir"`
	FrameRate       int    `toml:"frame_rate"`
	AppAudio        *bool  `toml:"app_audio"`
	MicAudio        *bool  `toml:"mic_audio"`
	AppAudioDevice  string `toml:"app_audio_device"`
	MicAudioDevice  string `toml:"mic_audio_device"`
	SaveToLibrary   *bool  `toml:"save_to_library"`
	PermissionStore string `toml:"permission_store"`
	PermissionFile  string `toml:"permission_file"`
	LogLevel        string `toml:"log_level"`
	LogFile         string `toml:"log_file"`
}

// Default returns the built-in settings.
func Default() *Config {
	store := PermissionStoreFile
	if runtime.GOOS == "linux" {
		store = PermissionStorePortal
	}
	return &Config{
		FFmpegPath:      "ffmpeg",
		RecordingsDir:   filepath.Join(dataHome(), appName, "recordings"),
		FrameRate:       30,
		AppAudio:        true,
		MicAudio:        true,
		SaveToLibrary:   true,
		PermissionStore: store,
		PermissionFile:  filepath.Join(stateHome(), appName, "permission.toml"),
		LogLevel:        "info",
	}
}

// Load reads $XDG_CONFIG_HOME/screenrecorder/config.toml when present and
// applies environment overrides.
func Load() (*Config, error) {
	return LoadFrom(FilePath())
}

// LoadFrom is Load with an explicit config file. A missing file is not an
// error; an unreadable or invalid one is.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		var fc fileConfig
		_, err := toml.DecodeFile(path, &fc)
		switch {
		case err == nil:
			cfg.apply(fc)
			cfg.Path = path
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(fc fileConfig) {
	if fc.FFmpegPath != "" {
		c.FFmpegPath = expandTilde(fc.FFmpegPath)
	}
	if fc.RecordingsDir != "" {
		c.RecordingsDir = expandTilde(fc.RecordingsDir)
	}
	if fc.LibraryDir != "" {
		c.LibraryDir = expandTilde(fc.LibraryDir)
	}
	if fc.FrameRate != 0 {
		c.FrameRate = clamp(fc.FrameRate, minFrameRate, maxFrameRate)
	}
	if fc.AppAudio != nil {
		c.AppAudio = *fc.AppAudio
	}
	if fc.MicAudio != nil {
		c.MicAudio = *fc.MicAudio
	}
	if fc.AppAudioDevice != "" {
		c.AppAudioDevice = fc.AppAudioDevice
	}
	if fc.MicAudioDevice != "" {
		c.MicAudioDevice = fc.MicAudioDevice
	}
	if fc.SaveToLibrary != nil {
		c.SaveToLibrary = *fc.SaveToLibrary
	}
	if fc.PermissionStore != "" {
		c.PermissionStore = strings.ToLower(fc.PermissionStore)
	}
	if fc.PermissionFile != "" {
		c.PermissionFile = expandTilde(fc.PermissionFile)
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.LogFile != "" {
		c.LogFile = expandTilde(fc.LogFile)
	}
}

func applyEnvOverrides(c *Config) {
	c.FFmpegPath = StringEnv(envPrefix+"FFMPEG", c.FFmpegPath)
	c.RecordingsDir = expandTilde(StringEnv(envPrefix+"RECORDINGS_DIR", c.RecordingsDir))
	c.LibraryDir = expandTilde(StringEnv(envPrefix+"LIBRARY_DIR", c.LibraryDir))
	c.FrameRate = IntEnvClamped(envPrefix+"FRAME_RATE", c.FrameRate, minFrameRate, maxFrameRate)
	c.AppAudio = BoolEnv(envPrefix+"APP_AUDIO", c.AppAudio)
	c.MicAudio = BoolEnv(envPrefix+"MIC_AUDIO", c.MicAudio)
	c.AppAudioDevice = StringEnv(envPrefix+"APP_AUDIO_DEVICE", c.AppAudioDevice)
	c.MicAudioDevice = StringEnv(envPrefix+"MIC_AUDIO_DEVICE", c.MicAudioDevice)
	c.SaveToLibrary = BoolEnv(envPrefix+"SAVE_TO_LIBRARY", c.SaveToLibrary)
	c.PermissionStore = strings.ToLower(StringEnv(envPrefix+"PERMISSION_STORE", c.PermissionStore))
	c.PermissionFile = expandTilde(StringEnv(envPrefix+"PERMISSION_FILE", c.PermissionFile))
	c.LogLevel = StringEnv(envPrefix+"LOG_LEVEL", c.LogLevel)
	c.LogFile = expandTilde(StringEnv(envPrefix+"LOG_FILE", c.LogFile))
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	switch c.PermissionStore {
	case PermissionStorePortal, PermissionStoreFile:
	default:
		return fmt.Errorf("permission_store must be %q or %q, got %q", PermissionStorePortal, PermissionStoreFile, c.PermissionStore)
	}
	if strings.TrimSpace(c.RecordingsDir) == "" {
		return errors.New("recordings_dir must not be empty")
	}
	return nil
}

// FilePath returns the config file location, or "" when no home directory
// can be determined.
func FilePath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName, "config.toml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", appName, "config.toml")
	}
	return ""
}

func dataHome() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return "."
}

func stateHome() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return xdg
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state")
	}
	return "."
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
