package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	assert.Empty(t, cfg.Path)
	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, "/data/screenrecorder/recordings", cfg.RecordingsDir)
	assert.Equal(t, 30, cfg.FrameRate)
	assert.True(t, cfg.AppAudio)
	assert.True(t, cfg.MicAudio)
	assert.True(t, cfg.SaveToLibrary)
}

func TestFileOverlay(t *testing.T) {
	path := writeConfig(t, `
ffmpeg_path = "/opt/ffmpeg/bin/ffmpeg"
recordings_dir = "/tmp/rec"
frame_rate = 120
mic_audio = false
save_to_library = false
permission_store = "FILE"
log_level = "debug"
`)
	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, "/tmp/rec", cfg.RecordingsDir)
	assert.Equal(t, 60, cfg.FrameRate, "frame rate is clamped")
	assert.True(t, cfg.AppAudio, "unset booleans keep their default")
	assert.False(t, cfg.MicAudio)
	assert.False(t, cfg.SaveToLibrary)
	assert.Equal(t, PermissionStoreFile, cfg.PermissionStore)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "frame_rate = 24\nmic_audio = true\n")
	t.Setenv("SCREENRECORDER_FRAME_RATE", "0")
	t.Setenv("SCREENRECORDER_MIC_AUDIO", "off")
	t.Setenv("SCREENRECORDER_LIBRARY_DIR", "/media/videos")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.FrameRate)
	assert.False(t, cfg.MicAudio)
	assert.Equal(t, "/media/videos", cfg.LibraryDir)
}

func TestInvalidFileIsAnError(t *testing.T) {
	_, err := LoadFrom(writeConfig(t, "frame_rate = \"fast\""))
	assert.Error(t, err)
}

func TestInvalidPermissionStore(t *testing.T) {
	t.Setenv("SCREENRECORDER_PERMISSION_STORE", "keychain")
	_, err := LoadFrom("")
	assert.ErrorContains(t, err, "permission_store")
}

func TestFilePathHonorsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/cfg")
	assert.Equal(t, "/cfg/screenrecorder/config.toml", FilePath())
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("SR_TEST_BOOL", "yes")
	assert.True(t, BoolEnv("SR_TEST_BOOL", false))
	t.Setenv("SR_TEST_BOOL", "maybe")
	assert.False(t, BoolEnv("SR_TEST_BOOL", false))
	t.Setenv("SR_TEST_BOOL", "")
	assert.True(t, BoolEnv("SR_TEST_BOOL", true))
}

func TestIntEnvClamped(t *testing.T) {
	t.Setenv("SR_TEST_INT", "500")
	assert.Equal(t, 60, IntEnvClamped("SR_TEST_INT", 30, 1, 60))
	t.Setenv("SR_TEST_INT", "x")
	assert.Equal(t, 30, IntEnvClamped("SR_TEST_INT", 30, 1, 60))
	t.Setenv("SR_TEST_INT", " 12 ")
	assert.Equal(t, 12, IntEnvClamped("SR_TEST_INT", 30, 1, 60))
}

func TestDurationEnv(t *testing.T) {
	t.Setenv("SR_TEST_DURATION", "1500ms")
	assert.Equal(t, 1500*time.Millisecond, DurationEnv("SR_TEST_DURATION", time.Second))
	t.Setenv("SR_TEST_DURATION", "-1s")
	assert.Equal(t, time.Second, DurationEnv("SR_TEST_DURATION", time.Second))
	t.Setenv("SR_TEST_DURATION", "")
	assert.Equal(t, time.Second, DurationEnv("SR_TEST_DURATION", time.Second))
}
