package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/staffdesk/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "staffdesk.db", cfg.DB.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.Demo)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.NotEmpty(t, cfg.CORS.AllowedOrigins)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STAFFDESK_DB_PATH", ":memory:")
	t.Setenv("STAFFDESK_PORT", "9090")
	t.Setenv("STAFFDESK_LOG_LEVEL", "debug")

	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":memory:", cfg.DB.Path)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "staffdesk.yaml")
	body := "port: 7070\ndb:\n  path: /tmp/tasks.db\nlog:\n  format: json\ndemo: true\nshutdown_timeout: 5s\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "/tmp/tasks.db", cfg.DB.Path)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Demo)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := config.Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))

	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("STAFFDESK_LOG_LEVEL", "verbose")

	_, err := config.Load(viper.New(), "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Level")
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for level, want := range tests {
		assert.Equal(t, want, config.LogConfig{Level: level}.SlogLevel(), level)
	}
}
