package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides(t *testing.T) {
	t.Run("MUSE_WORKSPACE overrides workspace path", func(t *testing.T) {
		t.Setenv("MUSE_WORKSPACE", "/tmp/muse-test")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/tmp/muse-test", cfg.WorkspacePath)
	})

	t.Run("MUSE_BUFFER_SIZE accepts zero for stateless mode", func(t *testing.T) {
		t.Setenv("MUSE_BUFFER_SIZE", "0")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 0, cfg.Memory.BufferSize)
	})

	t.Run("invalid MUSE_SCHEDULER_TICK_SECONDS is ignored", func(t *testing.T) {
		t.Setenv("MUSE_SCHEDULER_TICK_SECONDS", "not-a-number")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, DefaultSchedulerConfig().TickSeconds, cfg.Scheduler.TickSeconds)
	})

	t.Run("MUSE_TEMPLATE_TIMEOUT_SECONDS rejects non-positive values", func(t *testing.T) {
		t.Setenv("MUSE_TEMPLATE_TIMEOUT_SECONDS", "-5")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, DefaultSchedulerConfig().TemplateTimeoutSeconds, cfg.Scheduler.TemplateTimeoutSeconds)
	})
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "muse", cfg.Name)
	assert.Equal(t, 35, cfg.Memory.BufferSize)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.WorkspacePath = "/srv/muse"
	cfg.Memory.BufferTruncateAt = 42
	cfg.Scheduler.TickSeconds = 7
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/muse", loaded.WorkspacePath)
	assert.Equal(t, 42, loaded.Memory.BufferTruncateAt)
	assert.Equal(t, 7, loaded.Scheduler.TickSeconds)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workspace_path: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(*Config) {}, false},
		{"empty workspace", func(c *Config) { c.WorkspacePath = "" }, true},
		{"negative buffer size", func(c *Config) { c.Memory.BufferSize = -1 }, true},
		{"zero buffer size is stateless, not invalid", func(c *Config) { c.Memory.BufferSize = 0 }, false},
		{"too many workers", func(c *Config) { c.Scheduler.MaxWorkers = 9 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateNegativeBufferMessageSaysStateless(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.BufferSize = -1

	err := cfg.Validate()
	require.Error(t, err)
	// zero disables the verbatim buffer entirely; the message must not
	// suggest it means unlimited
	assert.Contains(t, err.Error(), "0 = stateless")
}

func TestLocationFallsBackToLocal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "Not/AZone"
	assert.NotNil(t, cfg.Location())

	cfg.Timezone = "UTC"
	require.NotNil(t, cfg.Location())
	assert.Equal(t, "UTC", cfg.Location().String())
}
