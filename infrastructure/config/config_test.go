package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.Patcher.Enabled)
	assert.True(t, cfg.Driver.SuppressWelcome)
	assert.Equal(t, 30*time.Second, cfg.Driver.StartupTimeout.Std())
	assert.Equal(t, "file", cfg.Profiles.Store)
	assert.Equal(t, "ucdriver", cfg.MongoDB.Database)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
driver:
  headless: true
  enableCdpEvents: true
  arguments: ["--mute-audio"]
  startupTimeout: 45s
patcher:
  versionMain: 120
  lockTimeout: 10s
profiles:
  store: mongodb
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Driver.Headless)
	assert.True(t, cfg.Driver.EnableCDPEvents)
	assert.Equal(t, []string{"--mute-audio"}, cfg.Driver.Arguments)
	assert.Equal(t, 45*time.Second, cfg.Driver.StartupTimeout.Std())
	assert.Equal(t, 120, cfg.Patcher.VersionMain)
	assert.Equal(t, 10*time.Second, cfg.Patcher.LockTimeout.Std())
	assert.Equal(t, "mongodb", cfg.Profiles.Store)
	// untouched sections keep defaults
	assert.True(t, cfg.Patcher.Enabled)
	assert.Equal(t, 60*time.Second, cfg.Patcher.HTTPTimeout.Std())
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Logging, cfg.Logging)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("driver:\n  startupTimeout: soon\n"), 0o644))
	_, err := Load(bad)
	assert.Error(t, err)

	store := filepath.Join(dir, "store.yaml")
	require.NoError(t, os.WriteFile(store, []byte("profiles:\n  store: redis\n"), 0o644))
	_, err = Load(store)
	assert.ErrorContains(t, err, "profiles.store")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"UCDRIVER_HEADLESS":     "true",
		"UCDRIVER_VERSION_MAIN": "114",
		"UCDRIVER_MONGODB_URI":  " mongodb://db:27017 ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.True(t, cfg.Driver.Headless)
	assert.Equal(t, 114, cfg.Patcher.VersionMain)
	assert.Equal(t, "mongodb://db:27017", cfg.MongoDB.URI)

	env["UCDRIVER_PORT"] = "abc"
	assert.ErrorContains(t, Default().applyEnv(lookup), "UCDRIVER_PORT")
}
