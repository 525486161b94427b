package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cronwrap/internal/policy"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps the default search paths away from files on the test host.
func isolate(t *testing.T) {
	t.Helper()
	prev := DefaultSearchPaths
	DefaultSearchPaths = []string{t.TempDir()}
	t.Cleanup(func() { DefaultSearchPaths = prev })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("cronwrap", pflag.ContinueOnError)
	fs.IntP("num-fails", "n", 1, "")
	fs.Duration("timeout", 0, "")
	fs.String("state-dir", "/var/tmp", "")
	fs.Bool("no-overlap", false, "")
	fs.String("config", "", "")
	return fs
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(nil, "")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.NumFails)
	assert.Equal(t, "/var/tmp", cfg.StateDir)
	assert.Equal(t, "separate", cfg.CaptureMode)
	assert.True(t, cfg.AlwaysPrintSuccess)
	assert.Equal(t, "bash", cfg.Shell)
	assert.Equal(t, time.Second, cfg.LockRetryInterval)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Empty(t, cfg.ConfigFile)
}

func TestLoad_FileEnvAndFlagPrecedence(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
num_fails: 3
timeout: 90s
state_dir: /srv/cronwrap
schedule: "30 2 * * *"
capture_mode: merged
`)
	t.Setenv("CRONWRAP_TIMEOUT", "2m")
	t.Setenv("CRONWRAP_NO_OVERLAP", "true")

	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--num-fails", "5"}))

	cfg, err := Load(fs, path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.NumFails, "flag beats file")
	assert.Equal(t, 2*time.Minute, cfg.Timeout, "env beats file")
	assert.True(t, cfg.NoOverlap)
	assert.Equal(t, "/srv/cronwrap", cfg.StateDir, "file beats unchanged flag default")
	assert.Equal(t, "30 2 * * *", cfg.Schedule)
	assert.Equal(t, "merged", cfg.CaptureMode)
	assert.Equal(t, path, cfg.ConfigFile)
}

func TestLoad_MissingNamedFile(t *testing.T) {
	isolate(t)
	_, err := Load(nil, filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_IgnoresConfigInWorkingDirectory(t *testing.T) {
	assert.NotContains(t, DefaultSearchPaths, ".")
	for _, p := range DefaultSearchPaths {
		if _, err := os.Stat(filepath.Join(p, "config.yaml")); err == nil {
			t.Skipf("host has %s/config.yaml", p)
		}
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("num_fails: [broken\n"), 0o600))
	t.Chdir(dir)

	cfg, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.NumFails)
	assert.Empty(t, cfg.ConfigFile)
}

func TestLoad_ConfigFileFromEnvironment(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "num_fails: 4\n")
	t.Setenv(ConfigFileEnv, path)

	cfg, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.NumFails)
	assert.Equal(t, path, cfg.ConfigFile)

	// An explicit file wins over the environment.
	other := writeConfig(t, "num_fails: 6\n")
	cfg, err = Load(nil, other)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.NumFails)
}

func TestLoad_DebugRaisesLogLevel(t *testing.T) {
	isolate(t)
	t.Setenv("CRONWRAP_DEBUG", "1")

	cfg, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	isolate(t)

	for name, body := range map[string]string{
		"zero threshold":   "num_fails: 0\n",
		"bad capture mode": "capture_mode: interleaved\n",
		"bad schedule":     "schedule: \"every tuesday\"\n",
		"negative timeout": "timeout: -5s\n",
		"bad log format":   "log_format: xml\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(nil, writeConfig(t, body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
		})
	}
}

func TestPolicy(t *testing.T) {
	cfg := &Config{NumFails: 4, Backoff: true, FirstFail: true, MaxPending: 7}
	p := cfg.Policy()

	assert.Equal(t, 4, p.Threshold)
	assert.Equal(t, policy.ModeBackoff, p.Mode)
	assert.True(t, p.FirstFail)
	assert.False(t, p.AlwaysPrintSuccess)
	assert.Equal(t, 7, p.MaxPending)
}
