package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// clearSettingsEnv pins every recognized variable to empty so ambient CI
// environment cannot leak into assertions. Viper treats empty as unset.
func clearSettingsEnv(t *testing.T) {
	t.Helper()
	names := []string{"REBROWSE_CONFIG"}
	for _, key := range settingsKeys {
		names = append(names, "REBROWSE_"+strings.ToUpper(key))
		if alias, ok := envAliases[key]; ok {
			names = append(names, alias)
		}
	}
	for _, name := range names {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearSettingsEnv(t)

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, s.Port)
	assert.Equal(t, ":8000", s.Addr())
	assert.Empty(t, s.RedisURL)
	assert.Empty(t, s.DatabaseURL)
	assert.False(t, s.FeatureUseCookies)
	assert.False(t, s.ControlChannelDebug)
	assert.Equal(t, 24*time.Hour, s.SessionDirMaxAge())
	assert.Equal(t, 10*time.Second, s.ShutdownGrace())
}

func TestLoadBareEnvNames(t *testing.T) {
	clearSettingsEnv(t)
	t.Setenv("PORT", "9100")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DATABASE_URL", "postgres://localhost/rebrowse")
	t.Setenv("FEATURE_USE_COOKIES", "true")
	t.Setenv("CONTROL_CHANNEL_DEBUG", "1")
	t.Setenv("SESSION_DIR_MAX_AGE_HOURS", "6")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, s.Port)
	assert.Equal(t, "redis://localhost:6379/0", s.RedisURL)
	assert.Equal(t, "postgres://localhost/rebrowse", s.DatabaseURL)
	assert.True(t, s.FeatureUseCookies)
	assert.True(t, s.ControlChannelDebug)
	assert.Equal(t, 6*time.Hour, s.SessionDirMaxAge())
}

func TestLoadPrefixedEnvWinsOverBare(t *testing.T) {
	clearSettingsEnv(t)
	t.Setenv("PORT", "9100")
	t.Setenv("REBROWSE_PORT", "9200")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9200, s.Port)
}

func TestLoadConfigFile(t *testing.T) {
	clearSettingsEnv(t)
	path := filepath.Join(t.TempDir(), "rebrowse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"port: 9300\nsession_dir_base: /var/lib/rebrowse\nrecorder_options_file: /etc/rebrowse/recorder.yaml\n",
	), 0o644))
	t.Setenv("REBROWSE_CONFIG", path)

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9300, s.Port)
	assert.Equal(t, "/var/lib/rebrowse", s.SessionDirBase)
	assert.Equal(t, "/etc/rebrowse/recorder.yaml", s.RecorderOptionsFile)
}

func TestLoadEnvWinsOverConfigFile(t *testing.T) {
	clearSettingsEnv(t)
	path := filepath.Join(t.TempDir(), "rebrowse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9300\n"), 0o644))
	t.Setenv("REBROWSE_CONFIG", path)
	t.Setenv("PORT", "9400")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9400, s.Port)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	clearSettingsEnv(t)
	t.Setenv("PORT", "70000")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadMissingConfigFileErrors(t *testing.T) {
	clearSettingsEnv(t)
	t.Setenv("REBROWSE_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestRecorderOptionsMergeOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"capture:\n  mask_all_inputs: true\nsampling:\n  scroll_ms: 100\n",
	), 0o644))

	opts, err := loadRecorderOptions(path)
	require.NoError(t, err)

	assert.True(t, opts.Capture.MaskAllInputs)
	assert.Equal(t, 100, opts.Sampling.ScrollMs)
	// Everything the file omits keeps its default.
	assert.True(t, opts.Capture.Canvas)
	assert.Equal(t, "rr-block", opts.Privacy.BlockClass)
	assert.Equal(t, 100, opts.Sampling.InputMs)
	assert.Equal(t, 5000, opts.SnapshotDeadlineMs)
}

func TestRecorderWatcherEmptyPathServesDefaults(t *testing.T) {
	w := NewRecorderWatcher("", zap.NewNop())
	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Equal(t, DefaultRecorderOptions(), w.Current())
}

func TestRecorderWatcherMissingFileServesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.yaml")
	w := NewRecorderWatcher(path, zap.NewNop())
	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Equal(t, DefaultRecorderOptions(), w.Current())
}

func TestRecorderWatcherLoadsInitialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.yaml")
	require.NoError(t, os.WriteFile(path, []byte("script_url: https://cdn.example/rrweb.js\n"), 0o644))

	w := NewRecorderWatcher(path, zap.NewNop())
	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Equal(t, "https://cdn.example/rrweb.js", w.Current().ScriptURL)
}

func TestRecorderWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sampling:\n  scroll_ms: 111\n"), 0o644))

	w := NewRecorderWatcher(path, zap.NewNop())
	require.NoError(t, w.Start())
	defer w.Stop()
	require.Equal(t, 111, w.Current().Sampling.ScrollMs)

	changed := make(chan RecorderOptions, 4)
	w.OnChange(func(o RecorderOptions) { changed <- o })

	require.NoError(t, os.WriteFile(path, []byte("sampling:\n  scroll_ms: 222\n"), 0o644))

	require.Eventually(t, func() bool {
		return w.Current().Sampling.ScrollMs == 222
	}, 3*time.Second, 20*time.Millisecond)

	// Truncate-then-write can fire an intermediate event, so drain until
	// the final value shows up rather than asserting on the first.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case o := <-changed:
			if o.Sampling.ScrollMs == 222 {
				return
			}
		case <-deadline:
			t.Fatal("change handler never delivered the updated options")
		}
	}
}

func TestRecorderWatcherKeepsLastGoodOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sampling:\n  scroll_ms: 111\n"), 0o644))

	w := NewRecorderWatcher(path, zap.NewNop())
	require.NoError(t, w.Start())
	defer w.Stop()
	require.Equal(t, 111, w.Current().Sampling.ScrollMs)

	require.NoError(t, os.WriteFile(path, []byte(":{not yaml"), 0o644))
	w.reload("test")

	assert.Equal(t, 111, w.Current().Sampling.ScrollMs)
}
