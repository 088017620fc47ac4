package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds process-level configuration. Every field can come from an
// optional YAML file (REBROWSE_CONFIG), a REBROWSE_-prefixed environment
// variable, or — for the keys deployments set today — the bare environment
// name. Environment always wins over the file.
type Settings struct {
	// Port is the listen port for the HTTP/WebSocket server.
	Port int `mapstructure:"port"`

	// RedisURL enables the cross-process log relay when non-empty.
	RedisURL string `mapstructure:"redis_url"`

	// DatabaseURL points at Postgres. Only used when FeatureUseCookies
	// is also set; otherwise execution records stay in memory.
	DatabaseURL string `mapstructure:"database_url"`

	// FeatureUseCookies gates DB-backed state (execution records).
	FeatureUseCookies bool `mapstructure:"feature_use_cookies"`

	// ControlChannelDebug includes typed characters in control-channel
	// logs. Keystrokes include passwords; leave off outside local debug.
	ControlChannelDebug bool `mapstructure:"control_channel_debug"`

	// SessionDirBase is the root for throwaway browser session
	// directories. Empty means the system temp dir.
	SessionDirBase string `mapstructure:"session_dir_base"`

	// SessionDirMaxAgeHours bounds how long an abandoned session
	// directory survives before the sweeper removes it.
	SessionDirMaxAgeHours int `mapstructure:"session_dir_max_age_hours"`

	// RecorderOptionsFile is an optional YAML file with recording-agent
	// options, hot-reloaded while the process runs. Empty disables the
	// watcher and the built-in defaults apply.
	RecorderOptionsFile string `mapstructure:"recorder_options_file"`

	// ShutdownGraceSeconds bounds how long in-flight requests get on
	// SIGTERM before the listener is torn down.
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`
}

// envAliases maps settings keys to the bare environment names that predate
// the REBROWSE_ prefix. Both spellings are honored; the prefixed one wins.
var envAliases = map[string]string{
	"port":                      "PORT",
	"redis_url":                 "REDIS_URL",
	"database_url":              "DATABASE_URL",
	"feature_use_cookies":       "FEATURE_USE_COOKIES",
	"control_channel_debug":     "CONTROL_CHANNEL_DEBUG",
	"session_dir_max_age_hours": "SESSION_DIR_MAX_AGE_HOURS",
}

// settingsKeys is every key Unmarshal should see, aliased or not. Viper only
// consults the environment for keys it knows about, so each one is bound
// explicitly rather than relying on AutomaticEnv.
var settingsKeys = []string{
	"port",
	"redis_url",
	"database_url",
	"feature_use_cookies",
	"control_channel_debug",
	"session_dir_base",
	"session_dir_max_age_hours",
	"recorder_options_file",
	"shutdown_grace_seconds",
}

// Load reads settings from the environment and, when REBROWSE_CONFIG names a
// file, from YAML underneath it.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetDefault("port", 8000)
	v.SetDefault("session_dir_max_age_hours", 24)
	v.SetDefault("shutdown_grace_seconds", 10)

	for _, key := range settingsKeys {
		names := []string{key, "REBROWSE_" + strings.ToUpper(key)}
		if alias, ok := envAliases[key]; ok {
			names = append(names, alias)
		}
		if err := v.BindEnv(names...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path := os.Getenv("REBROWSE_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", s.Port)
	}
	return &s, nil
}

// Addr returns the listen address for the HTTP server.
func (s *Settings) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// SessionDirMaxAge converts the hour knob into a duration. Zero or negative
// falls back to a day, matching the sweeper's own default.
func (s *Settings) SessionDirMaxAge() time.Duration {
	if s.SessionDirMaxAgeHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(s.SessionDirMaxAgeHours) * time.Hour
}

// ShutdownGrace converts the shutdown knob into a duration.
func (s *Settings) ShutdownGrace() time.Duration {
	if s.ShutdownGraceSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.ShutdownGraceSeconds) * time.Second
}
