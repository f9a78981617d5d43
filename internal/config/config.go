// Package config provides viper-backed configuration for beadboard.
//
// Precedence (highest wins): explicit Set > environment variables with the
// BEADBOARD_ prefix > beadboard.yaml config file > built-in defaults.
//
// All getters are nil-safe: they return zero values if Initialize was never
// called, so library consumers that skip config setup still get defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper instance with defaults, env binding, and the
// optional beadboard.yaml config file. Safe to call more than once (tests
// call it to reset state).
func Initialize() error {
	v = viper.New()

	setDefaults(v)

	// BEADBOARD_TIMEOUT_READ overrides timeout.read, etc.
	v.SetEnvPrefix("BEADBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("beadboard")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "beadboard"))
	}

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; anything else is a real problem.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	// Command execution
	v.SetDefault("exec.bd-path", "bd")
	v.SetDefault("exec.max-procs", 4)
	v.SetDefault("timeout.read", 15*time.Second)
	v.SetDefault("timeout.write", 60*time.Second)

	// Cross-process repository locks
	v.SetDefault("lock.root", filepath.Join(os.TempDir(), "beadboard", "locks"))
	v.SetDefault("lock.poll-interval", 100*time.Millisecond)
	v.SetDefault("lock.stale-after", 10*time.Minute)
	v.SetDefault("lock.wait-timeout", 30*time.Second)

	// Read-path suppression
	v.SetDefault("suppress.window", 5*time.Minute)
	v.SetDefault("suppress.max-entries", 128)

	// Degraded query mode (BD_NO_DB in the child process)
	v.SetDefault("bypass.force", false)
	v.SetDefault("bypass.disable", false)
}

// Set overrides a configuration value (used by CLI flag binding).
func Set(key string, value interface{}) {
	if v == nil {
		return
	}
	v.Set(key, value)
}

// GetString returns the string value for key, or "" if config is uninitialized.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool returns the bool value for key, or false if config is uninitialized.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt returns the int value for key, or 0 if config is uninitialized.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration returns the duration value for key, or 0 if config is uninitialized.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// ConfigFileUsed returns the path of the config file viper loaded, if any.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}
