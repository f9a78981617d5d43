package config

import (
	"testing"
	"time"
)

func TestInitialize(t *testing.T) {
	err := Initialize()
	if err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	if v == nil {
		t.Fatal("viper instance is nil after Initialize()")
	}
}

func TestDefaults(t *testing.T) {
	// Reset viper for test isolation
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	tests := []struct {
		key      string
		expected interface{}
		getter   func(string) interface{}
	}{
		{"exec.bd-path", "bd", func(k string) interface{} { return GetString(k) }},
		{"exec.max-procs", 4, func(k string) interface{} { return GetInt(k) }},
		{"timeout.read", 15 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{"timeout.write", 60 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{"lock.poll-interval", 100 * time.Millisecond, func(k string) interface{} { return GetDuration(k) }},
		{"lock.stale-after", 10 * time.Minute, func(k string) interface{} { return GetDuration(k) }},
		{"lock.wait-timeout", 30 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{"suppress.window", 5 * time.Minute, func(k string) interface{} { return GetDuration(k) }},
		{"suppress.max-entries", 128, func(k string) interface{} { return GetInt(k) }},
		{"bypass.force", false, func(k string) interface{} { return GetBool(k) }},
		{"bypass.disable", false, func(k string) interface{} { return GetBool(k) }},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := tt.getter(tt.key)
			if got != tt.expected {
				t.Errorf("get(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestEnvironmentBinding(t *testing.T) {
	tests := []struct {
		envVar string
		key    string
		value  string
		check  func(t *testing.T)
	}{
		{
			envVar: "BEADBOARD_TIMEOUT_READ",
			key:    "timeout.read",
			value:  "3s",
			check: func(t *testing.T) {
				if got := GetDuration("timeout.read"); got != 3*time.Second {
					t.Errorf("timeout.read = %v, want 3s", got)
				}
			},
		},
		{
			envVar: "BEADBOARD_EXEC_BD_PATH",
			key:    "exec.bd-path",
			value:  "/opt/bd/bin/bd",
			check: func(t *testing.T) {
				if got := GetString("exec.bd-path"); got != "/opt/bd/bin/bd" {
					t.Errorf("exec.bd-path = %q, want /opt/bd/bin/bd", got)
				}
			},
		},
		{
			envVar: "BEADBOARD_BYPASS_FORCE",
			key:    "bypass.force",
			value:  "true",
			check: func(t *testing.T) {
				if !GetBool("bypass.force") {
					t.Error("bypass.force = false, want true")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.envVar, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.value)

			// Re-initialize viper to pick up env var
			if err := Initialize(); err != nil {
				t.Fatalf("Initialize() returned error: %v", err)
			}

			tt.check(t)
		})
	}

	// Restore clean state for other tests
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
}

func TestSetOverridesEnv(t *testing.T) {
	t.Setenv("BEADBOARD_EXEC_MAX_PROCS", "8")

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	if got := GetInt("exec.max-procs"); got != 8 {
		t.Fatalf("exec.max-procs = %d, want 8 from env", got)
	}

	Set("exec.max-procs", 2)
	if got := GetInt("exec.max-procs"); got != 2 {
		t.Errorf("exec.max-procs = %d, want 2 after Set", got)
	}
}

func TestNilSafety(t *testing.T) {
	// Save the current viper instance
	saved := v
	defer func() { v = saved }()

	// Set viper to nil to test nil-safety
	v = nil

	if got := GetString("exec.bd-path"); got != "" {
		t.Errorf("GetString with nil viper = %q, want \"\"", got)
	}
	if got := GetBool("bypass.force"); got != false {
		t.Errorf("GetBool with nil viper = %v, want false", got)
	}
	if got := GetInt("exec.max-procs"); got != 0 {
		t.Errorf("GetInt with nil viper = %d, want 0", got)
	}
	if got := GetDuration("timeout.read"); got != 0 {
		t.Errorf("GetDuration with nil viper = %v, want 0", got)
	}

	// Set must not panic on nil viper
	Set("exec.max-procs", 3)
}
