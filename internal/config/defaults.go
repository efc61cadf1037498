package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	defaultProbeTimeout  = 2 * time.Second
	defaultProbeAttempts = 30
	defaultProbeDelay    = time.Second
)

// DefaultStatusDir is where discovery records live unless overridden.
func DefaultStatusDir() string {
	return filepath.Join(os.TempDir(), "testenvctl")
}

// ApplyDefaults fills optional fields that were left empty in the loaded
// definition. Structural fields (names, categories, dependencies) are never
// defaulted; Validate rejects them instead.
func ApplyDefaults(env *Environment) {
	if env.Settings.StatusDir == "" {
		env.Settings.StatusDir = DefaultStatusDir()
	}
	if env.Settings.LogLevel == "" {
		env.Settings.LogLevel = "info"
	}

	for i := range env.Services {
		s := &env.Services[i]
		if s.Probe != nil {
			if s.Probe.Timeout <= 0 {
				s.Probe.Timeout = defaultProbeTimeout
			}
			if s.Probe.Attempts <= 0 {
				s.Probe.Attempts = defaultProbeAttempts
			}
			if s.Probe.Delay <= 0 {
				s.Probe.Delay = defaultProbeDelay
			}
			if s.Probe.Port == 0 && len(s.Ports) > 0 {
				s.Probe.Port = s.Ports[0]
			}
		}
		if s.LogLevel == "" {
			s.LogLevel = env.Settings.LogLevel
		}
	}

	for name, pol := range env.Databases {
		if pol.Seeding.Timing == "" {
			pol.Seeding.Timing = SeedOnce
		}
		if pol.Seeding.Restore == "" {
			if pol.Seeding.Timing == SeedOnce {
				pol.Seeding.Restore = RestoreNone
			} else {
				pol.Seeding.Restore = RestoreRollback
			}
		}
		env.Databases[name] = pol
	}
}
