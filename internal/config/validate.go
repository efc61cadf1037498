package config

import (
	"fmt"

	"testenvctl/internal/dependency"
)

// Validate checks the structural integrity of an environment definition.
// Structural problems (duplicate names, unknown categories, cyclic
// dependencies, missing start descriptors) are configuration errors and are
// fatal at load time; they are never silently defaulted.
func Validate(env *Environment) error {
	if len(env.Services) == 0 {
		return fmt.Errorf("environment declares no services")
	}

	seen := make(map[string]bool, len(env.Services))
	graph := dependency.New()

	for _, s := range env.Services {
		if s.Name == "" {
			return fmt.Errorf("service with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate service name %q", s.Name)
		}
		seen[s.Name] = true

		switch s.Category {
		case CategoryService, CategoryDatabase, CategoryCache, CategoryBroker, CategoryStorage:
		default:
			return fmt.Errorf("service %s: unknown category %q", s.Name, s.Category)
		}

		switch s.Mode {
		case BackendContainer:
			if s.Image == "" {
				return fmt.Errorf("service %s: container mode requires an image", s.Name)
			}
		case BackendLocalProcess:
			if len(s.Command) == 0 {
				return fmt.Errorf("service %s: local-process mode requires a command", s.Name)
			}
		default:
			return fmt.Errorf("service %s: unknown backend mode %q", s.Name, s.Mode)
		}

		if s.Probe != nil {
			if s.Probe.Path != "" && len(s.Probe.Command) > 0 {
				return fmt.Errorf("service %s: probe declares both an HTTP path and a command", s.Name)
			}
			if s.Probe.Path == "" && len(s.Probe.Command) == 0 {
				return fmt.Errorf("service %s: probe declares neither an HTTP path nor a command", s.Name)
			}
			if s.Probe.Path != "" && s.Probe.Port == 0 {
				return fmt.Errorf("service %s: HTTP probe has no port and the service declares none", s.Name)
			}
		}

		graph.AddNode(dependency.Node{Name: s.Name, DependsOn: s.DependsOn})
	}

	if err := graph.Validate(); err != nil {
		return err
	}

	for name, pol := range env.Databases {
		spec, ok := env.Service(name)
		if !ok {
			return fmt.Errorf("database policy for unknown service %q", name)
		}
		if spec.Category != CategoryDatabase {
			return fmt.Errorf("database policy for %s, which has category %q", name, spec.Category)
		}

		switch pol.Strategy {
		case StrategySavepoint, StrategySchema, StrategyDatabase, StrategySnapshot:
		default:
			return fmt.Errorf("database %s: unknown isolation strategy %q", name, pol.Strategy)
		}

		switch pol.Seeding.Timing {
		case SeedOnce, SeedPerFile, SeedPerTest:
		default:
			return fmt.Errorf("database %s: unknown seed timing %q", name, pol.Seeding.Timing)
		}

		switch pol.Seeding.Restore {
		case RestoreRollback, RestoreReset, RestoreNone:
		default:
			return fmt.Errorf("database %s: unknown restore mode %q", name, pol.Seeding.Restore)
		}

		if pol.Seeding.Timing == SeedOnce && pol.Seeding.Restore != RestoreNone {
			return fmt.Errorf("database %s: timing once never restores, got restore %q", name, pol.Seeding.Restore)
		}

		if len(pol.Seeding.Source.Command) > 0 && pol.Seeding.Source.Dir != "" {
			return fmt.Errorf("database %s: seed source declares both a command and a directory", name)
		}
	}

	return nil
}
