package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"os"
)

// For mocking in tests
var osReadFile = os.ReadFile

// Load reads an environment definition from a YAML or TOML file (picked by
// extension), applies defaults, and validates it. Any validation failure is
// fatal here: the core packages only ever see well-formed environments.
func Load(path string) (Environment, error) {
	data, err := osReadFile(path)
	if err != nil {
		return Environment{}, fmt.Errorf("read environment definition %s: %w", path, err)
	}

	var env Environment
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &env); err != nil {
			return Environment{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &env); err != nil {
			return Environment{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return Environment{}, fmt.Errorf("unsupported environment definition format %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}

	ApplyDefaults(&env)

	if err := Validate(&env); err != nil {
		return Environment{}, fmt.Errorf("invalid environment definition %s: %w", path, err)
	}
	return env, nil
}
