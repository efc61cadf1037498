package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlDefinition = `
services:
  - name: postgres
    category: database
    mode: container
    image: postgres:16
    ports: [5432]
    credentials:
      username: test
      password: test
      database: app
  - name: api
    category: service
    mode: local-process
    command: ["./api", "serve"]
    dependsOn: [postgres]
    ports: [8080]
databases:
  postgres:
    strategy: schema
    seeding:
      timing: per-file
      restore: reset
settings:
  logLevel: debug
`

const tomlDefinition = `
[[services]]
name = "redis"
category = "cache"
mode = "container"
image = "redis:7"
ports = [6379]

[settings]
logLevel = "warn"
`

func withStubbedReadFile(t *testing.T, content string, readErr error) {
	t.Helper()
	original := osReadFile
	osReadFile = func(string) ([]byte, error) {
		if readErr != nil {
			return nil, readErr
		}
		return []byte(content), nil
	}
	t.Cleanup(func() { osReadFile = original })
}

func TestLoad_YAML(t *testing.T) {
	withStubbedReadFile(t, yamlDefinition, nil)

	env, err := Load("testenv.yaml")
	require.NoError(t, err)

	require.Len(t, env.Services, 2)
	assert.Equal(t, "postgres", env.Services[0].Name)
	assert.Equal(t, CategoryDatabase, env.Services[0].Category)
	assert.Equal(t, []string{"postgres"}, env.Services[1].DependsOn)
	assert.Equal(t, "debug", env.Settings.LogLevel)

	pol, ok := env.Databases["postgres"]
	require.True(t, ok)
	assert.Equal(t, StrategySchema, pol.Strategy)
	assert.Equal(t, SeedPerFile, pol.Seeding.Timing)
	assert.Equal(t, RestoreReset, pol.Seeding.Restore)

	// Defaults filled on load.
	assert.Equal(t, DefaultStatusDir(), env.Settings.StatusDir)
	assert.Equal(t, "debug", env.Services[0].LogLevel)
}

func TestLoad_TOML(t *testing.T) {
	withStubbedReadFile(t, tomlDefinition, nil)

	env, err := Load("testenv.toml")
	require.NoError(t, err)

	require.Len(t, env.Services, 1)
	assert.Equal(t, "redis", env.Services[0].Name)
	assert.Equal(t, CategoryCache, env.Services[0].Category)
	assert.Equal(t, "warn", env.Settings.LogLevel)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	withStubbedReadFile(t, "{}", nil)

	_, err := Load("testenv.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported environment definition format")
}

func TestLoad_ReadError(t *testing.T) {
	withStubbedReadFile(t, "", os.ErrNotExist)

	_, err := Load("missing.yaml")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_ParseError(t *testing.T) {
	withStubbedReadFile(t, "services: [::not yaml::", nil)

	_, err := Load("broken.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoad_InvalidDefinition(t *testing.T) {
	withStubbedReadFile(t, "services: []", nil)

	_, err := Load("empty.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid environment definition")
}
