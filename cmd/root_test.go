package cmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testenvctl/internal/reporting"
	"testenvctl/internal/statusserver"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	expected := []string{"up", "down", "status", "wait", "version"}
	for _, name := range expected {
		found := false
		for _, sub := range rootCmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		assert.True(t, found, "missing subcommand %s", name)
	}
}

func TestRenderStatus(t *testing.T) {
	status := statusserver.EnvironmentStatus{
		Ready:           false,
		TotalComponents: 2,
		ReadyComponents: 1,
		Components: []reporting.ComponentRecord{
			{Name: "api", Category: "service", Status: reporting.StatusStarting},
			{Name: "postgres", Category: "database", Status: reporting.StatusReady},
		},
	}

	out := renderStatus(status)
	assert.Contains(t, out, "NOT READY")
	assert.Contains(t, out, "1/2 components ready")
	assert.Contains(t, out, "postgres")
	assert.Contains(t, out, "api")

	status.Ready = true
	status.ReadyComponents = 2
	out = renderStatus(status)
	assert.Contains(t, out, "READY")
	assert.False(t, strings.Contains(out, "NOT READY"))
}

func TestStatusDir_FallsBackToDefault(t *testing.T) {
	original := flagConfig
	flagConfig = "/nonexistent/definition.yaml"
	defer func() { flagConfig = original }()

	dir := statusDir()
	require.NotEmpty(t, dir)
	assert.Contains(t, dir, "testenvctl")
}
