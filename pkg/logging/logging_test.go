package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel(" error "))
	assert.Equal(t, LevelInfo, ParseLevel("info"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestInfoWritesSubsystemAttribute(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelDebug, &buf, false)

	Info("Orchestrator", "starting %d services", 3)

	out := buf.String()
	assert.Contains(t, out, "starting 3 services")
	assert.Contains(t, out, "subsystem=Orchestrator")
}

func TestErrorIncludesErrorAttribute(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelDebug, &buf, false)

	Error("Backend", errors.New("boom"), "stop failed for %s", "db-w1")

	out := buf.String()
	assert.Contains(t, out, "stop failed for db-w1")
	assert.Contains(t, out, "error=boom")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelWarn, &buf, false)

	Debug("X", "hidden")
	Info("X", "also hidden")
	Warn("X", "visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelInfo, &buf, true)

	Info("StatusServer", "listening")

	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasPrefix(line, "{"), "expected JSON output, got %q", line)
	assert.Contains(t, line, `"subsystem":"StatusServer"`)
}

func TestTailReturnsRecentEntries(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelInfo, &buf, false)

	for i := 0; i < 5; i++ {
		Info("Tail", "entry %d", i)
	}

	entries := Tail(3)
	require.Len(t, entries, 3)
	assert.Equal(t, "entry 2", entries[0].Message)
	assert.Equal(t, "entry 4", entries[2].Message)
}

func TestTailWrapsAround(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelInfo, &buf, false)

	for i := 0; i < defaultCaptureSize+10; i++ {
		Info("Wrap", "entry %d", i)
	}

	entries := Tail(0)
	require.Len(t, entries, defaultCaptureSize)
	assert.Equal(t, "entry 10", entries[0].Message)
}
