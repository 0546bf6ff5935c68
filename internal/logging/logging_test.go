// ABOUTME: Tests for logger construction and the console handler.
// ABOUTME: Checks level filtering, JSON output, and attribute rendering.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "info", Format: "json", Output: &buf})

	logger.Debug("hidden")
	logger.With("component", "hub").Info("agent connected", "agent_id", "123-456-789")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "agent connected", entry["msg"])
	assert.Equal(t, "hub", entry["component"])
	assert.Equal(t, "123-456-789", entry["agent_id"])
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := New(Options{Level: "debug", Output: &buf})

	logger.With("component", "registry").
		WithGroup("conn").
		Warn("agent reconnected", "id", "abc")

	out := buf.String()
	assert.Contains(t, out, "WRN agent reconnected")
	assert.Contains(t, out, "component=registry")
	assert.Contains(t, out, "conn.id=abc")
}

func TestColorHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", Output: &buf})

	logger.Info("quiet")
	assert.Empty(t, buf.String())

	logger.Error("loud")
	assert.Contains(t, buf.String(), "loud")
}
