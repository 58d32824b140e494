package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf, JSON: true})

	logger.WithComponent("rulesync").Info("rule created", "id", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "rule created", entry["msg"])
	assert.Equal(t, "rulesync", entry["component"])
	assert.EqualValues(t, 3, entry["id"])
}

func TestLogger_DynamicLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf})

	logger.SetLevel(LevelError)
	assert.Equal(t, LevelError, logger.GetLevel())

	logger.Info("should not appear")
	assert.Zero(t, buf.Len())

	logger.Error("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestConsoleHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf})

	logger.WithComponent("Engine").WithFields(map[string]any{"rule": 7}).
		Warn("activate failed", "error", "max rules reached")

	line := buf.String()
	assert.Contains(t, line, "[warn] engine: activate failed")
	assert.Contains(t, line, "rule=7")
	assert.Contains(t, line, `error="max rules reached"`)
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestAudit(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf, JSON: true})

	logger.Audit("rule.delete", "rule/4", map[string]any{"parameter": "fbclid"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, true, entry["audit"])
	assert.Equal(t, "rule.delete", entry["action"])
	assert.Equal(t, "rule/4", entry["resource"])
	assert.Equal(t, "fbclid", entry["parameter"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"", LevelInfo, false},
		{"WARNING", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestConsoleHandler_Groups(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf})

	logger.WithGroup("drift").Info("reconciled", "missing", 2, slog.Group("engine", "max", 5000))

	line := buf.String()
	assert.Contains(t, line, "[info] reconciled")
	assert.Contains(t, line, "drift.missing=2")
	assert.Contains(t, line, "drift.engine.max=5000")
	assert.NotContains(t, line, "paramstrip[")
}
