package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmitsJSONByDefault(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	l.Info("hello", "run_id", "r1")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "hello", decoded["msg"])
	assert.Equal(t, "r1", decoded["run_id"])
}

func TestNewEmitsTextWhenRequested(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: FormatText, Output: &buf})
	l.Info("hello")

	assert.Contains(t, buf.String(), "msg=hello")
}

func TestNewFallsBackToDefaultConfigWhenNil(t *testing.T) {
	l := New(nil)
	assert.NotNil(t, l)
}

func TestNewRespectsDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	l.Debug("verbose detail")
	assert.Contains(t, buf.String(), "verbose detail")
}

func TestNewSuppressesDebugAtInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	l.Debug("should not appear")
	assert.Empty(t, buf.String())
}

func TestAdapterLogRoutesLevelsToUnderlyingLogger(t *testing.T) {
	var buf bytes.Buffer
	slogger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	a := NewAdapter(slogger)

	a.Log("error", "step failed", map[string]any{StepIDKey: "build", DurationKey: 120})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "step failed", decoded["msg"])
	assert.Equal(t, "build", decoded[StepIDKey])
	assert.Equal(t, float64(120), decoded[DurationKey])
	assert.Equal(t, "ERROR", decoded["level"])
}

func TestAdapterWithAttachesFieldsToSubsequentLogs(t *testing.T) {
	var buf bytes.Buffer
	slogger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	a := NewAdapter(slogger)
	scoped := a.With(map[string]any{RunIDKey: "r1"})

	scoped.Log("info", "run started", nil)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "r1", decoded[RunIDKey])
}

func TestAdapterDefaultsToSlogDefaultWhenNilLoggerGiven(t *testing.T) {
	a := NewAdapter(nil)
	assert.NotNil(t, a)
}

func TestAdapterLogTraceUsesCustomLevel(t *testing.T) {
	var buf bytes.Buffer
	slogger := New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})
	a := NewAdapter(slogger)

	a.Log("trace", "resolved command detail", nil)
	assert.True(t, strings.Contains(buf.String(), "resolved command detail"))
}
