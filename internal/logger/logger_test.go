// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name          string
		format        string
		level         string
		shouldLogInfo bool
	}{
		{"json debug", "json", "debug", true},
		{"json info", "json", "info", true},
		{"json warn", "json", "warn", false},
		{"text info", "text", "info", true},
		{"text error", "text", "error", false},
		{"unknown level is info", "text", "verbose", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := New(tt.level, tt.format, &buf)
			log.Info("gpu found", "vendor", "amd")

			if !tt.shouldLogInfo {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), "gpu found")
			assert.Contains(t, buf.String(), "amd")
		})
	}
}

func TestNewInvalidFormatPanics(t *testing.T) {
	assert.Panics(t, func() {
		_ = New("info", "xml", &bytes.Buffer{})
	})
}

func TestLogLevel(t *testing.T) {
	_ = New("warn", "text", &bytes.Buffer{})
	assert.Equal(t, slog.LevelWarn, LogLevel())
	_ = New("debug", "json", &bytes.Buffer{})
	assert.Equal(t, slog.LevelDebug, LogLevel())
}

func TestJSONIncludesSource(t *testing.T) {
	var buf bytes.Buffer
	New("info", "json", &buf).Info("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Contains(t, entry, "source")
}

func TestTrimPath(t *testing.T) {
	assert.Equal(t, "device/gpu/registry.go", trimPath("/src/gpumon/internal/device/gpu/registry.go", 3))
	assert.Equal(t, "gpu/registry.go", trimPath("gpu/registry.go", 3))
}
