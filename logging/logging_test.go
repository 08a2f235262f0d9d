package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/config"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "json"}, "wasm-deploy", &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("fqdn", "main.app.sta.example.net").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "wasm-deploy", entry["app"])
	assert.Equal(t, "main.app.sta.example.net", entry["fqdn"])
}

func TestNewWithWriter_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "loud"}, "x", &buf)

	logger.Debug().Msg("debug")
	logger.Info().Msg("info")

	assert.NotContains(t, buf.String(), `"debug"`)
	assert.Contains(t, buf.String(), `"info"`)
}

func TestBestEffort(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "debug"}, "x", &buf)

	BestEffort(logger, "delete-previous", func() error { return errors.New("row locked") })
	assert.Contains(t, buf.String(), "row locked")
	assert.Contains(t, buf.String(), "delete-previous")

	buf.Reset()
	assert.NotPanics(t, func() {
		BestEffort(logger, "explode", func() error { panic("boom") })
	})
	assert.Contains(t, buf.String(), "boom")

	buf.Reset()
	BestEffort(logger, "ok", func() error { return nil })
	assert.Empty(t, buf.String())
}
