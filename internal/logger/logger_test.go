package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWriterAddsServiceAndLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "warn")

	base := Get()
	base.Info().Msg("dropped")
	reqLog := WithRequestID("req-1")
	reqLog.Warn().Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "rentwheel-chat", entry["service"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "kept", entry["message"])
}

func TestInitWriterDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "nonsense")
	userLog := WithUserID("u1")
	userLog.Debug().Msg("hidden")
	userLog = WithUserID("u1")
	userLog.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"user_id":"u1"`)
}
