package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestCoreWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := zap.New(newCore(zapcore.AddSync(&buf), zapcore.InfoLevel), options(false)...)

	logger.Debug("hidden")
	logger.Info("vote cast", zap.Uint64("proposal_id", 3))
	require.NoError(t, logger.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "vote cast", entry["msg"])
	assert.Equal(t, float64(3), entry["proposal_id"])
}

func TestDebugLevel(t *testing.T) {
	assert.True(t, New(true).Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New(false).Core().Enabled(zapcore.DebugLevel))
}
