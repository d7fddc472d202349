package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "debug", Format: "json"}, &buf)
	logger.Debugw("flow swept", "removed", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "flow swept", line["msg"])
	assert.Equal(t, float64(3), line["removed"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Format: "text"}, &buf)
	logger.Infow("hidden")
	assert.Empty(t, buf.String())
	logger.Warnw("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("nonsense"))
}

func TestDropCounter(t *testing.T) {
	d := DropCounter{Every: 3}
	var logged []uint64
	for i := 0; i < 7; i++ {
		if n, ok := d.Inc(); ok {
			logged = append(logged, n)
		}
	}
	assert.Equal(t, []uint64{1, 3, 6}, logged)
	assert.Equal(t, uint64(7), d.Load())
}

func TestDroppedLogsOnSchedule(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "json"}, &buf)
	d := DropCounter{Every: 2}
	for i := 0; i < 4; i++ {
		Dropped(logger, &d, "queue full, dropping", "queue", "analysis")
	}

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	var last map[string]any
	require.NoError(t, json.Unmarshal(lines[2], &last))
	assert.Equal(t, "analysis", last["queue"])
	assert.Equal(t, float64(4), last["total"])
	assert.Equal(t, "warn", last["level"])
}

func TestDiscardDropsEverything(t *testing.T) {
	logger := Discard()
	logger.Errorw("never written", "key", 1)
	assert.False(t, logger.Desugar().Core().Enabled(zapcore.ErrorLevel))
}
