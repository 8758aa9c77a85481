package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(buf *bytes.Buffer) *Config {
	return &Config{
		Level:  LevelDebug,
		Format: "json",
		Output: buf,
		Sync:   true,
	}
}

func TestKeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(testConfig(&buf))

	log.Info("cq opened", "depth", 64, "format", "msg")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "cq opened", record["message"])
	assert.Equal(t, float64(64), record["depth"])
	assert.Equal(t, "msg", record["format"])
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(testConfig(&buf))

	log.WithDomain("loop0").WithCQ(3).WithQueue(1).Debug("pump drained")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "loop0", record["domain"])
	assert.Equal(t, float64(3), record["cq_id"])
	assert.Equal(t, float64(1), record["hw_queue"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig(&buf)
	cfg.Level = LevelWarn
	log := NewLogger(cfg)

	log.Debug("dropped")
	log.Info("dropped too")
	assert.Zero(t, buf.Len())

	log.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestOddArgsIgnoresDangler(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(testConfig(&buf))

	log.Info("lopsided", "key", 1, "dangling")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, float64(1), record["key"])
	_, present := record["dangling"]
	assert.False(t, present)
}

// countingWriter records whether a write happened, without buffering.
type countingWriter struct {
	writes int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return len(p), nil
}

func TestSyncWritesCompleteBeforeReturn(t *testing.T) {
	// a sync logger must hand the record to the sink inside the call, so
	// a caller that exits immediately afterwards never loses it
	w := &countingWriter{}
	log := NewLogger(&Config{Level: LevelError, Format: "json", Output: w, Sync: true})

	log.Error("about to exit")
	assert.Equal(t, 1, w.writes)
}

func TestSetDefault(t *testing.T) {
	var buf bytes.Buffer
	old := Default()
	defer SetDefault(old)

	SetDefault(NewLogger(testConfig(&buf)))
	Info("via global")
	assert.Contains(t, buf.String(), "via global")
}
