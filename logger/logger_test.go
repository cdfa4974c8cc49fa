package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithComponent(t *testing.T) {
	log := New()
	entry := log.WithComponent("fetcher")
	assert.Equal(t, "fetcher", entry.Entry.Data["component"])

	nested := entry.WithFields(Fields{"date": "2024-03-15"})
	assert.Equal(t, "fetcher", nested.Entry.Data["component"])
	assert.Equal(t, "2024-03-15", nested.Entry.Data["date"])
}

func TestConfigureInvalid(t *testing.T) {
	log := New()
	assert.Error(t, log.Configure("loud", "json", "stdout", 0))
	assert.Error(t, log.Configure("info", "xml", "stdout", 0))
}

func TestConfigureFileOutput(t *testing.T) {
	log := New()
	path := filepath.Join(t.TempDir(), "run.log")
	require.NoError(t, log.Configure("debug", "text", path, 0))
	require.NoError(t, log.Configure("info", "json", path, 7))
}

func TestJSONFieldNames(t *testing.T) {
	log := New()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	LogPerformance(log.WithComponent("pipeline"), "run", 1500*time.Microsecond, nil)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "performance metric", line["message"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "pipeline", line["component"])
	assert.Equal(t, "run", line["operation"])
	assert.InDelta(t, 1.5, line["duration_ms"], 1e-9)
	assert.Contains(t, line, "timestamp")
}
