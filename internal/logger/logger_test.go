package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Initialize(LogConfig{Level: level, Format: "json", Writer: &buf})
	t.Cleanup(func() { Initialize(DefaultLogConfig()) })
	return &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestNewAddsComponent(t *testing.T) {
	buf := captureLogs(t, "debug")

	New("discovery").Info("stage finished", Int("count", 3), String("stage", "primary"), Duration("took", time.Second))

	entry := lastLine(t, buf)
	assert.Equal(t, "discovery", entry["component"])
	assert.Equal(t, "stage finished", entry["message"])
	assert.Equal(t, float64(3), entry["count"])
	assert.Equal(t, "primary", entry["stage"])
}

func TestLevelFiltering(t *testing.T) {
	buf := captureLogs(t, "warn")

	log := New("test")
	log.Debug("hidden")
	log.Info("hidden")
	assert.Empty(t, buf.String())

	log.Warn("shown")
	assert.Equal(t, "warn", lastLine(t, buf)["level"])
}

func TestWithErrorAndFields(t *testing.T) {
	buf := captureLogs(t, "info")

	log := New("test").WithFields(String("run_id", "r1")).WithError(errors.New("boom"))
	log.Error("failed", Error(nil), Strings("regions", []string{"us-east-1"}), Any("meta", map[string]int{"a": 1}))

	entry := lastLine(t, buf)
	assert.Equal(t, "r1", entry["run_id"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "*errors.errorString", entry["error_type"])
	assert.Equal(t, []interface{}{"us-east-1"}, entry["regions"])
}

func TestWithContextWithoutSpan(t *testing.T) {
	buf := captureLogs(t, "info")

	New("test").WithContext(context.Background()).Info("no span")
	assert.NotContains(t, lastLine(t, buf), "trace_id")
}

func TestNopAndConcurrency(t *testing.T) {
	Initialize(LogConfig{Level: "info", Writer: io.Discard})
	t.Cleanup(func() { Initialize(DefaultLogConfig()) })
	Nop().Info("discarded")

	log := New("test")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			log.WithFields(Int("goroutine", id)).Info("concurrent log")
		}(i)
	}
	wg.Wait()
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", parseLevel("DEBUG").String())
	assert.Equal(t, "warn", parseLevel("warning").String())
	assert.Equal(t, "info", parseLevel("bogus").String())
}
