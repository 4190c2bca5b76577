package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetFormat("text")
		SetLevel("info")
		SetOutput(os.Stdout)
	})
	return &buf
}

func TestSetLevelFiltersDebug(t *testing.T) {
	buf := capture(t)
	SetLevel("info")
	Debugf("hidden %d", 1)
	Infof("[live] shown %d", 2)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[live] shown 2")

	SetLevel("DEBUG")
	Debugf("now visible")
	assert.Contains(t, buf.String(), "now visible")

	SetLevel("error")
	Warnf("quiet")
	assert.NotContains(t, buf.String(), "quiet")
}

func TestJSONFormat(t *testing.T) {
	buf := capture(t)
	SetFormat("JSON")
	Warnf("[fetcher] gap %s", "1h")
	line := strings.TrimSpace(buf.String())
	require.True(t, gjson.Valid(line), line)
	assert.Equal(t, "WARN", gjson.Get(line, "level").String())
	assert.Equal(t, "[fetcher] gap 1h", gjson.Get(line, "msg").String())
}

func TestInfoBlockSplitsLines(t *testing.T) {
	buf := capture(t)
	InfoBlock("\nfirst\nsecond\n")
	out := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, out, 2)
	assert.Contains(t, out[0], "first")
	assert.Contains(t, out[1], "second")

	buf.Reset()
	InfoBlock("   ")
	assert.Empty(t, buf.String())
}

func TestWithAddsComponent(t *testing.T) {
	buf := capture(t)
	SetFormat("json")
	With("backtest").Info("run done")
	assert.Equal(t, "backtest", gjson.Get(strings.TrimSpace(buf.String()), "component").String())
}
