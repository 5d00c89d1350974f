package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, 0)

	l.Info("scan", "partitions", 3)
	l.Warning("fallback", "offset", 1048576)
	l.Error(errors.New("boom"), "mount failed")
	l.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, `"msg"="scan" "partitions"=3`)
	assert.Contains(t, out, `"severity"="warning" "offset"=1048576`)
	assert.Contains(t, out, `"error"="boom"`)
	assert.NotContains(t, out, "hidden")
	assert.True(t, l.Active())
}

func TestInitializeLogger(t *testing.T) {
	name := filepath.Join(t.TempDir(), "walk.log")
	require.NoError(t, InitializeLogger(true, name, 0))
	WalkLogger.Info("opened image", "path", "disk.img")
	require.NoError(t, InitializeLogger(false, "", 0))
	assert.False(t, WalkLogger.Active())

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), "imgwalk|")
	assert.Contains(t, string(data), `"path"="disk.img"`)
}

func TestInitializeLoggerBadPath(t *testing.T) {
	err := InitializeLogger(true, filepath.Join(t.TempDir(), "missing", "walk.log"), 0)
	assert.Error(t, err)
}
