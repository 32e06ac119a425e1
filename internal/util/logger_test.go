package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestInitLoggerLevels(t *testing.T) {
	var buf bytes.Buffer

	InitLoggerTo(&buf, false)
	GetLogger().Debug("hidden")
	GetLogger().Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	InitLoggerTo(&buf, true)
	GetLogger().Debug("frame sampled")
	assert.Contains(t, buf.String(), "frame sampled")
}

func TestStdLoggerBridge(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, false)

	NewStdLogger(GetLogger()).Printf("http: TLS handshake error from %s", "127.0.0.1")
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "TLS handshake error from 127.0.0.1")
	assert.NotContains(t, buf.String(), "\\n")
}

func TestErrorsLogOnOneLine(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, false)

	err := errors.Wrap(errors.New("pipe closed"), "encoder exited")
	GetLogger().Warn("Encoder failed", "error", err, "frame", 12)

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "\n"), "output: %s", out)
	assert.Contains(t, out, `error="encoder exited: pipe closed"`)
	assert.Contains(t, out, "frame=12")
}
