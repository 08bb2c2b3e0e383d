package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFileAndStderr(t *testing.T) {
	var stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "peerguard.log")

	logger, closer, err := New(path, "info", &stderr)
	require.NoError(t, err)

	logger.Info("source blocked", "addr", "10.0.0.9")
	logger.Debug("hidden at info level")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "source blocked")
	assert.Contains(t, string(b), "addr=10.0.0.9")
	assert.NotContains(t, string(b), "hidden")
	assert.Contains(t, stderr.String(), "source blocked")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, _, err := New("", "loud", &bytes.Buffer{})
	require.Error(t, err)
}
