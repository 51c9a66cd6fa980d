package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDir points the package at a temporary log directory and resets global state
func setupTestDir(t *testing.T) {
	t.Helper()

	origLogDir := logDir
	origSessionID := sessionID

	logDir = t.TempDir()
	initErr = nil
	initOnce = sync.Once{}
	sessionID = ""
	sessionIDOnce = sync.Once{}

	t.Cleanup(func() {
		logDir = origLogDir
		initErr = nil
		initOnce = sync.Once{}
		sessionID = origSessionID
		sessionIDOnce = sync.Once{}
	})
}

func TestNewLogger(t *testing.T) {
	setupTestDir(t)

	logger, err := NewLogger("test-component")
	require.NoError(t, err)
	defer logger.Close()

	assert.Equal(t, "test-component", logger.Component())
	assert.NotEmpty(t, logger.SessionID())
	assert.NotEmpty(t, logger.LogPath())

	_, err = os.Stat(logger.LogPath())
	assert.NoError(t, err, "log file should exist")
}

func TestLoggerWritesLevels(t *testing.T) {
	setupTestDir(t)

	logger, err := NewLogger("test")
	require.NoError(t, err)
	defer logger.Close()

	logger.Printf("Test message %d", 123)
	logger.Debugf("Debug message")
	logger.Warnf("Warning message")
	logger.Errorf("Error message")

	content, err := os.ReadFile(logger.LogPath())
	require.NoError(t, err)

	logContent := string(content)
	for _, pattern := range []string{
		"test: Test message 123",
		"test: Debug message",
		"test: Warning message",
		"test: Error message",
	} {
		assert.Contains(t, logContent, pattern)
	}
}

func TestMultipleComponentsShareFile(t *testing.T) {
	setupTestDir(t)

	logger1, err := NewLogger("component1")
	require.NoError(t, err)
	defer logger1.Close()

	logger2, err := NewLogger("component2")
	require.NoError(t, err)
	defer logger2.Close()

	assert.Equal(t, logger1.SessionID(), logger2.SessionID())
	assert.Equal(t, logger1.LogPath(), logger2.LogPath())

	logger1.Infof("Message from component1")
	logger2.Infof("Message from component2")

	content, err := os.ReadFile(logger1.LogPath())
	require.NoError(t, err)
	assert.Contains(t, string(content), "component1:")
	assert.Contains(t, string(content), "component2:")
}

func TestWithAddsKeyvals(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("scheduler", &buf).With("call_id", "abc")

	logger.Info("tool finished", "status", "success")

	out := buf.String()
	assert.Contains(t, out, "scheduler:")
	assert.Contains(t, out, "tool finished")
	assert.Contains(t, out, "call_id=abc")
	assert.Contains(t, out, "status=success")
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv(LevelEnvVar, "error")

	var buf bytes.Buffer
	logger := NewWithWriter("quiet", &buf)
	logger.Infof("hidden")
	logger.Errorf("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestGetSessionID(t *testing.T) {
	setupTestDir(t)

	id1 := GetSessionID()
	id2 := GetSessionID()
	assert.Equal(t, id1, id2)
	assert.NotEmpty(t, id1)
}

func TestGetLogDirectory(t *testing.T) {
	setupTestDir(t)

	dir, err := GetLogDirectory()
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLoggerClose(t *testing.T) {
	setupTestDir(t)

	logger, err := NewLogger("test")
	require.NoError(t, err)

	assert.NoError(t, logger.Close())
	assert.NoError(t, logger.Close(), "second close should be safe")
}

func TestLogPathFormat(t *testing.T) {
	setupTestDir(t)

	logger, err := NewLogger("test")
	require.NoError(t, err)
	defer logger.Close()

	fileName := filepath.Base(logger.LogPath())
	require.True(t, strings.HasSuffix(fileName, "-conductor.log"), fileName)

	sessionPart := strings.TrimSuffix(fileName, "-conductor.log")
	assert.Contains(t, sessionPart, "-", "session id should be a uuid")
}
