package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	charmlog "github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// LevelEnvVar selects the minimum level written by every logger.
const LevelEnvVar = "CONDUCTOR_LOG_LEVEL"

// Logger provides leveled, structured logging for conductor components.
// All logs are written to a session-specific file in ~/.conductor/logs/
// unless the directory cannot be created, in which case stderr is used.
type Logger struct {
	base      *charmlog.Logger
	file      *os.File
	sessionID string
	component string
	logPath   string
	closeOnce sync.Once
}

var (
	// Global session ID for the current execution
	sessionID     string
	sessionIDOnce sync.Once

	// logDir is the directory where log files are stored
	logDir string

	// initOnce ensures directory initialization happens once
	initOnce sync.Once

	// initErr stores any error from directory initialization
	initErr error
)

// getSessionID returns or creates the session ID for this execution
func getSessionID() string {
	sessionIDOnce.Do(func() {
		sessionID = uuid.New().String()
	})
	return sessionID
}

// initLogDirectory ensures the log directory exists
func initLogDirectory() error {
	initOnce.Do(func() {
		if logDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				initErr = fmt.Errorf("failed to get home directory: %w", err)
				return
			}
			logDir = filepath.Join(homeDir, ".conductor", "logs")
		}
		if err := os.MkdirAll(logDir, 0750); err != nil {
			initErr = fmt.Errorf("failed to create log directory: %w", err)
			return
		}
	})
	return initErr
}

// levelFromEnv maps CONDUCTOR_LOG_LEVEL onto a charm level; debug is the default
// because the log file is private to the session.
func levelFromEnv() charmlog.Level {
	switch strings.ToLower(os.Getenv(LevelEnvVar)) {
	case "info":
		return charmlog.InfoLevel
	case "warn", "warning":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.DebugLevel
	}
}

// NewLogger creates a new logger for a specific component.
// The logger writes to ~/.conductor/logs/<session-id>-conductor.log
//
// If the log directory cannot be created or the log file cannot be opened,
// it returns a fallback logger that writes to stderr along with the error.
// Callers can check the error to detect fallback mode and log warnings.
func NewLogger(component string) (*Logger, error) {
	if err := initLogDirectory(); err != nil {
		return newFallbackLogger(component, err), err
	}

	sessID := getSessionID()
	logPath := filepath.Join(logDir, fmt.Sprintf("%s-conductor.log", sessID))

	// Open log file in append mode (multiple components may write to same file)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		err = fmt.Errorf("failed to open log file: %w", err)
		return newFallbackLogger(component, err), err
	}

	return &Logger{
		base:      newCharmLogger(file, component),
		file:      file,
		sessionID: sessID,
		component: component,
		logPath:   logPath,
	}, nil
}

// NewWithWriter creates a component logger writing to w. It is meant for
// tests and embedding hosts that manage their own output.
func NewWithWriter(component string, w io.Writer) *Logger {
	return &Logger{
		base:      newCharmLogger(w, component),
		sessionID: getSessionID(),
		component: component,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithWriter("discard", io.Discard)
}

func newCharmLogger(w io.Writer, component string) *charmlog.Logger {
	l := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05.000",
		Prefix:          component,
		Level:           levelFromEnv(),
	})
	l.SetFormatter(charmlog.TextFormatter)
	return l
}

// newFallbackLogger creates a logger that writes to stderr when file logging fails
func newFallbackLogger(component string, err error) *Logger {
	l := &Logger{
		base:      newCharmLogger(os.Stderr, component),
		sessionID: getSessionID(),
		component: component,
	}
	l.base.Warn("failed to initialize file logging, falling back to stderr", "err", err)
	return l
}

// With returns a child logger that attaches keyvals to every entry.
func (l *Logger) With(keyvals ...any) *Logger {
	return &Logger{
		base:      l.base.With(keyvals...),
		sessionID: l.sessionID,
		component: l.component,
		logPath:   l.logPath,
	}
}

// Printf logs a formatted message at info level
func (l *Logger) Printf(format string, v ...any) {
	l.base.Infof(format, v...)
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...any) {
	l.base.Debugf(format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...any) {
	l.base.Infof(format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...any) {
	l.base.Warnf(format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...any) {
	l.base.Errorf(format, v...)
}

// Debug logs a message with structured key/value pairs.
func (l *Logger) Debug(msg string, keyvals ...any) {
	l.base.Debug(msg, keyvals...)
}

// Info logs a message with structured key/value pairs.
func (l *Logger) Info(msg string, keyvals ...any) {
	l.base.Info(msg, keyvals...)
}

// Warn logs a message with structured key/value pairs.
func (l *Logger) Warn(msg string, keyvals ...any) {
	l.base.Warn(msg, keyvals...)
}

// Error logs a message with structured key/value pairs.
func (l *Logger) Error(msg string, keyvals ...any) {
	l.base.Error(msg, keyvals...)
}

// Writer returns an io.Writer that writes to this logger's destination
func (l *Logger) Writer() io.Writer {
	if l.file != nil {
		return l.file
	}
	return os.Stderr
}

// SessionID returns the current session ID
func (l *Logger) SessionID() string {
	return l.sessionID
}

// Component returns the component name used as the log prefix
func (l *Logger) Component() string {
	return l.component
}

// LogPath returns the path to the log file
func (l *Logger) LogPath() string {
	return l.logPath
}

// Close closes the log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}

// GetSessionID returns the current global session ID
func GetSessionID() string {
	return getSessionID()
}

// GetLogDirectory returns the directory where logs are stored
func GetLogDirectory() (string, error) {
	if err := initLogDirectory(); err != nil {
		return "", err
	}
	return logDir, nil
}
