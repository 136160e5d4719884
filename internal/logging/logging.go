// Package logging provides the diagnostic logger shared by the session
// manager, backends, and gateway. It writes to an append-only file so that
// concurrent CLI invocations don't interleave with command output.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Logger struct {
	mu     sync.Mutex
	file   *os.File
	logger *log.Logger
	debug  bool
}

// New opens (or creates) an append-only log file at path.
func New(path string) (*Logger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	debugEnv := os.Getenv("DEVS_DEBUG")
	debug := debugEnv == "1" || debugEnv == "true" || debugEnv == "debug"

	return &Logger{
		file:   file,
		logger: log.New(file, "", 0),
		debug:  debug,
	}, nil
}

// NewWriter returns a logger writing to w, for tests.
func NewWriter(w io.Writer) *Logger {
	return &Logger{logger: log.New(w, "", 0)}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWriter(io.Discard)
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) log(level, msg string) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf("[%s] %s: %s", timestamp, level, msg)
}

func (l *Logger) Info(msg string)  { l.log("INFO", msg) }
func (l *Logger) Warn(msg string)  { l.log("WARN", msg) }
func (l *Logger) Error(msg string) { l.log("ERROR", msg) }

func (l *Logger) Debug(msg string) {
	if l.debug {
		l.log("DEBUG", msg)
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}
