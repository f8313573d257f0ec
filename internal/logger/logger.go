package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	mu      sync.RWMutex
	slogger *slog.Logger
	logFile *os.File
)

// Options configures the global logger.
type Options struct {
	// Dir receives a daily log file. Empty logs to the console only.
	Dir   string
	JSON  bool
	Level string
	// Console defaults to stdout.
	Console io.Writer
}

// Init initializes the global structured logger and makes it the slog default.
func Init(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	writer := console

	var file *os.File
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		name := "colloquy-" + time.Now().Format("2006-01-02") + ".log"
		file, err = os.OpenFile(filepath.Join(opts.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		writer = io.MultiWriter(console, file)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	mu.Lock()
	if logFile != nil {
		_ = logFile.Close()
	}
	slogger = slog.New(handler)
	logFile = file
	mu.Unlock()

	slog.SetDefault(slogger)
	return nil
}

// ParseLevel maps a config level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Close closes the log file
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		return err
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Component returns a logger tagged with a component name.
func Component(name string) *slog.Logger {
	return Slog().With("component", name)
}

// Info logs an informational message
func Info(format string, v ...any) {
	Slog().Info(fmt.Sprintf(format, v...))
}

// Error logs an error message
func Error(format string, v ...any) {
	Slog().Error(fmt.Sprintf(format, v...))
}

// Printf logs a formatted message
func Printf(format string, v ...any) {
	Slog().Info(fmt.Sprintf(format, v...))
}

// Println logs a simple message
func Println(v ...any) {
	Slog().Info(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

// Fatalf logs a formatted fatal error and exits
func Fatalf(format string, v ...any) {
	Slog().Error(fmt.Sprintf(format, v...))
	_ = Close()
	os.Exit(1)
}
