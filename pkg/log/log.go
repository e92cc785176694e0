package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with the subsystem emitting
// the line (e.g. "scheduler"), the only context the scheduler's event
// loop has to offer since it isn't working a single task or device.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithDeviceID creates a child logger with a device_id field. Used where
// a device, not a task, is the unit of work — the adb bridge's progress
// heartbeat runs per device invocation, before any task framing applies.
func WithDeviceID(deviceID string) zerolog.Logger {
	return Logger.With().Str("device_id", deviceID).Logger()
}

// WithTaskID creates a child logger with a task_id field.
func WithTaskID(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}

// ForTask builds the logger a worker process uses for the lifetime of one
// task: every line it emits concerns exactly one task running on exactly
// one device, so both IDs are attached up front rather than threaded
// through each call site individually.
func ForTask(deviceID, taskID string) zerolog.Logger {
	return Logger.With().
		Str("component", "worker").
		Str("device_id", deviceID).
		Str("task_id", taskID).
		Logger()
}

// Info logs msg at info level on the global logger, for call sites that
// haven't attached task/device context (CLI progress output).
func Info(msg string) {
	Logger.Info().Msg(msg)
}
