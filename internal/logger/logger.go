package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logDir      = "log"
	logFilename = "daydream.log"
)

// Logger is the process-wide logger. It discards everything until Init runs,
// so library code and tests stay quiet by default.
var Logger = zerolog.Nop()

var logFilePath string

// Init configures Logger to write to stderr at the given level
// (trace, debug, info, warn, error). Unknown levels fall back to info.
// Stdout is left alone because the CLI and the MCP stdio transport own it.
func Init(logLevel string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	}

	level := ParseLevel(logLevel)
	Logger = zerolog.New(consoleWriter).
		Level(level).
		With().
		Timestamp().
		Logger()

	if level <= zerolog.DebugLevel {
		Logger = Logger.With().Caller().Logger()
		Logger.Debug().Msg("caller reporting enabled in debug mode")
	}
}

// AddFileLogger tees Logger into a rotated file under workdir/log.
func AddFileLogger(workdir string) error {
	logFilePath = filepath.Join(workdir, logDir, logFilename)
	if err := os.MkdirAll(filepath.Dir(logFilePath), 0700); err != nil {
		return err
	}

	fileLogger := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    10,
		MaxAge:     3,
		MaxBackups: 3,
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	}
	multi := zerolog.MultiLevelWriter(consoleWriter, fileLogger)

	Logger = zerolog.New(multi).
		Level(Logger.GetLevel()).
		With().
		Timestamp().
		Logger()

	return nil
}

// New returns a logger writing to w, used by tests that assert on log output.
func New(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(name string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// GetLogFilePath returns the rotated log file path, or "" before AddFileLogger.
func GetLogFilePath() string {
	return logFilePath
}
