// Package mlog provides the shared zap logger for the whole program.
// The sink is selected by config: stderr (default), a plain file, or
// the local syslog daemon.
package mlog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level is one of "debug", "info", "warn" and "error".
	Level string `yaml:"level"`

	// Type selects the sink: "stderr" (default) or "syslog".
	Type string `yaml:"type"`

	// Facility is the syslog facility, e.g. "daemon", "local0".
	// Only read when Type is "syslog".
	Facility string `yaml:"facility"`

	// File, if set, also appends all log output to this file.
	File string `yaml:"file"`
}

var (
	stderrSink = zapcore.Lock(os.Stderr)

	lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	l   = zap.New(zapcore.NewCore(defaultEncoder(), stderrSink, lvl))
	s   = l.Sugar()
)

func defaultEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

// NewLogger creates a *zap.Logger from lc.
func NewLogger(lc *LogConfig) (*zap.Logger, error) {
	level := lvl.Level()
	if len(lc.Level) > 0 {
		var err error
		level, err = zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %s: %w", lc.Level, err)
		}
	}

	var cores []zapcore.Core
	switch lc.Type {
	case "", "stderr":
		cores = append(cores, zapcore.NewCore(defaultEncoder(), stderrSink, level))
	case "syslog":
		ws, err := newSyslogSink(lc.Facility)
		if err != nil {
			return nil, fmt.Errorf("failed to connect syslog, %w", err)
		}
		cores = append(cores, zapcore.NewCore(defaultEncoder(), ws, level))
	default:
		return nil, fmt.Errorf("unknown log type %s", lc.Type)
	}

	if len(lc.File) > 0 {
		f, err := os.OpenFile(lc.File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file, %w", err)
		}
		cores = append(cores, zapcore.NewCore(defaultEncoder(), zapcore.Lock(f), level))
	}

	if len(cores) == 1 {
		return zap.New(cores[0]), nil
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}

// L returns the package-level logger. Before SetLevel/replacement it
// logs to stderr at info level.
func L() *zap.Logger {
	return l
}

// S returns the sugared variant of L.
func S() *zap.SugaredLogger {
	return s
}

// SetLevel sets the level of the package-level logger.
func SetLevel(level zapcore.Level) {
	lvl.SetLevel(level)
}
