// Package logger provides leveled logging with support for debug, info, warn, and error levels.
// It keeps a process-wide zap logger behind printf-style helpers and exposes the
// underlying *zap.Logger for call sites that want structured fields.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// base is the structured logger; sugar wraps it with one extra caller frame
	// so file:line points at the caller of Debug/Info/... and not at this file.
	base  = zap.NewNop()
	sugar = base.Sugar()
)

// Init initializes the default logger with the specified level and format.
// Format "text" selects a console encoder, anything else JSON.
func Init(level string, format string) {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(format) == "text" {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), ParseLevel(level))
	base = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	sugar = base.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

// ParseLevel maps a configuration level name to a zap level. Unknown names map to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// L returns the structured logger.
func L() *zap.Logger {
	return base
}

// Sync flushes buffered log entries.
func Sync() {
	_ = base.Sync()
}

// Debug logs a message at DebugLevel
func Debug(format string, args ...interface{}) {
	sugar.Debugf(format, args...)
}

// Info logs a message at InfoLevel
func Info(format string, args ...interface{}) {
	sugar.Infof(format, args...)
}

// Warn logs a message at WarnLevel
func Warn(format string, args ...interface{}) {
	sugar.Warnf(format, args...)
}

// Error logs a message at ErrorLevel
func Error(format string, args ...interface{}) {
	sugar.Errorf(format, args...)
}

// Fatal logs a message at FatalLevel and exits
func Fatal(format string, args ...interface{}) {
	if base.Core().Enabled(zapcore.FatalLevel) {
		sugar.Fatalf(format, args...)
	}
	// Init was never called: fall back to plain stderr.
	fmt.Fprintf(os.Stderr, "[FATAL] "+format+"\n", args...)
	os.Exit(1)
}
