// Package commons provides the small set of cross-cutting helpers (structured
// logging, primarily) that every other internal package depends on.
package commons

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the narrow structured-logging surface used throughout the module.
// It mirrors the call shapes a zap.SugaredLogger exposes so callers can log
// either as printf-style (Infof/Errorf) or as structured key/value pairs
// (Infow/Errorw/Warnw/Debugw) depending on what reads better at the call site.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Sync() error
}

// LogOptions configures NewApplicationLogger. Zero value is a sane default:
// info level, console encoding, stderr only.
type LogOptions struct {
	Level      string // debug|info|warn|error, defaults to info
	FilePath   string // when set, logs are also rotated into this file
	JSON       bool   // when true, use JSON encoding instead of console
	MaxSizeMB  int    // lumberjack MaxSize, defaults to 100
	MaxBackups int    // lumberjack MaxBackups, defaults to 3
	MaxAgeDays int    // lumberjack MaxAge, defaults to 28
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewApplicationLogger builds the application-wide Logger. With no options it
// logs to stderr at info level using zap's production encoder config with console encoding; pass
// a LogOptions to enable JSON encoding and/or lumberjack file rotation.
func NewApplicationLogger(opts ...LogOptions) (Logger, error) {
	var o LogOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	var encoder zapcore.Encoder
	if o.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	level := parseLevel(o.Level)
	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}

	if o.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   o.FilePath,
			MaxSize:    orDefault(o.MaxSizeMB, 100),
			MaxBackups: orDefault(o.MaxBackups, 3),
			MaxAge:     orDefault(o.MaxAgeDays, 28),
			Compress:   true,
		}
		fileEncoder := zapcore.NewJSONEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return zl.Sugar(), nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
