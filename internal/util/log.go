// Package util provides shared helpers for kas-pool.
package util

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var sugar *zap.SugaredLogger

// InitLogger builds the process-wide logger from the log config: a zap
// production config re-encoded for the requested format, writing to
// stdout plus an optional file sink. An unknown level falls back to info.
func InitLogger(level, format, file string) error {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if format == "json" {
		cfg.Encoding = "json"
		cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	cfg.OutputPaths = []string{"stdout"}
	if file != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, file)
	}

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	sugar = base.Named("kas-pool").Sugar()
	return nil
}

// log hands out the logger, falling back to a development logger when
// InitLogger was never called (tests, mostly)
func log() *zap.SugaredLogger {
	if sugar == nil {
		base, _ := zap.NewDevelopment(zap.AddCallerSkip(1))
		sugar = base.Named("kas-pool").Sugar()
	}
	return sugar
}

// Debugf logs a formatted debug message
func Debugf(template string, args ...interface{}) { log().Debugf(template, args...) }

// Info logs at info level
func Info(args ...interface{}) { log().Info(args...) }

// Infof logs a formatted info message
func Infof(template string, args ...interface{}) { log().Infof(template, args...) }

// Warn logs at warn level
func Warn(args ...interface{}) { log().Warn(args...) }

// Warnf logs a formatted warning message
func Warnf(template string, args ...interface{}) { log().Warnf(template, args...) }

// Errorf logs a formatted error message
func Errorf(template string, args ...interface{}) { log().Errorf(template, args...) }
