// Package logging provides the daemon's process-wide structured logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log *zap.SugaredLogger
var baseLogger *zap.Logger

// Init builds the process-wide logger, JSON-encoded to stdout. debug
// selects debug-level output; otherwise the level is info.
func Init(debug bool) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.LevelKey = "level"
	encoderConfig.MessageKey = "message"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	baseLogger = zap.New(core, zap.AddCaller())
	log = baseLogger.Sugar()
}

func ensure() {
	if log == nil {
		baseLogger, _ = zap.NewProduction()
		log = baseLogger.Sugar()
	}
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}

func Debugf(template string, args ...interface{}) {
	ensure()
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Debugf(template, args...)
}

func Infof(template string, args ...interface{}) {
	ensure()
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Infof(template, args...)
}

func Warnf(template string, args ...interface{}) {
	ensure()
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Warnf(template, args...)
}

func Errorf(template string, args ...interface{}) {
	ensure()
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Errorf(template, args...)
}

func Fatalf(template string, args ...interface{}) {
	ensure()
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Fatalf(template, args...)
	os.Exit(1)
}
