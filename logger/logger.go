// Package logger holds the process-wide zap logger for SDRS.
//
// The global Logger is a no-op until Initialize runs, so packages can log
// during init and in tests without setup. Long-lived components should not
// reach for the global: they take a *zap.SugaredLogger in their constructor,
// usually obtained from ComponentLogger.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger is the global logger instance
	Logger *zap.SugaredLogger
	// JSONOutput reports whether the last Initialize selected JSON encoding
	JSONOutput bool

	rotator *lumberjack.Logger
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Options configures Initialize.
type Options struct {
	JSON  bool
	Level zapcore.Level

	// File enables an additional rotated log file. Empty disables it.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Initialize replaces the global logger. Console output always goes to
// stdout; File, when set, receives the same entries through lumberjack.
func Initialize(opts Options) error {
	JSONOutput = opts.JSON

	var encoder zapcore.Encoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), opts.Level),
	}

	if opts.File != "" {
		closeRotator()
		rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		// Files are always JSON so they can be shipped as-is
		fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(rotator), opts.Level))
	}

	Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Sugar()
	return nil
}

// Cleanup flushes buffered entries and closes the rotated file, if any.
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
	closeRotator()
}

func closeRotator() {
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
}
