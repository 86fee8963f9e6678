package logger

import "go.uber.org/zap/zapcore"

// Verbosity levels for the repeated -v CLI flag.
const (
	VerbosityDefault = 0 // info
	VerbosityDebug   = 1 // -v
)

// VerbosityToLevel maps the -v count to a zap level.
// A level string from config wins when it parses.
func VerbosityToLevel(verbosity int, configured string) zapcore.Level {
	if verbosity >= VerbosityDebug {
		return zapcore.DebugLevel
	}
	if configured != "" {
		if lvl, err := zapcore.ParseLevel(configured); err == nil {
			return lvl
		}
	}
	return zapcore.InfoLevel
}
