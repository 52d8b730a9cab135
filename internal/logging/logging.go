// Package logging constructs the gateway's single process-wide log
// sink (spec.md §5: "a process-wide logger sink is initialized once at
// startup and is the only allowed exception" to no-global-state).
// Every other component takes a *zap.Logger explicitly; nothing in
// this module reaches for a package-level logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the encoder, mirroring the teacher's colorConsole vs.
// plain-JSON split between interactive and machine-readable output.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// New builds the gateway logger. debug raises the level and enables
// stack traces on error, matching cmd/root.go's setupLogger behavior.
func New(format Format, debug bool) (*zap.Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	var encoder zapcore.Encoder
	switch format {
	case FormatJSON:
		plain := encoderCfg
		plain.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewJSONEncoder(plain)
	default:
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if debug {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	opts := []zap.Option{zap.AddCaller()}
	if debug {
		opts = append(opts, zap.AddStacktrace(zap.ErrorLevel))
	}
	return zap.New(core, opts...), nil
}
