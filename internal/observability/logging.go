// Package observability holds the process-wide structured logger.
//
// CLI commands log through CLILogger; library packages take a *zap.Logger
// and never reach for the global, so they stay testable with zap.NewNop().
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the shared logger for command-level code. It defaults to a
// no-op logger so code paths exercised before Init (or from tests) never
// nil-panic.
var CLILogger = zap.NewNop()

// Init builds the CLI logger: console encoding to stderr so record output
// on stdout stays machine-readable. level is a zap level name ("debug",
// "info", "warn", "error"); unrecognized values fall back to info.
func Init(level string) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		lvl,
	)
	CLILogger = zap.New(core)
}

// Sync flushes buffered log entries. Safe to call on the no-op logger.
func Sync() {
	_ = CLILogger.Sync()
}
