// Package logging provides structured logging using uber/zap.
//
// Every entry is stamped with the emitting process (server, bridge,
// worker), matching the process label on the metrics side, so interleaved
// logs from the three cooperating processes stay attributable. Output
// always goes to stderr: stdout on every binary belongs to the wire
// protocol and a single stray log line there would corrupt a frame.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with convenience constructors.
type Logger struct {
	*zap.Logger
}

// Config defines logger configuration.
type Config struct {
	Level       string // "debug", "info", "warn", "error"
	Development bool
	Process     string // stamped on every entry; mirrors the metrics process label
}

// New creates a logger with the provided configuration. Development mode
// emits colored console lines with stacktraces on errors; production mode
// emits JSON.
func New(cfg Config) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	var enc zapcore.Encoder
	if cfg.Development {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "timestamp"
		encCfg.MessageKey = "message"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger := zap.New(core, opts...)
	if cfg.Process != "" {
		logger = logger.Named(cfg.Process).With(zap.String("process", cfg.Process))
	}
	return &Logger{Logger: logger}, nil
}

// ForProcess creates a production logger stamped with a process name,
// falling back to a no-op logger if construction fails.
func ForProcess(process string) *Logger {
	logger, err := New(Config{Level: "info", Process: process})
	if err != nil {
		return NewNop()
	}
	return logger
}

// NewDefault creates an unstamped production logger.
func NewDefault() *Logger {
	logger, err := New(Config{Level: "info"})
	if err != nil {
		return NewNop()
	}
	return logger
}

// NewNop creates a logger that discards everything. Used in tests.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}
