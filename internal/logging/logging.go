package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level, encoding and optional file sink of the process logger.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// New builds a logger writing to w. Unknown levels fall back to info and
// unknown formats to json.
func New(cfg Config, w io.Writer) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.EqualFold(cfg.Format, "text") {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(w), ParseLevel(cfg.Level))
	return zap.New(core).Sugar()
}

// Init sets up the process-wide logger and returns the log file, if any, so
// the caller can close it on exit.
func Init(cfg Config) (*zap.SugaredLogger, *os.File, error) {
	var out io.Writer = os.Stdout
	var file *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		out = io.MultiWriter(os.Stdout, f)
	}

	logger := New(cfg, out)
	zap.ReplaceGlobals(logger.Desugar())
	return logger, file, nil
}

// ParseLevel maps a config string onto a zap level.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
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

// Discard returns a logger that drops everything. Used by tests and tools.
func Discard() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// DropCounter counts discarded items and tells the caller when to log, so a
// flood of drops produces one line per Every drops instead of one per drop.
type DropCounter struct {
	Every uint64
	n     atomic.Uint64
}

// Inc records one drop and returns the running total and whether to log it.
func (d *DropCounter) Inc() (uint64, bool) {
	n := d.n.Add(1)
	every := d.Every
	if every == 0 {
		every = 1000
	}
	return n, n == 1 || n%every == 0
}

// Load returns the number of drops seen so far.
func (d *DropCounter) Load() uint64 {
	return d.n.Load()
}

// Dropped records one drop on d and, when the counter says so, logs msg on
// logger with the running total under "total".
func Dropped(logger *zap.SugaredLogger, d *DropCounter, msg string, keysAndValues ...any) {
	n, ok := d.Inc()
	if !ok {
		return
	}
	logger.Warnw(msg, append(keysAndValues, "total", n)...)
}
