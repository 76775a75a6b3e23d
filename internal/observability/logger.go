package observability

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the process-wide logger. It is a standalone struct so
// that this package does not depend on the config package.
type LogConfig struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	File       string // optional path, enables a rotated JSON file core
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Service    string
}

// global holds the logger installed by SetGlobal.
var global atomic.Pointer[zap.Logger]

// NewLogger builds a zap logger from cfg. The console core writes to stdout;
// when cfg.File is set, a JSON core with lumberjack rotation is added so the
// daemon keeps a local audit trail across restarts.
func NewLogger(cfg LogConfig) *zap.Logger {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")

	var consoleEnc zapcore.Encoder
	if cfg.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stdout), level),
	}

	if cfg.File != "" {
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
		fileCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), fileWriter, level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel))
	if cfg.Service != "" {
		logger = logger.Named(cfg.Service)
	}
	return logger
}

// SetGlobal installs logger as the process-wide logger returned by L and
// redirects standard library log output through it.
func SetGlobal(logger *zap.Logger) {
	global.Store(logger)
	zap.ReplaceGlobals(logger)
	zap.RedirectStdLog(logger)
}

// L returns the installed global logger. Before SetGlobal it returns a
// no-op logger, never nil.
func L() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// Sync flushes buffered entries on the global logger. Sync errors against
// stdout are routine on Linux and are suppressed.
func Sync() {
	l := global.Load()
	if l == nil {
		return
	}
	if err := l.Sync(); err != nil {
		msg := err.Error()
		if !strings.Contains(msg, "sync /dev/stdout") &&
			!strings.Contains(msg, "invalid argument") &&
			!strings.Contains(msg, "operation not supported") {
			fmt.Fprintln(os.Stderr, "logger sync failed:", err)
		}
	}
}
