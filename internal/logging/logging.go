package logging

import (
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process logger.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// File, when set, receives a copy of every entry with size based rotation.
	File string
	// Name is the root logger name.
	Name string
}

// DebugEnabled reports whether the umbrella debug switch is set.
func DebugEnabled() bool {
	return strings.TrimSpace(os.Getenv("SCREENRECORDER_DEBUG")) == "1"
}

// New builds a console logger on stderr plus an optional rotating file sink.
func New(options Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if options.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(options.Level))); err != nil {
			return nil, err
		}
	}
	if DebugEnabled() {
		level = zapcore.DebugLevel
	}

	file := options.File
	if file == "" {
		file = strings.TrimSpace(os.Getenv("SCREENRECORDER_DEBUG_FILE"))
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000")

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level),
	}
	if file != "" {
		w := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    20,
			MaxBackups: 3,
		}
		prodCfg := zap.NewProductionEncoderConfig()
		prodCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(prodCfg), zapcore.AddSync(w), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	if options.Name != "" {
		logger = logger.Named(options.Name)
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Every reports whether at least period has passed since the last time it
// returned true for the same last marker. Safe for concurrent callers.
func Every(last *atomic.Int64, period time.Duration) bool {
	if last == nil || period <= 0 {
		return true
	}

	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
