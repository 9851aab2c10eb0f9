// Package logger is the process-wide structured logger. Call sites name a
// component and attach a field map; the output is produced by zap.
package logger

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors the zap levels callers are allowed to configure.
type Level string

const (
	DEBUG Level = "debug"
	INFO  Level = "info"
	WARN  Level = "warn"
	ERROR Level = "error"
)

// Options controls Init.
type Options struct {
	Level  Level
	Format string // "json" or "console"
}

var (
	mu   sync.RWMutex
	base = zap.NewNop()
)

// Init builds the global logger. It may be called again to reconfigure.
func Init(opts Options) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(string(opts.Level)))); err != nil {
		return fmt.Errorf("logger: invalid level %q: %w", opts.Level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch opts.Format {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return fmt.Errorf("logger: unknown format %q", opts.Format)
	}

	l, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return fmt.Errorf("logger: build: %w", err)
	}
	Set(l)
	return nil
}

// Set replaces the global logger. Tests use it with an observer core.
func Set(l *zap.Logger) {
	mu.Lock()
	old := base
	base = l
	mu.Unlock()
	_ = old.Sync()
}

// L returns the underlying zap logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered entries.
func Sync() error {
	return L().Sync()
}

func logf(lvl zapcore.Level, component, msg string, fields map[string]interface{}) {
	l := L()
	if ce := l.Check(lvl, msg); ce != nil {
		ce.Write(toZapFields(component, fields)...)
	}
}

// toZapFields orders keys so repeated entries render identically.
func toZapFields(component string, fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	if component != "" {
		out = append(out, zap.String("component", component))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fields[k]
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

func Debug(msg string) { logf(zapcore.DebugLevel, "", msg, nil) }
func Info(msg string)  { logf(zapcore.InfoLevel, "", msg, nil) }
func Warn(msg string)  { logf(zapcore.WarnLevel, "", msg, nil) }
func Error(msg string) { logf(zapcore.ErrorLevel, "", msg, nil) }

func DebugC(component, msg string) { logf(zapcore.DebugLevel, component, msg, nil) }
func InfoC(component, msg string)  { logf(zapcore.InfoLevel, component, msg, nil) }
func WarnC(component, msg string)  { logf(zapcore.WarnLevel, component, msg, nil) }
func ErrorC(component, msg string) { logf(zapcore.ErrorLevel, component, msg, nil) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	logf(zapcore.DebugLevel, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	logf(zapcore.InfoLevel, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	logf(zapcore.WarnLevel, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	logf(zapcore.ErrorLevel, component, msg, fields)
}
