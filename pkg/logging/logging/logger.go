package logging

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const loggerKey ctxKey = iota

var (
	defaultLogger     *zap.Logger
	defaultLoggerOnce sync.Once
)

// Config selects the encoder and level of a logger.
type Config struct {
	// Env "dev" or "development" gives colored console output; anything else is JSON.
	Env string
	// Level is a zap level name ("debug", "info", ...). Empty means the
	// encoder's default.
	Level string
}

// ConfigFromEnv reads ENV and LOG_LEVEL.
func ConfigFromEnv() Config {
	return Config{
		Env:   os.Getenv("ENV"),
		Level: os.Getenv("LOG_LEVEL"),
	}
}

func (c Config) development() bool {
	env := strings.ToLower(strings.TrimSpace(c.Env))
	return env == "dev" || env == "development"
}

// New builds a logger from cfg. An unknown level is an error.
func New(cfg Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.development() {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.DisableCaller = false
	}

	if lvl := strings.TrimSpace(cfg.Level); lvl != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(lvl)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", lvl, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	return zc.Build()
}

// NewLogger builds a logger from the environment and exits the process if
// that fails.
func NewLogger() *zap.Logger {
	logger, err := New(ConfigFromEnv())
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to create logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	return logger
}

// DefaultLogger is the process-wide fallback used when a context carries no logger.
func DefaultLogger() *zap.Logger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = NewLogger()
	})
	return defaultLogger
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return DefaultLogger()
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return DefaultLogger()
}

func L(ctx context.Context) *zap.Logger {
	return FromContext(ctx)
}

// WithFields adds structured fields to the logger in context.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return WithLogger(ctx, FromContext(ctx).With(fields...))
}
