package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stitchquote/api/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// field names that must never reach log output, matched case-insensitively
var redactedFieldNames = map[string]struct{}{
	"captchatoken":  {},
	"token":         {},
	"apikey":        {},
	"secret":        {},
	"password":      {},
	"customeremail": {},
	"email":         {},
	"phonenumber":   {},
	"phone":         {},
}

// NewLogger constructs a zap logger emitting Cloud Logging shaped JSON. LOG_LEVEL selects the level.
func NewLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))); err != nil {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	cfg := zap.Config{
		Level:    level,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
			EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(strings.ToUpper(level.String()))
			},
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// FromContext retrieves the request logger, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// EventLogger adapts zap to the event hook taken by services. The request logger wins over
// fallback when one is present, and sensitive field names are dropped.
func EventLogger(fallback *zap.Logger) func(context.Context, string, map[string]any) {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := fallback
		if requestctx.HasLogger(ctx) {
			logger = requestctx.Logger(ctx)
		}
		zapFields := make([]zap.Field, 0, len(fields)+1)
		zapFields = append(zapFields, zap.String("event", event))
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if _, redact := redactedFieldNames[strings.ToLower(key)]; redact {
				continue
			}
			zapFields = append(zapFields, zap.Any(key, fields[key]))
		}
		if _, failed := fields["error"]; failed {
			logger.Warn(event, zapFields...)
			return
		}
		logger.Info(event, zapFields...)
	}
}

// WarnfAdapter adapts zap to printf-style warning interfaces.
type WarnfAdapter struct {
	logger *zap.SugaredLogger
}

func NewWarnfAdapter(logger *zap.Logger) WarnfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return WarnfAdapter{logger: logger.Sugar()}
}

func (a WarnfAdapter) Warnf(format string, args ...any) {
	a.logger.Warnf(format, args...)
}
