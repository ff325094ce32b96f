package gateway

import "go.uber.org/zap"

// Field constructs a structured field from a value of one of the types
// commonly logged by this package (string, int, int64, bool, error).
func Field(key string, value any) zap.Field {
	switch v := value.(type) {
	case string:
		return zap.String(key, v)
	case int:
		return zap.Int(key, v)
	case int64:
		return zap.Int64(key, v)
	case bool:
		return zap.Bool(key, v)
	case error:
		return zap.NamedError(key, v)
	default:
		return zap.Any(key, v)
	}
}

// Logger is the structured logging interface used throughout the gateway.
// *zap.Logger satisfies it via the NewLogger adapter below.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// zapLogger adapts *zap.Logger to Logger.
type zapLogger struct{ l *zap.Logger }

func (z zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z zapLogger) Info(msg string, fields ...zap.Field)  { z.l.Info(msg, fields...) }
func (z zapLogger) Warn(msg string, fields ...zap.Field)  { z.l.Warn(msg, fields...) }
func (z zapLogger) Error(msg string, fields ...zap.Field) { z.l.Error(msg, fields...) }

// NewLogger adapts a *zap.Logger for use as a gateway.Logger.
func NewLogger(l *zap.Logger) Logger { return zapLogger{l: l} }

// NewNopLogger returns a Logger that discards everything, for tests and
// examples that don't want log output.
func NewNopLogger() Logger { return zapLogger{l: zap.NewNop()} }
