package core

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap.SugaredLogger to the Logger interface used
// throughout the package.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger builds a production zap logger at the given level
// ("debug", "info", "warn", "error"). An unknown level means info.
func NewZapLogger(level string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{sugar: logger.Sugar()}, nil
}

// NewZapLoggerFrom wraps an existing zap logger.
func NewZapLoggerFrom(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: logger.Sugar()}
}

func flatten(fields map[string]interface{}) []interface{} {
	if len(fields) == 0 {
		return nil
	}
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return kv
}

// Info logs at info level.
func (z *ZapLogger) Info(msg string, fields map[string]interface{}) {
	z.sugar.Infow(msg, flatten(fields)...)
}

// Error logs at error level.
func (z *ZapLogger) Error(msg string, fields map[string]interface{}) {
	z.sugar.Errorw(msg, flatten(fields)...)
}

// Warn logs at warn level.
func (z *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	z.sugar.Warnw(msg, flatten(fields)...)
}

// Debug logs at debug level.
func (z *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	z.sugar.Debugw(msg, flatten(fields)...)
}

// Sync flushes buffered log entries.
func (z *ZapLogger) Sync() error {
	return z.sugar.Sync()
}
