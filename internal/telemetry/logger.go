package telemetry

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process-wide structured logger. mode selects the
// encoder family: "development"/"dev" gets a colored console encoder,
// "production"/"prod" gets sampled JSON. Subsystems derive their own
// loggers with Named, so the consensus context, transport, and catch-up
// producer are distinguishable in one stream.
func NewLogger(mode string) (*zap.Logger, error) {
	var cfg zap.Config
	switch mode {
	case "development", "dev":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production", "prod":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("telemetry: unknown logger mode %q (want 'development' or 'production')", mode)
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *zap.Logger {
	return zap.NewNop()
}
