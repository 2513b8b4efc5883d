// Package telemetry builds the application logger and Prometheus metrics
// registry, grounded in the teacher's buildLogger and its zap-everywhere
// convention.
package telemetry

import "go.uber.org/zap"

// BuildLogger returns a zap.Logger configured for level, using the
// development encoder only for "debug" (human-readable, colorized) and the
// production JSON encoder otherwise.
func BuildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
