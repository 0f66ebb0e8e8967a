// Package logging builds the service zap logger and the structured fields
// shared by every harvest log line.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	return NewWithLevel(development, "")
}

// NewWithLevel is New with an explicit minimum level such as "debug" or
// "warn". An empty level keeps the zap default for the mode.
func NewWithLevel(development bool, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// SourceFields identifies one (source, generation) pair in log output.
func SourceFields(ref harvest.SourceRef) []zap.Field {
	fields := []zap.Field{
		zap.String("source_url", ref.URL),
		zap.Int64("source_hash", ref.Hash),
	}
	if ref.GenTime != 0 {
		fields = append(fields, zap.Int64("gen_time", ref.GenTime))
	}
	return fields
}
