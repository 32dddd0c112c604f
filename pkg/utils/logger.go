package utils

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewSugaredLogger creates a sugared logger based on the verbose flag.
// Verbose selects a console logger at debug level; otherwise entries are
// JSON at info level. Sampling is disabled in both modes so bursts of record
// transitions are never dropped.
func NewSugaredLogger(verbose bool) (*zap.SugaredLogger, error) {
	l, err := loggerConfig(verbose).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger (verbose=%t): %w", verbose, err)
	}
	return l.Sugar(), nil
}

func loggerConfig(verbose bool) zap.Config {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Sampling = nil
	return cfg
}
