package main

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func setupLogger(level, format string) (*zap.Logger, error) {
	var config zap.Config
	if strings.ToLower(format) == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(
		zap.String("service", "mixcached"),
		zap.String("version", version),
		zap.Int("pid", os.Getpid()),
	), nil
}
