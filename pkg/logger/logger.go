package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds configuration for the logger.
type Config struct {
	Environment string
	LogLevel    string
	ServiceName string
}

// New creates a structured JSON logger for the service. Development
// environments get console-friendly timestamps, everything else epoch nanos.
func New(cfg Config) *zap.Logger {
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.EpochNanosTimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Environment == "development" {
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	config := zap.Config{
		Level:            level(cfg.LogLevel),
		Development:      cfg.Environment == "development",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	log, err := config.Build()
	if err != nil {
		panic(err)
	}

	return log.With(
		zap.String("service", cfg.ServiceName),
		zap.String("environment", cfg.Environment),
	)
}

func level(s string) zap.AtomicLevel {
	switch s {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}
