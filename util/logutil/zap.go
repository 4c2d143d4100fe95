package logutil

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvDevelopment = "dev"
	EnvProduction  = "product"
)

var DefaultZapLoggerConfig = zap.Config{
	Level: zap.NewAtomicLevelAt(zap.InfoLevel),

	Development: false,
	Sampling: &zap.SamplingConfig{
		Initial:    100,
		Thereafter: 100,
	},

	Encoding: "console",

	EncoderConfig: zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	},

	OutputPaths:      []string{"stderr"},
	ErrorOutputPaths: []string{"stderr"},
}

// ConvertToZapLevel maps a textual level ("debug", "info", ...) to a zap level.
func ConvertToZapLevel(lvl string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(lvl))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", lvl, err)
	}
	return l, nil
}

// NewConfig returns a copy of DefaultZapLoggerConfig adjusted for env and level.
// In production the output is JSON and additionally written to outputPath, if set.
func NewConfig(env, level, outputPath string) (zap.Config, error) {
	copied := DefaultZapLoggerConfig
	copied.OutputPaths = append([]string(nil), DefaultZapLoggerConfig.OutputPaths...)
	copied.ErrorOutputPaths = append([]string(nil), DefaultZapLoggerConfig.ErrorOutputPaths...)

	lvl, err := ConvertToZapLevel(level)
	if err != nil {
		return copied, err
	}
	copied.Level = zap.NewAtomicLevelAt(lvl)

	switch env {
	case "", EnvDevelopment:
	case EnvProduction:
		if outputPath != "" {
			copied.OutputPaths = append(copied.OutputPaths, outputPath)
			copied.ErrorOutputPaths = append(copied.ErrorOutputPaths, outputPath)
		}
		copied.Encoding = "json"
	default:
		return copied, fmt.Errorf("unknown environment %q, expected %q or %q", env, EnvDevelopment, EnvProduction)
	}
	return copied, nil
}
