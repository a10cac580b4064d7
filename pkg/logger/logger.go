// Package logger builds the process logger of the txbridge binaries on top
// of Zap.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Level is the minimum level: debug, info, warn or error. Anything else
	// falls back to info.
	Level string `yaml:"level" mapstructure:"level"`
	// Format is json or console.
	Format string `yaml:"format" mapstructure:"format"`
	// OutputFile is a path, or stdout / stderr.
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
	// SampleInitial and SampleThereafter throttle repeated messages per
	// second: the first SampleInitial entries with the same message are
	// logged, then every SampleThereafter-th. Zero disables sampling.
	SampleInitial    int `yaml:"sample_initial" mapstructure:"sample_initial"`
	SampleThereafter int `yaml:"sample_thereafter" mapstructure:"sample_thereafter"`
}

// New builds the logger; service becomes the "service" field of every entry.
func New(config Config, service string) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if config.Level != "" {
		if err := level.UnmarshalText([]byte(config.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}
	}

	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(config.Format), sink, level)
	if config.SampleInitial > 0 {
		core = zapcore.NewSamplerWithOptions(core, time.Second, config.SampleInitial, config.SampleThereafter)
	}

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.DPanicLevel),
		zap.Fields(zap.String("service", service)),
	), nil
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func openSink(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
	}
	return zapcore.AddSync(file), nil
}
