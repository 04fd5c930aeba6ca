package logging

import (
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// scope is the instrumentation scope of records sent through otelzap.
const scope = "github.com/fyrsmithlabs/rulesmith"

// buildCore tees the enabled sinks. Only stdout is sampled; the otel sink
// forwards every record and leaves volume control to the collector.
func buildCore(cfg *Config, provider log.LoggerProvider) (zapcore.Core, error) {
	var sinks []zapcore.Core

	if cfg.Output.Stdout {
		c, err := stdoutCore(cfg, zapcore.Lock(os.Stdout))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, c)
	}
	if cfg.Output.OTEL && provider != nil {
		r, err := NewRedactingEncoder(nil, cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("redacting encoder: %w", err)
		}
		inner := otelzap.NewCore(scope, otelzap.WithLoggerProvider(provider))
		sinks = append(sinks, redactingCore{Core: inner, level: cfg.Level, rules: r})
	}

	switch len(sinks) {
	case 0:
		return nil, errors.New("no log output available: enable stdout or pass an otel provider")
	case 1:
		return sinks[0], nil
	default:
		return zapcore.NewTee(sinks...), nil
	}
}

// redactingCore applies the level floor and redaction rules before entries
// reach a core that does its own encoding.
type redactingCore struct {
	zapcore.Core
	level zapcore.LevelEnabler
	rules *RedactingEncoder
}

func (c redactingCore) Enabled(l zapcore.Level) bool {
	return c.level.Enabled(l) && c.Core.Enabled(l)
}

func (c redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return redactingCore{Core: c.Core.With(c.redact(fields)), level: c.level, rules: c.rules}
}

func (c redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, c.redact(fields))
}

func (c redactingCore) redact(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = c.rules.redactField(f)
	}
	return out
}

// stdoutCore writes redacted entries to w. With sampling on, entries below
// error level are sampled per message and errors are always written.
func stdoutCore(cfg *Config, w zapcore.WriteSyncer) (zapcore.Core, error) {
	enc, err := NewRedactingEncoder(encoderFor(cfg.Format), cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("redacting encoder: %w", err)
	}
	if !cfg.Sampling.Enabled {
		return zapcore.NewCore(enc, w, cfg.Level), nil
	}

	floor := cfg.Level
	severe := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= floor && l >= zapcore.ErrorLevel
	})
	routine := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= floor && l < zapcore.ErrorLevel
	})

	sampled := zapcore.NewSamplerWithOptions(
		zapcore.NewCore(enc, w, routine),
		cfg.Sampling.Tick.Duration(),
		cfg.Sampling.Initial,
		cfg.Sampling.Thereafter,
	)
	return zapcore.NewTee(zapcore.NewCore(enc, w, severe), sampled), nil
}

func encoderFor(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}
