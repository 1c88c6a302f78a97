// Package logging builds the zap logger and carries per-call trace fields.
package logging

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	Level   string `yaml:"level"`  // debug | info | warn | error
	Format  string `yaml:"format"` // json | console
	Service string `yaml:"service"`
}

// New builds a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}

	var zc zap.Config
	switch cfg.Format {
	case "", "json":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	if cfg.Service != "" {
		logger = logger.With(zap.String("service", cfg.Service))
	}
	return logger, nil
}

// Trace identifies the call a log line belongs to. It is passed explicitly
// through the turn pipeline.
type Trace struct {
	TraceID string
	UserID  string
	CallSID string
}

// NewTrace starts a trace with a fresh ID.
func NewTrace(userID, callSID string) Trace {
	return Trace{TraceID: uuid.NewString(), UserID: userID, CallSID: callSID}
}

// Fields returns the non-empty trace fields.
func (t Trace) Fields() []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if t.TraceID != "" {
		fields = append(fields, zap.String("trace_id", t.TraceID))
	}
	if t.UserID != "" {
		fields = append(fields, zap.String("user_id", t.UserID))
	}
	if t.CallSID != "" {
		fields = append(fields, zap.String("call_sid", t.CallSID))
	}
	return fields
}

// Logger derives a child of base carrying the trace fields.
func (t Trace) Logger(base *zap.Logger) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return base.With(t.Fields()...)
}

// Timed logs the duration of op at debug level when the returned func runs.
//
//	defer logging.Timed(logger, "generate")()
func Timed(logger *zap.Logger, op string) func() {
	start := time.Now()
	return func() {
		logger.Debug("execution time", zap.String("op", op), zap.Duration("duration", time.Since(start)))
	}
}
