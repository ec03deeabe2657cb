// Package logging builds the process logger and the audit sink.
package logging

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sufield/devicefleet/internal/ports"
)

// Options selects the logger configuration.
type Options struct {
	// Level is a zap level name ("debug", "info", "warn", "error"). Empty means info.
	Level string
	// Development switches to the console encoder with colored levels.
	Development bool
}

// New builds a zap logger.
func New(opts Options) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if opts.Development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if lvl := strings.TrimSpace(opts.Level); lvl != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(lvl)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", lvl, err)
		}
		config.Level = zap.NewAtomicLevelAt(level)
	}

	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return config.Build()
}

// AuditSink writes audit events as structured log entries on a dedicated
// named logger.
type AuditSink struct {
	log *zap.Logger
}

var _ ports.AuditSink = (*AuditSink)(nil)

// NewAuditSink returns a sink writing to log.Named("audit").
func NewAuditSink(log *zap.Logger) *AuditSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditSink{log: log.Named("audit")}
}

// Record implements ports.AuditSink.
func (s *AuditSink) Record(_ context.Context, ev ports.AuditEvent) {
	fields := []zap.Field{
		zap.Time("at", ev.Time),
		zap.String("subject", ev.Subject),
	}
	if ev.Capability != "" {
		fields = append(fields, zap.String("capability", ev.Capability))
	}
	if len(ev.Required) > 0 {
		fields = append(fields, zap.Strings("required", ev.Required))
	}
	if ev.Actual != nil {
		fields = append(fields, zap.Strings("actual", ev.Actual))
	}
	if ev.Kind != "" {
		fields = append(fields, zap.String("kind", ev.Kind))
	}
	if ev.DeviceID != "" {
		fields = append(fields, zap.String("device_id", ev.DeviceID))
	}
	if ev.RequestID != "" {
		fields = append(fields, zap.String("request_id", ev.RequestID))
	}
	if ev.Outcome != "" {
		fields = append(fields, zap.String("outcome", ev.Outcome))
	}
	if ev.Detail != "" {
		fields = append(fields, zap.String("detail", ev.Detail))
	}

	if ev.Action == ports.AuditAuthorizationDenied {
		s.log.Warn(ev.Action, fields...)
		return
	}
	s.log.Info(ev.Action, fields...)
}
