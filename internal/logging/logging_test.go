package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sufield/devicefleet/internal/ports"
)

func TestNew(t *testing.T) {
	log, err := New(Options{Level: "debug"})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))

	log, err = New(Options{Development: true})
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = New(Options{Level: "loud"})
	assert.ErrorContains(t, err, "invalid log level")
}

func TestAuditSink_Denial(t *testing.T) {
	core, obs := observer.New(zap.InfoLevel)
	sink := NewAuditSink(zap.New(core))

	sink.Record(context.Background(), ports.AuditEvent{
		Time:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Action:     ports.AuditAuthorizationDenied,
		Subject:    "user-7",
		Capability: "Deploy",
		Required:   []string{"Administrators"},
		Actual:     []string{},
	})

	require.Equal(t, 1, obs.Len())
	entry := obs.All()[0]
	assert.Equal(t, zap.WarnLevel, entry.Level)
	assert.Equal(t, "audit", entry.LoggerName)
	assert.Equal(t, ports.AuditAuthorizationDenied, entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "user-7", fields["subject"])
	assert.Equal(t, "Deploy", fields["capability"])
	assert.Contains(t, fields, "actual")
}

func TestAuditSink_TransitionOmitsEmptyFields(t *testing.T) {
	core, obs := observer.New(zap.InfoLevel)
	sink := NewAuditSink(zap.New(core))

	sink.Record(context.Background(), ports.AuditEvent{
		Action:    ports.AuditTransitionSubmitted,
		Subject:   "user-7",
		Kind:      "Deploy",
		DeviceID:  "CROW-42",
		RequestID: "req-1",
	})

	require.Equal(t, 1, obs.Len())
	entry := obs.All()[0]
	assert.Equal(t, zap.InfoLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "CROW-42", fields["device_id"])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.NotContains(t, fields, "capability")
	assert.NotContains(t, fields, "outcome")
}

func TestNewAuditSink_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		NewAuditSink(nil).Record(context.Background(), ports.AuditEvent{Action: ports.AuditSignOut})
	})
}
