package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sufield/devicefleet/internal/clock"
	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
)

// tokenSource is the slice of the SessionManager the engine needs.
type tokenSource interface {
	Token(ctx context.Context) (ports.Token, error)
	Subject() *domain.UserIdentity
}

// LifecycleEngine validates and submits one device transition per call.
//
// It holds no device state. Structurally invalid requests fail locally
// without a network call. Valid ones are sent exactly once and the backend's
// answer is translated into the domain error taxonomy.
type LifecycleEngine struct {
	sessions tokenSource
	api      ports.DeviceAPI
	audit    ports.AuditSink
	clock    clock.Clock
	log      *zap.Logger
	newID    func() string
}

// NewLifecycleEngine returns an engine. newID generates request ids; nil
// means random UUIDs.
func NewLifecycleEngine(sessions tokenSource, api ports.DeviceAPI, audit ports.AuditSink, clk clock.Clock, log *zap.Logger, newID func() string) *LifecycleEngine {
	if audit == nil {
		audit = nopAudit{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if newID == nil {
		newID = newUUID
	}
	return &LifecycleEngine{sessions: sessions, api: api, audit: audit, clock: clk, log: log, newID: newID}
}

// Validate runs the local structural checks for kind.
func (e *LifecycleEngine) Validate(kind domain.TransitionKind, params map[string]string) error {
	return domain.ValidateTransition(kind, params)
}

// Execute validates params, then submits the transition once.
//
// A cancelled or timed-out ctx after submission yields a
// *domain.ConnectivityError with OutcomeUnknown: the transition may or may
// not have happened and is not retried.
func (e *LifecycleEngine) Execute(ctx context.Context, kind domain.TransitionKind, params map[string]string) (domain.TransitionOutcome, error) {
	req, err := domain.NewTransitionRequest(kind, params, e.sessions.Subject())
	if err != nil {
		return domain.TransitionOutcome{}, err
	}
	token, err := e.sessions.Token(ctx)
	if err != nil {
		return domain.TransitionOutcome{}, err
	}

	wire := BuildTransitionRequest(req, e.newID())
	log := e.log.With(
		zap.String("kind", string(kind)),
		zap.String("device_id", req.DeviceID.String()),
		zap.String("request_id", wire.RequestID))
	e.record(ctx, ports.AuditTransitionSubmitted, req, wire.RequestID, "submitted", "")

	resp, err := e.api.Submit(ctx, token.Value, wire)
	if err != nil {
		err = asConnectivity(wire.Operation, err)
		log.Warn("transition delivery failed", zap.Error(err), zap.Bool("effect_unknown", domain.EffectUnknown(err)))
		e.record(ctx, ports.AuditTransitionResult, req, wire.RequestID, "error", err.Error())
		return domain.TransitionOutcome{}, err
	}

	outcome, err := interpretTransition(req, wire.RequestID, resp)
	if err != nil {
		log.Info("transition rejected", zap.Int("status", resp.StatusCode), zap.Error(err))
		e.record(ctx, ports.AuditTransitionResult, req, wire.RequestID, "rejected", err.Error())
		return domain.TransitionOutcome{}, err
	}
	log.Info("transition applied", zap.String("resulting_status", outcome.ResultingStatus.String()))
	e.record(ctx, ports.AuditTransitionResult, req, wire.RequestID, "applied", outcome.ResultingStatus.String())
	return outcome, nil
}

// Describe fetches the backend's current record for one device.
func (e *LifecycleEngine) Describe(ctx context.Context, id domain.DeviceID) (domain.Device, error) {
	if err := id.Validate(); err != nil {
		return domain.Device{}, err
	}
	token, err := e.sessions.Token(ctx)
	if err != nil {
		return domain.Device{}, err
	}
	resp, err := e.api.Get(ctx, token.Value, id)
	if err != nil {
		return domain.Device{}, asConnectivity("getDevice", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Device{}, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	case resp.StatusCode == http.StatusUnauthorized:
		return domain.Device{}, &domain.AuthError{Reason: "token rejected by device API", Err: errors.New(resp.Message)}
	case resp.StatusCode == http.StatusForbidden:
		return domain.Device{}, &domain.AuthorizationError{Capability: "describe", Message: resp.Message}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return domain.Device{}, &domain.ConnectivityError{
			Op: "getDevice", Outcome: domain.OutcomeNotSent, StatusCode: resp.StatusCode, Err: errors.New(resp.Message),
		}
	}

	report := ports.DeviceReport{DeviceID: string(id), Status: resp.Status}
	for _, d := range resp.Devices {
		if d.DeviceID == string(id) {
			report = d
			break
		}
	}
	status, err := domain.ParseDeviceStatus(report.Status)
	if err != nil {
		return domain.Device{}, fmt.Errorf("%w: %v", ports.ErrBackendUnavailable, err)
	}
	return domain.Device{ID: id, Status: status, SiteID: report.SiteID, WorkCellID: report.WorkCellID}, nil
}

// interpretTransition maps a backend reply onto an outcome or a typed error.
func interpretTransition(req domain.TransitionRequest, requestID string, resp ports.DeviceResponse) (domain.TransitionOutcome, error) {
	spec, _ := domain.LookupTransition(req.Kind)
	code := resp.StatusCode

	switch {
	case code >= 200 && code <= 299:
		return successOutcome(spec, req, requestID, resp), nil
	case code == http.StatusConflict || code == http.StatusNotFound || code == http.StatusPreconditionFailed:
		return domain.TransitionOutcome{}, &domain.TransitionConflictError{
			Kind: req.Kind, DeviceID: req.DeviceID, Message: resp.Message, StatusCode: code,
		}
	case code == http.StatusUnauthorized:
		return domain.TransitionOutcome{}, &domain.AuthError{Reason: "token rejected by device API", Err: errors.New(resp.Message)}
	case code == http.StatusForbidden:
		var actual []string
		if req.Caller != nil {
			actual = req.Caller.Groups.Names()
		}
		return domain.TransitionOutcome{}, &domain.AuthorizationError{
			Capability: string(req.Kind), Actual: actual, Message: resp.Message,
		}
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return domain.TransitionOutcome{}, &domain.ValidationError{Reason: "rejected by backend: " + resp.Message}
	default:
		return domain.TransitionOutcome{}, &domain.ConnectivityError{
			Op:         spec.Operation,
			Outcome:    domain.OutcomeUnknown,
			StatusCode: code,
			Err:        errors.New(strings.TrimSpace(resp.Message)),
		}
	}
}

func successOutcome(spec domain.TransitionSpec, req domain.TransitionRequest, requestID string, resp ports.DeviceResponse) domain.TransitionOutcome {
	out := domain.TransitionOutcome{
		Kind:            req.Kind,
		DeviceID:        spec.ResultDevice(req.Parameters),
		ResultingStatus: spec.Result,
		Message:         resp.Message,
		RequestID:       requestID,
	}
	if s, err := domain.ParseDeviceStatus(resp.Status); err == nil {
		out.ResultingStatus = s
	}

	for _, d := range resp.Devices {
		s, err := domain.ParseDeviceStatus(d.Status)
		if err != nil {
			continue
		}
		out.Affected = append(out.Affected, domain.StatusChange{DeviceID: domain.DeviceID(d.DeviceID), Status: s})
		if domain.DeviceID(d.DeviceID) == out.DeviceID && resp.Status == "" {
			out.ResultingStatus = s
		}
	}
	if len(out.Affected) == 0 {
		out.Affected = append(out.Affected, domain.StatusChange{DeviceID: out.DeviceID, Status: out.ResultingStatus})
		if req.Kind == domain.KindReplace {
			out.Affected = append(out.Affected, domain.StatusChange{DeviceID: req.DeviceID, Status: domain.StatusRetired})
		}
	}
	return out
}

// asConnectivity makes sure a transport failure carries the taxonomy type.
func asConnectivity(op string, err error) error {
	var ce *domain.ConnectivityError
	if errors.As(err, &ce) {
		return err
	}
	return &domain.ConnectivityError{Op: op, Outcome: domain.OutcomeUnknown, Err: err}
}

func (e *LifecycleEngine) record(ctx context.Context, action string, req domain.TransitionRequest, requestID, outcome, detail string) {
	subject := ""
	if req.Caller != nil {
		subject = req.Caller.Subject
	}
	e.audit.Record(ctx, ports.AuditEvent{
		Time:      e.clock.Now(),
		Action:    action,
		Subject:   subject,
		Kind:      string(req.Kind),
		DeviceID:  req.DeviceID.String(),
		RequestID: requestID,
		Outcome:   outcome,
		Detail:    detail,
	})
}
