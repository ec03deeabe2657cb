package app

import (
	"net/http"
	"strings"

	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
)

// Headers attached to every transition request.
const (
	HeaderTransitionStep = "X-Transition-Step"
	HeaderRequestID      = "X-Request-Id"
	HeaderCallerSubject  = "X-Caller-Subject"
)

// DevicesPathPrefix is the path prefix of every transition endpoint.
const DevicesPathPrefix = "/devices/"

// BuildTransitionRequest shapes the outbound request for a validated
// transition. It is pure: the same inputs always produce the same request.
//
// The body is {deviceId, ...parameters}. Parameters that only gate the
// request locally (the Retire confirmation) are left out. For Replace,
// deviceId is the existing device.
func BuildTransitionRequest(req domain.TransitionRequest, requestID string) ports.WireRequest {
	spec, _ := domain.LookupTransition(req.Kind)

	body := make(map[string]string, len(req.Parameters)+1)
	for k, v := range req.Parameters {
		if spec.IsLocal(k) {
			continue
		}
		body[k] = strings.TrimSpace(v)
	}
	body[domain.ParamDeviceID] = string(req.DeviceID)

	headers := map[string]string{
		HeaderTransitionStep: string(req.Kind),
		HeaderRequestID:      requestID,
	}
	if req.Caller != nil && req.Caller.Subject != "" {
		headers[HeaderCallerSubject] = req.Caller.Subject
	}

	return ports.WireRequest{
		Operation:  spec.Operation,
		Method:     http.MethodPost,
		Path:       DevicesPathPrefix + spec.PathSegment,
		StepMarker: string(req.Kind),
		RequestID:  requestID,
		Body:       body,
		Headers:    headers,
	}
}
