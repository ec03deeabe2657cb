// Package deviceapi is the device management boundary: it sends transition
// requests and device reads to the backend system of record over HTTP.
package deviceapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sufield/devicefleet/internal/adapters/outbound/httpclient"
	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
)

// Client implements ports.DeviceAPI. It never retries.
type Client struct {
	http    *httpclient.Client
	baseURL string
}

var _ ports.DeviceAPI = (*Client)(nil)

// New returns a Client.
func New(hc *httpclient.Client, baseURL string) (*Client, error) {
	if hc == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("device API base URL is required")
	}
	return &Client{http: hc, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

type reply struct {
	Message string               `json:"message"`
	Status  string               `json:"status"`
	Devices []ports.DeviceReport `json:"devices"`
}

// Submit implements ports.DeviceAPI.
func (c *Client) Submit(ctx context.Context, accessToken string, req ports.WireRequest) (ports.DeviceResponse, error) {
	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	headers["Authorization"] = "Bearer " + accessToken

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	r, err := c.http.DoJSON(ctx, req.Operation, method, c.baseURL+req.Path, headers, req.Body)
	if err != nil {
		return ports.DeviceResponse{}, err
	}

	// An unparseable body leaves the fields empty; a 2xx still counts.
	var body reply
	if err := r.Decode(&body); err != nil {
		body = reply{}
	}
	if body.Message == "" && !r.OK() {
		body.Message = strings.TrimSpace(string(r.Body))
	}
	return ports.DeviceResponse{
		StatusCode: r.StatusCode,
		Message:    body.Message,
		Status:     body.Status,
		Devices:    body.Devices,
	}, nil
}

// Get implements ports.DeviceAPI.
func (c *Client) Get(ctx context.Context, accessToken string, id domain.DeviceID) (ports.DeviceResponse, error) {
	r, err := c.http.DoJSON(ctx, "getDevice", http.MethodGet, c.baseURL+"/devices/"+url.PathEscape(string(id)),
		map[string]string{"Authorization": "Bearer " + accessToken}, nil)
	if err != nil {
		return ports.DeviceResponse{}, err
	}

	resp := ports.DeviceResponse{StatusCode: r.StatusCode}
	if !r.OK() {
		var body reply
		if err := r.Decode(&body); err == nil {
			resp.Message = body.Message
		} else {
			resp.Message = strings.TrimSpace(string(r.Body))
		}
		return resp, nil
	}

	var report ports.DeviceReport
	if err := r.Decode(&report); err != nil {
		return ports.DeviceResponse{}, fmt.Errorf("%w: decode device: %v", ports.ErrBackendUnavailable, err)
	}
	resp.Status = report.Status
	resp.Devices = []ports.DeviceReport{report}
	return resp, nil
}
