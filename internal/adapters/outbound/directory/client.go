// Package directory resolves a caller's group memberships when the identity
// token carries no group claim.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sufield/devicefleet/internal/adapters/outbound/httpclient"
	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
)

// GroupsPath is the lookup endpoint relative to the base URL.
const GroupsPath = "/me/groups"

// Client implements ports.GroupLookup.
type Client struct {
	http    *httpclient.Client
	baseURL string
}

var _ ports.GroupLookup = (*Client)(nil)

// New returns a Client.
func New(hc *httpclient.Client, baseURL string) (*Client, error) {
	if hc == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("directory base URL is required")
	}
	return &Client{http: hc, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Groups implements ports.GroupLookup.
func (c *Client) Groups(ctx context.Context, accessToken string) ([]string, error) {
	reply, err := c.http.DoJSON(ctx, "group lookup", http.MethodGet, c.baseURL+GroupsPath,
		map[string]string{"Authorization": "Bearer " + accessToken}, nil)
	if err != nil {
		return nil, err
	}

	var body struct {
		Groups  []string `json:"groups"`
		Message string   `json:"message"`
	}
	_ = reply.Decode(&body)

	switch {
	case reply.OK():
		return body.Groups, nil
	case reply.StatusCode == http.StatusUnauthorized || reply.StatusCode == http.StatusForbidden:
		return nil, &domain.AuthError{Reason: "token rejected by directory", Err: errors.New(body.Message)}
	default:
		return nil, &domain.ConnectivityError{
			Op: "group lookup", Outcome: domain.OutcomeNotSent, StatusCode: reply.StatusCode, Err: errors.New(body.Message),
		}
	}
}
