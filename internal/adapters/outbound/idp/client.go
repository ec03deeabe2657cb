// Package idp is the credential store adapter: a JSON-over-HTTP client for
// the identity provider that issues, refreshes and revokes tokens.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sufield/devicefleet/internal/adapters/outbound/httpclient"
	"github.com/sufield/devicefleet/internal/clock"
	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
)

// Challenge names used on the wire.
const (
	ChallengeSMSMFA           = "SMS_MFA"
	ChallengeSoftwareTokenMFA = "SOFTWARE_TOKEN_MFA"
	ChallengeNewPassword      = "NEW_PASSWORD_REQUIRED"
)

// Error codes used on the wire.
const (
	CodeNotAuthorized   = "NotAuthorizedException"
	CodeUserNotFound    = "UserNotFoundException"
	CodeCodeMismatch    = "CodeMismatchException"
	CodeExpiredCode     = "ExpiredCodeException"
	CodeInvalidPassword = "InvalidPasswordException"
	CodeResetRequired   = "PasswordResetRequiredException"
)

const defaultTokenLifetime = time.Hour

// Config configures a Client.
type Config struct {
	BaseURL     string
	ClientID    string
	GroupClaims []string
}

// Client implements ports.IdentityProvider.
type Client struct {
	http     *httpclient.Client
	baseURL  string
	clientID string
	claims   ClaimsParser
	clock    clock.Clock
}

var _ ports.IdentityProvider = (*Client)(nil)

// New returns a Client.
func New(hc *httpclient.Client, cfg Config, clk clock.Clock) (*Client, error) {
	if hc == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("identity provider base URL is required")
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Client{
		http:     hc,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		clientID: cfg.ClientID,
		claims:   ClaimsParser{GroupClaims: cfg.GroupClaims},
		clock:    clk,
	}, nil
}

type initiateRequest struct {
	ClientID string `json:"clientId"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type challengeRequest struct {
	ClientID      string `json:"clientId"`
	ChallengeName string `json:"challengeName"`
	Session       string `json:"session"`
	Username      string `json:"username"`
	Code          string `json:"code,omitempty"`
	NewPassword   string `json:"newPassword,omitempty"`
}

type refreshRequest struct {
	ClientID     string `json:"clientId"`
	RefreshToken string `json:"refreshToken"`
}

type revokeRequest struct {
	ClientID string `json:"clientId"`
	Token    string `json:"token"`
}

type authResult struct {
	AccessToken  string `json:"accessToken"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

type authReply struct {
	AuthenticationResult *authResult `json:"authenticationResult"`
	ChallengeName        string      `json:"challengeName"`
	Session              string      `json:"session"`
}

type errorReply struct {
	Type    string `json:"__type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e errorReply) code() string {
	if e.Code != "" {
		return e.Code
	}
	// Some providers prefix the type with a namespace.
	if i := strings.LastIndex(e.Type, "#"); i >= 0 {
		return e.Type[i+1:]
	}
	return e.Type
}

// InitiateAuth implements ports.IdentityProvider.
func (c *Client) InitiateAuth(ctx context.Context, username, password string) (ports.AuthResponse, error) {
	reply, err := c.post(ctx, "initiate auth", "/auth/initiate", initiateRequest{
		ClientID: c.clientID, Username: username, Password: password,
	})
	if err != nil {
		return ports.AuthResponse{}, err
	}
	if !reply.OK() {
		e := decodeError(reply)
		switch e.code() {
		case CodeNotAuthorized, CodeUserNotFound:
			// An unknown user is reported exactly like a bad password.
			return ports.AuthResponse{}, &domain.CredentialError{Username: username}
		case CodeResetRequired:
			return ports.AuthResponse{}, &domain.CredentialError{Username: username, Message: "password reset required by administrator"}
		}
		return ports.AuthResponse{}, c.unexpected("initiate auth", reply, e)
	}
	return c.authResponse(reply)
}

// RespondMFA implements ports.IdentityProvider.
func (c *Client) RespondMFA(ctx context.Context, attempt domain.Attempt, code string) (ports.AuthResponse, error) {
	medium := attempt.MFAMedium
	if medium == "" {
		medium = ChallengeSMSMFA
	}
	return c.respond(ctx, "respond to MFA challenge", attempt, challengeRequest{
		ClientID:      c.clientID,
		ChallengeName: medium,
		Session:       attempt.Handle,
		Username:      attempt.Username,
		Code:          code,
	})
}

// RespondNewPassword implements ports.IdentityProvider.
func (c *Client) RespondNewPassword(ctx context.Context, attempt domain.Attempt, newPassword string) (ports.AuthResponse, error) {
	return c.respond(ctx, "respond to new password challenge", attempt, challengeRequest{
		ClientID:      c.clientID,
		ChallengeName: ChallengeNewPassword,
		Session:       attempt.Handle,
		Username:      attempt.Username,
		NewPassword:   newPassword,
	})
}

func (c *Client) respond(ctx context.Context, op string, attempt domain.Attempt, body challengeRequest) (ports.AuthResponse, error) {
	reply, err := c.post(ctx, op, "/auth/challenge", body)
	if err != nil {
		return ports.AuthResponse{}, err
	}
	if !reply.OK() {
		e := decodeError(reply)
		switch e.code() {
		case CodeCodeMismatch:
			return ports.AuthResponse{}, &domain.ChallengeError{Challenge: attempt.Challenge, Message: "one-time code is incorrect"}
		case CodeExpiredCode:
			return ports.AuthResponse{}, &domain.ChallengeError{Challenge: attempt.Challenge, Message: "one-time code has expired"}
		case CodeInvalidPassword:
			return ports.AuthResponse{}, &domain.ChallengeError{Challenge: attempt.Challenge, Message: domain.ReasonPasswordPolicy, Violations: nonEmpty(e.Message)}
		case CodeNotAuthorized:
			return ports.AuthResponse{}, &domain.CredentialError{Username: attempt.Username, Message: "sign-in attempt expired"}
		}
		return ports.AuthResponse{}, c.unexpected(op, reply, e)
	}
	return c.authResponse(reply)
}

// Refresh implements ports.IdentityProvider.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (ports.Tokens, error) {
	reply, err := c.post(ctx, "refresh token", "/auth/refresh", refreshRequest{ClientID: c.clientID, RefreshToken: refreshToken})
	if err != nil {
		return ports.Tokens{}, err
	}
	if !reply.OK() {
		e := decodeError(reply)
		if e.code() == CodeNotAuthorized || reply.StatusCode == http.StatusUnauthorized {
			return ports.Tokens{}, &domain.AuthError{Reason: "refresh token rejected", Err: errors.New(e.Message)}
		}
		return ports.Tokens{}, c.unexpected("refresh token", reply, e)
	}
	resp, err := c.authResponse(reply)
	if err != nil {
		return ports.Tokens{}, err
	}
	if resp.Tokens == nil {
		return ports.Tokens{}, fmt.Errorf("%w: refresh answered with a challenge", ports.ErrProviderUnavailable)
	}
	return *resp.Tokens, nil
}

// Revoke implements ports.IdentityProvider.
func (c *Client) Revoke(ctx context.Context, refreshToken string) error {
	reply, err := c.post(ctx, "revoke token", "/auth/revoke", revokeRequest{ClientID: c.clientID, Token: refreshToken})
	if err != nil {
		return err
	}
	if !reply.OK() {
		return c.unexpected("revoke token", reply, decodeError(reply))
	}
	return nil
}

// IdentityFromTokens implements ports.IdentityProvider.
func (c *Client) IdentityFromTokens(tokens ports.Tokens) (*domain.UserIdentity, error) {
	if tokens.IDToken == "" {
		return nil, fmt.Errorf("token set has no identity token")
	}
	return c.claims.Parse(tokens.IDToken)
}

func (c *Client) post(ctx context.Context, op, path string, body any) (httpclient.Reply, error) {
	return c.http.DoJSON(ctx, op, http.MethodPost, c.baseURL+path, nil, body)
}

func (c *Client) authResponse(reply httpclient.Reply) (ports.AuthResponse, error) {
	var r authReply
	if err := reply.Decode(&r); err != nil {
		return ports.AuthResponse{}, fmt.Errorf("%w: decode auth reply: %v", ports.ErrProviderUnavailable, err)
	}
	if r.AuthenticationResult != nil {
		return ports.AuthResponse{Tokens: c.tokens(*r.AuthenticationResult)}, nil
	}
	switch r.ChallengeName {
	case ChallengeSMSMFA, ChallengeSoftwareTokenMFA:
		return ports.AuthResponse{Challenge: domain.ChallengeMultiFactor, MFAMedium: r.ChallengeName, Handle: r.Session}, nil
	case ChallengeNewPassword:
		return ports.AuthResponse{Challenge: domain.ChallengeCredentialReset, Handle: r.Session}, nil
	case "":
		return ports.AuthResponse{}, fmt.Errorf("%w: reply has neither tokens nor a challenge", ports.ErrProviderUnavailable)
	default:
		return ports.AuthResponse{}, fmt.Errorf("%w: unsupported challenge %q", ports.ErrProviderUnavailable, r.ChallengeName)
	}
}

func (c *Client) tokens(r authResult) *ports.Tokens {
	t := &ports.Tokens{AccessToken: r.AccessToken, IDToken: r.IDToken, RefreshToken: r.RefreshToken}
	switch {
	case r.ExpiresIn > 0:
		t.ExpiresAt = c.clock.Now().Add(time.Duration(r.ExpiresIn) * time.Second)
	default:
		t.ExpiresAt = tokenExpiry(r.AccessToken)
		if t.ExpiresAt.IsZero() {
			t.ExpiresAt = c.clock.Now().Add(defaultTokenLifetime)
		}
	}
	return t
}

func (c *Client) unexpected(op string, reply httpclient.Reply, e errorReply) error {
	if reply.StatusCode >= 500 {
		return &domain.ConnectivityError{
			Op: op, Outcome: domain.OutcomeUnknown, StatusCode: reply.StatusCode, Err: errors.New(e.Message),
		}
	}
	return fmt.Errorf("%w: %s: status %d: %s %s", ports.ErrProviderUnavailable, op, reply.StatusCode, e.code(), e.Message)
}

func decodeError(reply httpclient.Reply) errorReply {
	var e errorReply
	if err := reply.Decode(&e); err != nil {
		e.Message = strings.TrimSpace(string(reply.Body))
	}
	return e
}

func nonEmpty(s string) []string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return []string{s}
}
