package idp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/devicefleet/internal/adapters/outbound/httpclient"
	"github.com/sufield/devicefleet/internal/clock"
	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
	"github.com/sufield/devicefleet/internal/testhelpers"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	hc, err := httpclient.New(context.Background(), httpclient.Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = hc.Close() })
	c, err := New(hc, Config{BaseURL: baseURL, ClientID: "console"}, clock.NewFake(now))
	require.NoError(t, err)
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	hc, err := httpclient.New(context.Background(), httpclient.Options{})
	require.NoError(t, err)
	_, err = New(hc, Config{}, nil)
	assert.Error(t, err)
	_, err = New(nil, Config{BaseURL: "http://idp"}, nil)
	assert.Error(t, err)
}

func TestInitiateAuth_Tokens(t *testing.T) {
	fake := testhelpers.NewFakeIdP(t)
	fake.AddUser(testhelpers.FakeUser{Username: "ana", Password: "pw", Subject: "sub-ana", Groups: []string{"Operators"}})
	c := newClient(t, fake.URL())

	resp, err := c.InitiateAuth(context.Background(), "ana", "pw")
	require.NoError(t, err)
	require.NotNil(t, resp.Tokens)
	assert.Equal(t, domain.ChallengeNone, resp.Challenge)
	assert.NotEmpty(t, resp.Tokens.AccessToken)
	assert.NotEmpty(t, resp.Tokens.RefreshToken)
	assert.Equal(t, now.Add(time.Hour), resp.Tokens.ExpiresAt)

	id, err := c.IdentityFromTokens(*resp.Tokens)
	require.NoError(t, err)
	assert.Equal(t, "sub-ana", id.Subject)
	assert.Equal(t, "ana", id.Username)
	assert.True(t, id.Groups.Contains("Operators"))
}

func TestInitiateAuth_BadCredentialsLookAlike(t *testing.T) {
	fake := testhelpers.NewFakeIdP(t)
	fake.AddUser(testhelpers.FakeUser{Username: "ana", Password: "pw", Subject: "sub-ana"})
	c := newClient(t, fake.URL())

	_, wrongPassword := c.InitiateAuth(context.Background(), "ana", "nope")
	_, unknownUser := c.InitiateAuth(context.Background(), "bob", "pw")
	require.ErrorIs(t, wrongPassword, domain.ErrCredential)
	require.ErrorIs(t, unknownUser, domain.ErrCredential)
	assert.Equal(t, "invalid credentials", unknownUser.Error())
}

func TestInitiateAuth_Challenges(t *testing.T) {
	fake := testhelpers.NewFakeIdP(t)
	fake.AddUser(testhelpers.FakeUser{Username: "mfa", Password: "pw", Subject: "s1", MFA: ChallengeSoftwareTokenMFA, Code: "42"})
	fake.AddUser(testhelpers.FakeUser{Username: "reset", Password: "pw", Subject: "s2", MustReset: true})
	c := newClient(t, fake.URL())

	resp, err := c.InitiateAuth(context.Background(), "mfa", "pw")
	require.NoError(t, err)
	assert.Equal(t, domain.ChallengeMultiFactor, resp.Challenge)
	assert.Equal(t, ChallengeSoftwareTokenMFA, resp.MFAMedium)
	assert.NotEmpty(t, resp.Handle)

	attempt := domain.Attempt{ID: "a", Username: "mfa", Challenge: resp.Challenge, MFAMedium: resp.MFAMedium, Handle: resp.Handle}
	_, err = c.RespondMFA(context.Background(), attempt, "0")
	var ce *domain.ChallengeError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, domain.ChallengeMultiFactor, ce.Challenge)

	done, err := c.RespondMFA(context.Background(), attempt, "42")
	require.NoError(t, err)
	assert.NotNil(t, done.Tokens)
	assert.Equal(t, resp.Handle, fake.LastChallengeHandle())

	// The handle is consumed; reusing it means the attempt is gone.
	_, err = c.RespondMFA(context.Background(), attempt, "42")
	assert.ErrorIs(t, err, domain.ErrCredential)

	resp, err = c.InitiateAuth(context.Background(), "reset", "pw")
	require.NoError(t, err)
	assert.Equal(t, domain.ChallengeCredentialReset, resp.Challenge)
	attempt = domain.Attempt{ID: "b", Username: "reset", Challenge: resp.Challenge, Handle: resp.Handle}

	_, err = c.RespondNewPassword(context.Background(), attempt, "short")
	require.True(t, errors.As(err, &ce))
	assert.NotEmpty(t, ce.Violations)

	done, err = c.RespondNewPassword(context.Background(), attempt, "N3w-Passw0rd")
	require.NoError(t, err)
	assert.NotNil(t, done.Tokens)
}

func TestRefresh(t *testing.T) {
	fake := testhelpers.NewFakeIdP(t)
	fake.AddUser(testhelpers.FakeUser{Username: "ana", Password: "pw", Subject: "sub-ana"})
	c := newClient(t, fake.URL())

	resp, err := c.InitiateAuth(context.Background(), "ana", "pw")
	require.NoError(t, err)

	fresh, err := c.Refresh(context.Background(), resp.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, resp.Tokens.AccessToken, fresh.AccessToken)
	assert.Empty(t, fresh.RefreshToken, "the provider does not rotate refresh tokens")

	require.NoError(t, c.Revoke(context.Background(), resp.Tokens.RefreshToken))
	_, err = c.Refresh(context.Background(), resp.Tokens.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestProviderDown(t *testing.T) {
	fake := testhelpers.NewFakeIdP(t)
	fake.SetDown(true)
	c := newClient(t, fake.URL())

	_, err := c.InitiateAuth(context.Background(), "ana", "pw")
	require.ErrorIs(t, err, domain.ErrConnectivity)
	assert.NotErrorIs(t, err, domain.ErrCredential)

	err = c.Revoke(context.Background(), "rt")
	assert.ErrorIs(t, err, domain.ErrConnectivity)
}

func TestProviderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := newClient(t, url)

	_, err := c.InitiateAuth(context.Background(), "ana", "pw")
	require.ErrorIs(t, err, domain.ErrConnectivity)
	assert.False(t, domain.EffectUnknown(err))
}

func TestAuthResponse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>`},
		{"empty object", `{}`},
		{"unsupported challenge", `{"challengeName":"CUSTOM_CHALLENGE","session":"h"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			c := newClient(t, srv.URL)

			_, err := c.InitiateAuth(context.Background(), "ana", "pw")
			require.Error(t, err)
			assert.NotErrorIs(t, err, domain.ErrCredential)
			assert.NotErrorIs(t, err, domain.ErrConnectivity)
		})
	}
}

func TestErrorReply_Code(t *testing.T) {
	assert.Equal(t, "NotAuthorizedException", errorReply{Type: "com.amazonaws#NotAuthorizedException"}.code())
	assert.Equal(t, "X", errorReply{Type: "Y", Code: "X"}.code())
	assert.Equal(t, "Y", errorReply{Type: "Y"}.code())
}

func TestIdentityFromTokens_NoIDToken(t *testing.T) {
	c := newClient(t, "http://idp.invalid")
	_, err := c.IdentityFromTokens(ports.Tokens{})
	assert.Error(t, err)
}
