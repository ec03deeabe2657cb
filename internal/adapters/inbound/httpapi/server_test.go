package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
)

type mockConsole struct {
	mock.Mock
}

var _ ports.Console = (*mockConsole)(nil)

func (m *mockConsole) Session() domain.Session {
	return m.Called().Get(0).(domain.Session)
}

func (m *mockConsole) WaitReady(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockConsole) SignIn(ctx context.Context, in ports.SignInInput) domain.AuthChallengeResult {
	return m.Called(ctx, in).Get(0).(domain.AuthChallengeResult)
}

func (m *mockConsole) CompleteCredentialReset(ctx context.Context, pw string) domain.AuthChallengeResult {
	return m.Called(ctx, pw).Get(0).(domain.AuthChallengeResult)
}

func (m *mockConsole) SignOut(ctx context.Context) { m.Called(ctx) }

func (m *mockConsole) Authorized(ctx context.Context, required domain.GroupSet) (bool, error) {
	args := m.Called(ctx, required)
	return args.Bool(0), args.Error(1)
}

func (m *mockConsole) Execute(ctx context.Context, kind domain.TransitionKind, params map[string]string) (domain.TransitionOutcome, error) {
	args := m.Called(ctx, kind, params)
	return args.Get(0).(domain.TransitionOutcome), args.Error(1)
}

func (m *mockConsole) Describe(ctx context.Context, id domain.DeviceID) (domain.Device, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Device), args.Error(1)
}

func newTestServer(t *testing.T) (*Server, *mockConsole, *prometheus.Registry) {
	t.Helper()
	console := &mockConsole{}
	reg := prometheus.NewRegistry()
	srv, err := NewServer(console, Options{Addr: "127.0.0.1:0", Registry: reg})
	require.NoError(t, err)
	t.Cleanup(func() { console.AssertExpectations(t) })
	return srv, console, reg
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func adminSession() domain.Session {
	return domain.Session{
		Authenticated: true,
		Subject: &domain.UserIdentity{
			Subject:     "sub-ana",
			Username:    "ana",
			Groups:      domain.NewGroupSet("Administrators"),
			GroupSource: domain.GroupSourceClaims,
		},
	}
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, Options{Addr: ":0"})
	assert.ErrorContains(t, err, "console is required")

	_, err = NewServer(&mockConsole{}, Options{})
	assert.ErrorContains(t, err, "address is required")
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSession(t *testing.T) {
	srv, console, _ := newTestServer(t)
	console.On("Session").Return(adminSession())

	rec := do(t, srv, http.MethodGet, "/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[sessionView](t, rec)
	assert.Equal(t, "authenticated", got.State)
	require.NotNil(t, got.Subject)
	assert.Equal(t, []string{"Administrators"}, got.Subject.Groups)
	assert.Equal(t, "ana", got.Subject.DisplayName)
}

func TestSignIn_MultiFactorHidesHandle(t *testing.T) {
	srv, console, reg := newTestServer(t)
	attempt := &domain.Attempt{
		ID: "att-1", Username: "ana", Challenge: domain.ChallengeMultiFactor,
		MFAMedium: "SMS_MFA", Handle: "secret-handle", StartedAt: time.Now(),
	}
	console.On("SignIn", mock.Anything, ports.SignInInput{Username: "ana", Password: "pw"}).
		Return(domain.NewChallengeResult(domain.Session{PendingChallenge: domain.ChallengeMultiFactor}, attempt))

	rec := do(t, srv, http.MethodPost, "/session/sign-in", `{"username":"ana","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-handle")

	got := decode[signInResponse](t, rec)
	assert.Equal(t, "multi_factor_required", got.Outcome)
	require.NotNil(t, got.Attempt)
	assert.Equal(t, "att-1", got.Attempt.ID)
	assert.Equal(t, "mfa_pending", got.Session.State)

	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.signIns.WithLabelValues("multi_factor_required")))
	count, err := testutil.GatherAndCount(reg, "devicefleet_sign_in_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSignIn_CodeCarriesAttempt(t *testing.T) {
	srv, console, _ := newTestServer(t)
	console.On("SignIn", mock.Anything, mock.MatchedBy(func(in ports.SignInInput) bool {
		return in.ChallengeResponse == "123456" && in.Attempt != nil && in.Attempt.ID == "att-1"
	})).Return(domain.NewSuccessResult(adminSession()))

	rec := do(t, srv, http.MethodPost, "/session/sign-in", `{"username":"ana","code":"123456","attempt_id":"att-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", decode[signInResponse](t, rec).Outcome)
}

func TestSignIn_FailureStatus(t *testing.T) {
	srv, console, _ := newTestServer(t)
	console.On("SignIn", mock.Anything, mock.Anything).Return(domain.NewFailedResult(
		domain.Session{}, domain.ReasonInvalidCredentials, &domain.CredentialError{Username: "ana"}))

	rec := do(t, srv, http.MethodPost, "/session/sign-in", `{"username":"ana","password":"bad"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	got := decode[signInResponse](t, rec)
	require.NotNil(t, got.Error)
	assert.Equal(t, "credential", got.Error.Error)
}

func TestSignIn_RejectsUnknownFields(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/session/sign-in", `{"user":"ana"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReset_PolicyFailure(t *testing.T) {
	srv, console, _ := newTestServer(t)
	policyErr := domain.DefaultPasswordPolicy().Check("short")
	console.On("CompleteCredentialReset", mock.Anything, "short").Return(domain.AuthChallengeResult{
		Outcome: domain.OutcomeFailed,
		Session: domain.Session{PendingChallenge: domain.ChallengeCredentialReset},
		Attempt: &domain.Attempt{ID: "att-2", Challenge: domain.ChallengeCredentialReset},
		Reason:  domain.ReasonPasswordPolicy,
		Err:     policyErr,
	})

	rec := do(t, srv, http.MethodPost, "/session/reset", `{"new_password":"short"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	got := decode[signInResponse](t, rec)
	assert.Equal(t, domain.ReasonPasswordPolicy, got.Reason)
	require.NotNil(t, got.Attempt)
}

func TestSignOut(t *testing.T) {
	srv, console, _ := newTestServer(t)
	console.On("SignOut", mock.Anything).Return()
	console.On("Session").Return(domain.Session{})

	rec := do(t, srv, http.MethodPost, "/session/sign-out", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unauthenticated", decode[sessionView](t, rec).State)
}

func TestAuthorize(t *testing.T) {
	srv, console, _ := newTestServer(t)
	console.On("Authorized", mock.Anything, domain.NewGroupSet("Administrators")).Return(false, nil)

	rec := do(t, srv, http.MethodPost, "/authorize", `{"groups":["Administrators"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"authorized": false}, decode[map[string]bool](t, rec))
}

func TestDescribe(t *testing.T) {
	srv, console, _ := newTestServer(t)
	console.On("Describe", mock.Anything, domain.DeviceID("CROW-42")).
		Return(domain.Device{ID: "CROW-42", Status: domain.StatusReceived, SiteID: "site-1"}, nil)
	console.On("Describe", mock.Anything, domain.DeviceID("GHOST-1")).
		Return(domain.Device{}, domain.ErrDeviceNotFound)

	rec := do(t, srv, http.MethodGet, "/devices/CROW-42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Received", decode[deviceView](t, rec).Status)

	rec = do(t, srv, http.MethodGet, "/devices/GHOST-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransition(t *testing.T) {
	srv, console, _ := newTestServer(t)
	params := map[string]string{"deviceId": "CROW-42", "siteId": "site-1", "workCellId": "cell-3"}
	console.On("Execute", mock.Anything, domain.KindDeploy, params).Return(domain.TransitionOutcome{
		Kind: domain.KindDeploy, DeviceID: "CROW-42", ResultingStatus: domain.StatusDeployed,
		Affected:  []domain.StatusChange{{DeviceID: "CROW-42", Status: domain.StatusDeployed}},
		RequestID: "req-9",
	}, nil)

	rec := do(t, srv, http.MethodPost, "/transitions/deploy", `{"deviceId":"CROW-42","siteId":"site-1","workCellId":"cell-3"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-9", rec.Header().Get("X-Request-Id"))
	got := decode[outcomeView](t, rec)
	assert.Equal(t, "Deployed", got.ResultingStatus)
	require.Len(t, got.Affected, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.transitions.WithLabelValues("Deploy", "ok")))
}

func TestTransition_UnknownKind(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/transitions/teleport", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "transitionKind", decode[errorBody](t, rec).Field)
}

func TestTransition_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		unknown   bool
		retryHint bool
	}{
		{"conflict", &domain.TransitionConflictError{Kind: domain.KindDeploy, DeviceID: "CROW-42", Message: "device is Deployed"}, http.StatusConflict, "conflict", false, false},
		{"forbidden", &domain.AuthorizationError{Capability: "Deploy", Required: []string{"Administrators"}}, http.StatusForbidden, "unauthorized", false, false},
		{"session expired", &domain.AuthError{Reason: "session expired"}, http.StatusUnauthorized, "not_authenticated", false, false},
		{"validation", &domain.ValidationError{Field: "siteId", Reason: "is required"}, http.StatusBadRequest, "validation", false, false},
		{"effect unknown", &domain.ConnectivityError{Op: "deployDevice", Outcome: domain.OutcomeUnknown}, http.StatusGatewayTimeout, "connectivity", true, false},
		{"not sent", &domain.ConnectivityError{Op: "deployDevice", Outcome: domain.OutcomeNotSent}, http.StatusBadGateway, "connectivity", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, console, _ := newTestServer(t)
			console.On("Execute", mock.Anything, domain.KindDeploy, mock.Anything).Return(domain.TransitionOutcome{}, tt.err)

			rec := do(t, srv, http.MethodPost, "/transitions/Deploy", `{"deviceId":"CROW-42"}`)
			assert.Equal(t, tt.status, rec.Code)
			body := decode[errorBody](t, rec)
			assert.Equal(t, tt.code, body.Error)
			assert.Equal(t, tt.unknown, body.EffectUnknown)
			assert.Equal(t, tt.retryHint, rec.Header().Get("Retry-After") != "")
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.metrics.signIns.WithLabelValues("success").Inc()

	rec := do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `devicefleet_sign_in_total{outcome="success"} 1`)
}

func TestStartStop(t *testing.T) {
	srv, console, _ := newTestServer(t)
	console.On("Session").Return(domain.Session{})

	require.NoError(t, srv.Start(context.Background()))
	resp, err := http.Get("http://" + srv.Addr() + "/session")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}
