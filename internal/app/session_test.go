package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/devicefleet/internal/app"
	"github.com/sufield/devicefleet/internal/bg"
	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
	"github.com/sufield/devicefleet/internal/testhelpers"
)

func TestSignIn_Success(t *testing.T) {
	h := newHarness(t)
	h.idp.AddUser(testhelpers.FakeUser{
		Username: "ana", Password: "Passw0rd!", Subject: "sub-ana", Name: "Ana Lima",
		Email: "ana@example.com", Groups: []string{"Administrators"},
	})

	res := h.signIn("ana", "Passw0rd!")
	require.Equal(t, domain.OutcomeSuccess, res.Outcome, "sign-in failed: %v", res.Err)
	require.NoError(t, res.Session.Validate())
	assert.True(t, res.Session.Authenticated)
	assert.Equal(t, "sub-ana", res.Session.Subject.Subject)
	assert.Equal(t, "Ana Lima", res.Session.Subject.DisplayName())
	assert.True(t, res.Session.Subject.Groups.Contains("Administrators"))

	stored, ok := h.store.Stored()
	require.True(t, ok, "tokens should be persisted")
	assert.Equal(t, "ana", stored.Username)
	assert.NotEmpty(t, stored.Tokens.RefreshToken)
	assert.Len(t, h.audit.actions(ports.AuditSignIn), 1)
}

func TestSignIn_BadPassword(t *testing.T) {
	h := newHarness(t)
	h.idp.AddUser(testhelpers.FakeUser{Username: "ana", Password: "Passw0rd!", Subject: "sub-ana"})

	res := h.signIn("ana", "wrong")
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Equal(t, domain.ReasonInvalidCredentials, res.Reason)
	assert.ErrorIs(t, res.Err, domain.ErrCredential)
	assert.False(t, h.console.Session().Authenticated)
	_, ok := h.store.Stored()
	assert.False(t, ok)
}

func TestSignIn_ConnectivityIsNotACredentialFailure(t *testing.T) {
	h := newHarness(t)
	h.idp.SetDown(true)

	res := h.signIn("ana", "Passw0rd!")
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Equal(t, domain.ReasonConnectivity, res.Reason)
	assert.ErrorIs(t, res.Err, domain.ErrConnectivity)
}

func TestSignIn_BlankInputsFailLocally(t *testing.T) {
	h := newHarness(t)
	for _, in := range []ports.SignInInput{
		{Username: "", Password: "x"},
		{Username: "  ", Password: "x"},
		{Username: "ana", Password: ""},
	} {
		res := h.console.SignIn(context.Background(), in)
		assert.Equal(t, domain.OutcomeFailed, res.Outcome)
		assert.ErrorIs(t, res.Err, domain.ErrValidation)
	}
	assert.Zero(t, h.idp.Calls("/auth/initiate"))
}

func TestSignIn_MFAContinuesTheSameAttempt(t *testing.T) {
	h := newHarness(t)
	h.idp.AddUser(testhelpers.FakeUser{
		Username: "ana", Password: "Passw0rd!", Subject: "sub-ana",
		Groups: []string{"Operators"}, MFA: "SMS_MFA", Code: "123456",
	})
	ctx := context.Background()

	first := h.signIn("ana", "Passw0rd!")
	require.Equal(t, domain.OutcomeMultiFactorRequired, first.Outcome)
	require.NotNil(t, first.Attempt)
	assert.Equal(t, "SMS_MFA", first.Attempt.MFAMedium)
	assert.Equal(t, "mfa_pending", h.console.Session().State())
	assert.False(t, h.console.Session().Authenticated)

	wrong := h.console.SignIn(ctx, ports.SignInInput{ChallengeResponse: "000000", Attempt: first.Attempt})
	assert.Equal(t, domain.OutcomeFailed, wrong.Outcome)
	assert.Equal(t, domain.ReasonInvalidChallengeResponse, wrong.Reason)
	assert.ErrorIs(t, wrong.Err, domain.ErrChallenge)
	require.NotNil(t, wrong.Attempt, "a wrong code keeps the attempt open")
	assert.Equal(t, first.Attempt.ID, wrong.Attempt.ID)
	assert.Equal(t, first.Attempt.Handle, h.idp.LastChallengeHandle())
	assert.Equal(t, domain.ChallengeMultiFactor, h.console.Session().PendingChallenge)

	ok := h.console.SignIn(ctx, ports.SignInInput{ChallengeResponse: "123456", Attempt: first.Attempt})
	require.Equal(t, domain.OutcomeSuccess, ok.Outcome, "code rejected: %v", ok.Err)
	assert.Equal(t, first.Attempt.Handle, h.idp.LastChallengeHandle())
	assert.Equal(t, 1, h.idp.Calls("/auth/initiate"), "the password is never resubmitted")
}

func TestSignIn_CodeWithoutPendingChallenge(t *testing.T) {
	h := newHarness(t)
	res := h.console.SignIn(context.Background(), ports.SignInInput{ChallengeResponse: "123456"})
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, domain.ErrValidation)
	assert.Zero(t, h.idp.Calls("/auth/challenge"))
}

func TestSignIn_ForeignAttemptRejected(t *testing.T) {
	h := newHarness(t)
	h.idp.AddUser(testhelpers.FakeUser{Username: "ana", Password: "Passw0rd!", Subject: "sub-ana", MFA: "SMS_MFA", Code: "1"})
	first := h.signIn("ana", "Passw0rd!")
	require.Equal(t, domain.OutcomeMultiFactorRequired, first.Outcome)

	stale := *first.Attempt
	stale.ID = "some-other-attempt"
	res := h.console.SignIn(context.Background(), ports.SignInInput{ChallengeResponse: "1", Attempt: &stale})
	assert.ErrorIs(t, res.Err, domain.ErrValidation)
	assert.Zero(t, h.idp.Calls("/auth/challenge"))
}

func TestSignIn_NewSignInReplacesPendingAttempt(t *testing.T) {
	h := newHarness(t)
	h.idp.AddUser(testhelpers.FakeUser{Username: "ana", Password: "Passw0rd!", Subject: "sub-ana", MFA: "SMS_MFA", Code: "1"})
	first := h.signIn("ana", "Passw0rd!")
	second := h.signIn("ana", "Passw0rd!")
	require.Equal(t, domain.OutcomeMultiFactorRequired, second.Outcome)
	assert.NotEqual(t, first.Attempt.ID, second.Attempt.ID)

	res := h.console.SignIn(context.Background(), ports.SignInInput{ChallengeResponse: "1", Attempt: first.Attempt})
	assert.ErrorIs(t, res.Err, domain.ErrValidation)
}

func TestCredentialReset(t *testing.T) {
	h := newHarness(t)
	h.idp.AddUser(testhelpers.FakeUser{
		Username: "ana", Password: "Temp0rary!", Subject: "sub-ana", Groups: []string{"Operators"}, MustReset: true,
	})
	ctx := context.Background()

	first := h.signIn("ana", "Temp0rary!")
	require.Equal(t, domain.OutcomeCredentialResetRequired, first.Outcome)
	assert.Equal(t, "reset_pending", h.console.Session().State())

	weak := h.console.CompleteCredentialReset(ctx, "short")
	assert.Equal(t, domain.OutcomeFailed, weak.Outcome)
	assert.Equal(t, domain.ReasonPasswordPolicy, weak.Reason)
	var ce *domain.ChallengeError
	require.True(t, errors.As(weak.Err, &ce))
	assert.NotEmpty(t, ce.Violations)
	assert.Zero(t, h.idp.Calls("/auth/challenge"), "the policy is checked before submitting")
	require.NotNil(t, weak.Attempt)
	assert.Equal(t, first.Attempt.ID, weak.Attempt.ID)

	ok := h.console.CompleteCredentialReset(ctx, "N3w-Passw0rd")
	require.Equal(t, domain.OutcomeSuccess, ok.Outcome, "reset failed: %v", ok.Err)
	assert.True(t, h.console.Session().Authenticated)
}

func TestCredentialReset_ChainsIntoMultiFactor(t *testing.T) {
	h := newHarness(t)
	h.idp.AddUser(testhelpers.FakeUser{
		Username: "ana", Password: "Temp0rary!", Subject: "sub-ana", Groups: []string{"Operators"},
		MustReset: true, MFA: "SMS_MFA", Code: "135790",
	})
	ctx := context.Background()

	first := h.signIn("ana", "Temp0rary!")
	require.Equal(t, domain.OutcomeCredentialResetRequired, first.Outcome)

	reset := h.console.CompleteCredentialReset(ctx, "N3w-Passw0rd")
	require.Equal(t, domain.OutcomeMultiFactorRequired, reset.Outcome, "reset failed: %v", reset.Err)
	require.NotNil(t, reset.Attempt)
	assert.Equal(t, first.Attempt.ID, reset.Attempt.ID)
	assert.Equal(t, domain.ChallengeMultiFactor, reset.Attempt.Challenge)
	assert.Equal(t, "SMS_MFA", reset.Attempt.MFAMedium)
	assert.Equal(t, "mfa_pending", h.console.Session().State())

	done := h.console.SignIn(ctx, ports.SignInInput{ChallengeResponse: "135790", Attempt: reset.Attempt})
	require.Equal(t, domain.OutcomeSuccess, done.Outcome, "code rejected: %v", done.Err)
	assert.Equal(t, "sub-ana", h.console.Session().Subject.Subject)
	assert.Equal(t, 1, h.idp.Calls("/auth/initiate"))
	assert.Equal(t, 2, h.idp.Calls("/auth/challenge"))
}

func TestCredentialResetWithoutChallenge(t *testing.T) {
	h := newHarness(t)
	res := h.console.CompleteCredentialReset(context.Background(), "N3w-Passw0rd")
	assert.ErrorIs(t, res.Err, domain.ErrValidation)
}

func TestToken_ReusesValidToken(t *testing.T) {
	h := newHarness(t)
	h.signedIn("ana", "Operators")

	a, err := h.console.Token(context.Background())
	require.NoError(t, err)
	h.clock.Advance(30 * time.Minute)
	b, err := h.console.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.Value, b.Value)
	assert.Zero(t, h.idp.Calls("/auth/refresh"))
}

func TestToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	h := newHarness(t)
	h.signedIn("ana", "Operators")
	before, err := h.console.Token(context.Background())
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	release := h.idp.HoldRefresh()

	const callers = 8
	var wg sync.WaitGroup
	values := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := h.console.Token(context.Background())
			values[i], errs[i] = tok.Value, err
		}(i)
	}
	require.Eventually(t, func() bool { return h.idp.Calls("/auth/refresh") == 1 }, 5*time.Second, 10*time.Millisecond)
	release()
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, values[0], values[i])
	}
	assert.NotEqual(t, before.Value, values[0])
	assert.Equal(t, 1, h.idp.Calls("/auth/refresh"))

	stored, _ := h.store.Stored()
	assert.Equal(t, values[0], stored.Tokens.AccessToken, "the refreshed set is persisted")
}

func TestToken_RefreshRejectedExpiresSession(t *testing.T) {
	h := newHarness(t)
	h.signedIn("ana", "Operators")
	stored, _ := h.store.Stored()
	revokeAtProvider(t, h.idp.URL(), stored.Tokens.RefreshToken)

	h.clock.Advance(2 * time.Hour)
	_, err := h.console.Token(context.Background())
	require.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.False(t, h.console.Session().Authenticated)
	_, ok := h.store.Stored()
	assert.False(t, ok, "an expired session is not kept on disk")
}

func TestToken_RefreshConnectivityKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.signedIn("ana", "Operators")
	h.clock.Advance(2 * time.Hour)
	h.idp.SetDown(true)

	_, err := h.console.Token(context.Background())
	require.ErrorIs(t, err, domain.ErrConnectivity)
	assert.True(t, h.console.Session().Authenticated)

	h.idp.SetDown(false)
	_, err = h.console.Token(context.Background())
	assert.NoError(t, err)
}

func TestToken_NotAuthenticated(t *testing.T) {
	h := newHarness(t)
	_, err := h.console.Token(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestSignOut_RevokeFailureStillSignsOut(t *testing.T) {
	h := newHarness(t)
	h.signedIn("ana", "Operators")
	h.idp.FailRevoke(true)

	h.console.SignOut(context.Background())
	assert.False(t, h.console.Session().Authenticated)
	assert.Equal(t, 1, h.idp.Calls("/auth/revoke"))
	_, ok := h.store.Stored()
	assert.False(t, ok)

	_, err := h.console.Token(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.Len(t, h.audit.actions(ports.AuditSignOut), 1)
}

func TestSignOut_WhenSignedOutIsHarmless(t *testing.T) {
	h := newHarness(t)
	h.console.SignOut(context.Background())
	assert.False(t, h.console.Session().Authenticated)
	assert.Zero(t, h.idp.Calls("/auth/revoke"))
}

func TestRestore(t *testing.T) {
	t.Run("valid stored session", func(t *testing.T) {
		h := newHarness(t)
		h.signedIn("ana", "Operators")

		again := h.build(h.store)
		s := again.Session()
		assert.True(t, s.Authenticated)
		assert.False(t, s.Loading)
		assert.Equal(t, "sub-ana", s.Subject.Subject)
		assert.Equal(t, 1, h.idp.Calls("/auth/initiate"))
		assert.Zero(t, h.idp.Calls("/auth/refresh"))
	})

	t.Run("expired access token is refreshed", func(t *testing.T) {
		h := newHarness(t)
		h.signedIn("ana", "Operators")
		h.clock.Advance(2 * time.Hour)

		again := h.build(h.store)
		assert.True(t, again.Session().Authenticated)
		assert.Equal(t, 1, h.idp.Calls("/auth/refresh"))
	})

	t.Run("provider unreachable keeps stored session", func(t *testing.T) {
		h := newHarness(t)
		h.signedIn("ana", "Operators")
		h.clock.Advance(2 * time.Hour)
		h.idp.SetDown(true)

		again := h.build(h.store)
		assert.True(t, again.Session().Authenticated)
		_, ok := h.store.Stored()
		assert.True(t, ok)
	})

	t.Run("rejected refresh token", func(t *testing.T) {
		h := newHarness(t)
		h.signedIn("ana", "Operators")
		stored, _ := h.store.Stored()
		revokeAtProvider(t, h.idp.URL(), stored.Tokens.RefreshToken)
		h.clock.Advance(2 * time.Hour)

		again := h.build(h.store)
		assert.False(t, again.Session().Authenticated)
		assert.Equal(t, "unauthenticated", again.Session().State())
		_, ok := h.store.Stored()
		assert.False(t, ok)
	})

	t.Run("nothing stored", func(t *testing.T) {
		h := newHarness(t)
		s := h.console.Session()
		assert.False(t, s.Authenticated)
		assert.False(t, s.Loading)
	})

	t.Run("corrupt store", func(t *testing.T) {
		h := newHarness(t)
		h.store.LoadErr = ports.ErrTokenStoreCorrupt
		again := h.build(h.store)
		s := again.Session()
		assert.False(t, s.Authenticated)
		assert.False(t, s.Loading)
	})
}

// restoringConsole stores a session for ana whose access token has expired,
// then starts a second console whose restore is parked on the refresh call.
// Calling release lets the refresh answer.
func restoringConsole(t *testing.T, h *harness) (console *app.Console, release func()) {
	t.Helper()
	h.signedIn("ana", "Administrators")
	h.clock.Advance(2 * time.Hour)
	release = h.idp.HoldRefresh()

	h.runner = bg.Async{}
	console = h.build(h.store)
	t.Cleanup(release)

	require.Eventually(t, func() bool { return h.idp.Calls("/auth/refresh") == 1 },
		2*time.Second, 5*time.Millisecond, "restore never reached the refresh call")
	require.True(t, console.Session().Loading)
	return console, release
}

func TestWaitReady_BlocksUntilRestoreResolves(t *testing.T) {
	h := newHarness(t)
	console, release := restoringConsole(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, console.WaitReady(ctx), context.DeadlineExceeded)
	assert.Equal(t, "loading", console.Session().State())

	release()
	require.NoError(t, console.WaitReady(context.Background()))
	s := console.Session()
	assert.True(t, s.Authenticated)
	assert.Equal(t, "sub-ana", s.Subject.Subject)
}

func TestRestore_CompletedSignInWins(t *testing.T) {
	h := newHarness(t)
	console, release := restoringConsole(t, h)
	h.idp.AddUser(testhelpers.FakeUser{
		Username: "bob", Password: "Passw0rd!", Subject: "sub-bob", Groups: []string{"Operators"},
	})

	res := console.SignIn(context.Background(), ports.SignInInput{Username: "bob", Password: "Passw0rd!"})
	require.Equal(t, domain.OutcomeSuccess, res.Outcome, "sign-in failed: %v", res.Err)

	release()
	console.Wait()

	s := console.Session()
	require.True(t, s.Authenticated)
	assert.Equal(t, "sub-bob", s.Subject.Subject)
	stored, ok := h.store.Stored()
	require.True(t, ok)
	assert.Equal(t, "bob", stored.Username)
}

func TestRestore_PendingChallengeWins(t *testing.T) {
	h := newHarness(t)
	console, release := restoringConsole(t, h)
	h.idp.AddUser(testhelpers.FakeUser{
		Username: "bob", Password: "Passw0rd!", Subject: "sub-bob", Groups: []string{"Operators"},
		MFA: "SOFTWARE_TOKEN_MFA", Code: "246810",
	})
	ctx := context.Background()

	first := console.SignIn(ctx, ports.SignInInput{Username: "bob", Password: "Passw0rd!"})
	require.Equal(t, domain.OutcomeMultiFactorRequired, first.Outcome)

	release()
	console.Wait()
	assert.Equal(t, "mfa_pending", console.Session().State(), "restore must not replace a pending challenge")

	done := console.SignIn(ctx, ports.SignInInput{ChallengeResponse: "246810", Attempt: first.Attempt})
	require.Equal(t, domain.OutcomeSuccess, done.Outcome, "code rejected: %v", done.Err)
	s := console.Session()
	assert.Equal(t, "sub-bob", s.Subject.Subject)
	stored, ok := h.store.Stored()
	require.True(t, ok)
	assert.Equal(t, "bob", stored.Username)
}

func revokeAtProvider(t *testing.T, baseURL, refreshToken string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"Token": refreshToken})
	resp, err := http.Post(baseURL+"/auth/revoke", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
