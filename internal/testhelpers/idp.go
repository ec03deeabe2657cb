// Package testhelpers provides in-process fakes of the console's external
// collaborators (identity provider, group directory, device management
// backend) for adapter and end-to-end tests.
//
// Each fake is an httptest.Server routed with chi, counts the calls it
// receives, and can be told to fail in the ways the real services do.
package testhelpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// FakeUser is an account known to FakeIdP.
type FakeUser struct {
	Username string
	Password string
	Subject  string
	Name     string
	Email    string
	// Groups is emitted as the cognito:groups claim. Nil omits the claim.
	Groups []string
	// MFA is the challenge name demanded after the password ("SMS_MFA",
	// "SOFTWARE_TOKEN_MFA"); empty disables MFA.
	MFA  string
	Code string
	// MustReset demands NEW_PASSWORD_REQUIRED on the next sign-in.
	MustReset bool
}

// FakeIdP is an identity provider speaking the console's JSON contract.
type FakeIdP struct {
	Server *httptest.Server
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int

	mu          sync.Mutex
	users       map[string]*FakeUser
	handles     map[string]string
	refresh     map[string]string
	calls       map[string]int
	seq         int
	down        bool
	failRevoke  bool
	refreshGate chan struct{}
	lastHandle  string
	signer      jose.Signer
}

// NewFakeIdP starts a fake identity provider, closed on test cleanup.
func NewFakeIdP(t testing.TB) *FakeIdP {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte("fake-idp-signing-key-0123456789ab")},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}
	f := &FakeIdP{
		ExpiresIn: 3600,
		users:     map[string]*FakeUser{},
		handles:   map[string]string{},
		refresh:   map[string]string{},
		calls:     map[string]int{},
		signer:    signer,
	}

	r := chi.NewRouter()
	r.Use(f.count)
	r.Post("/auth/initiate", f.initiate)
	r.Post("/auth/challenge", f.challenge)
	r.Post("/auth/refresh", f.refreshTokens)
	r.Post("/auth/revoke", f.revoke)
	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the base URL.
func (f *FakeIdP) URL() string { return f.Server.URL }

// AddUser registers an account.
func (f *FakeIdP) AddUser(u FakeUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.Subject == "" {
		u.Subject = "sub-" + u.Username
	}
	f.users[u.Username] = &u
}

// Calls returns how many requests hit path (e.g. "/auth/refresh").
func (f *FakeIdP) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

// SetDown makes every endpoint answer 503.
func (f *FakeIdP) SetDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

// FailRevoke makes /auth/revoke answer 500.
func (f *FakeIdP) FailRevoke(fail bool) {
	f.mu.Lock()
	f.failRevoke = fail
	f.mu.Unlock()
}

// HoldRefresh blocks /auth/refresh until the returned func is called.
func (f *FakeIdP) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.refreshGate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.refreshGate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

// LastChallengeHandle returns the session handle of the last challenge response.
func (f *FakeIdP) LastChallengeHandle() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHandle
}

// IssueTokens returns a token set for username without a sign-in call.
func (f *FakeIdP) IssueTokens(username string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokensLocked(f.users[username])
}

// IDToken signs an ID token for u.
func (f *FakeIdP) IDToken(u FakeUser) string {
	claims := map[string]any{
		"sub":              u.Subject,
		"cognito:username": u.Username,
		"email":            u.Email,
		"email_verified":   true,
		"iat":              time.Now().Unix(),
		"exp":              time.Now().Add(time.Hour).Unix(),
	}
	if u.Name != "" {
		claims["name"] = u.Name
	}
	if u.Groups != nil {
		claims["cognito:groups"] = u.Groups
	}
	tok, err := jwt.Signed(f.signer).Claims(claims).Serialize()
	if err != nil {
		panic(fmt.Sprintf("sign id token: %v", err))
	}
	return tok
}

func (f *FakeIdP) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls[r.URL.Path]++
		down := f.down
		f.mu.Unlock()
		if down {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "service unavailable"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *FakeIdP) initiate(w http.ResponseWriter, r *http.Request) {
	var in struct{ Username, Password string }
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		idpError(w, "InvalidParameterException", err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[in.Username]
	if !ok {
		idpError(w, "UserNotFoundException", "User does not exist.")
		return
	}
	if u.Password != in.Password {
		idpError(w, "NotAuthorizedException", "Incorrect username or password.")
		return
	}
	f.next(w, u)
}

// next answers with the user's next challenge or with tokens. mu must be held.
func (f *FakeIdP) next(w http.ResponseWriter, u *FakeUser) {
	switch {
	case u.MustReset:
		writeJSON(w, http.StatusOK, map[string]any{"challengeName": "NEW_PASSWORD_REQUIRED", "session": f.handleLocked(u)})
	case u.MFA != "":
		writeJSON(w, http.StatusOK, map[string]any{"challengeName": u.MFA, "session": f.handleLocked(u)})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"authenticationResult": f.tokensLocked(u)})
	}
}

func (f *FakeIdP) challenge(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ChallengeName string
		Session       string
		Username      string
		Code          string
		NewPassword   string
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		idpError(w, "InvalidParameterException", err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastHandle = in.Session
	username, ok := f.handles[in.Session]
	if !ok || username != in.Username {
		idpError(w, "NotAuthorizedException", "Invalid session for the user, session is expired.")
		return
	}
	u := f.users[username]

	switch in.ChallengeName {
	case "NEW_PASSWORD_REQUIRED":
		if len(in.NewPassword) < 8 {
			idpError(w, "InvalidPasswordException", "Password does not conform to policy: Password not long enough")
			return
		}
		delete(f.handles, in.Session)
		u.Password = in.NewPassword
		u.MustReset = false
		f.next(w, u)
	default:
		if in.Code != u.Code {
			idpError(w, "CodeMismatchException", "Invalid code received for user")
			return
		}
		delete(f.handles, in.Session)
		writeJSON(w, http.StatusOK, map[string]any{"authenticationResult": f.tokensLocked(u)})
	}
}

func (f *FakeIdP) refreshTokens(w http.ResponseWriter, r *http.Request) {
	var in struct{ RefreshToken string }
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		idpError(w, "InvalidParameterException", err.Error())
		return
	}
	f.mu.Lock()
	gate := f.refreshGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	username, ok := f.refresh[in.RefreshToken]
	if !ok {
		idpError(w, "NotAuthorizedException", "Invalid Refresh Token")
		return
	}
	u := f.users[username]
	f.seq++
	writeJSON(w, http.StatusOK, map[string]any{"authenticationResult": map[string]any{
		"accessToken": fmt.Sprintf("access-%s-%d", u.Username, f.seq),
		"idToken":     f.IDToken(*u),
		"expiresIn":   f.ExpiresIn,
	}})
}

func (f *FakeIdP) revoke(w http.ResponseWriter, r *http.Request) {
	var in struct{ Token string }
	_ = json.NewDecoder(r.Body).Decode(&in)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRevoke {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
		return
	}
	delete(f.refresh, in.Token)
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (f *FakeIdP) handleLocked(u *FakeUser) string {
	f.seq++
	h := fmt.Sprintf("handle-%s-%d", u.Username, f.seq)
	f.handles[h] = u.Username
	return h
}

func (f *FakeIdP) tokensLocked(u *FakeUser) map[string]any {
	f.seq++
	rt := fmt.Sprintf("refresh-%s-%d", u.Username, f.seq)
	f.refresh[rt] = u.Username
	return map[string]any{
		"accessToken":  fmt.Sprintf("access-%s-%d", u.Username, f.seq),
		"idToken":      f.IDToken(*u),
		"refreshToken": rt,
		"expiresIn":    f.ExpiresIn,
	}
}

func idpError(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"__type": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
