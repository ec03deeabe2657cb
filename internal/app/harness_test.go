package app_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sufield/devicefleet/internal/adapters/outbound/deviceapi"
	"github.com/sufield/devicefleet/internal/adapters/outbound/directory"
	"github.com/sufield/devicefleet/internal/adapters/outbound/httpclient"
	"github.com/sufield/devicefleet/internal/adapters/outbound/idp"
	"github.com/sufield/devicefleet/internal/adapters/outbound/tokenstore"
	"github.com/sufield/devicefleet/internal/app"
	"github.com/sufield/devicefleet/internal/bg"
	"github.com/sufield/devicefleet/internal/clock"
	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
	"github.com/sufield/devicefleet/internal/testhelpers"
)

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	idp     *testhelpers.FakeIdP
	backend *testhelpers.FakeDeviceBackend
	dir     *testhelpers.FakeDirectory
	store   *tokenstore.MemoryStore
	clock   *clock.Fake
	audit   *auditRecorder
	console *app.Console
	ids     atomic.Int64

	caps map[domain.TransitionKind][]string
	// runner runs the restore started by build; bg.Sync unless a test
	// needs restore to overlap with other calls.
	runner bg.Runner
}

type harnessOption func(*harness)

// withDirectory wires a group lookup answering groups.
func withDirectory(groups ...string) harnessOption {
	return func(h *harness) { h.dir = testhelpers.NewFakeDirectory(h.t, groups...) }
}

func withCapabilities(caps map[domain.TransitionKind][]string) harnessOption {
	return func(h *harness) { h.caps = caps }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		idp:     testhelpers.NewFakeIdP(t),
		backend: testhelpers.NewFakeDeviceBackend(t),
		store:   tokenstore.NewMemoryStore(),
		clock:   clock.NewFake(epoch),
		audit:   &auditRecorder{},
		runner:  bg.Sync{},
		caps: map[domain.TransitionKind][]string{
			domain.KindDeploy: {"Administrators"},
			domain.KindRetire: {"Administrators"},
		},
	}
	for _, o := range opts {
		o(h)
	}
	h.console = h.build(h.store)
	return h
}

// build wires a console over store, as a fresh process would.
func (h *harness) build(store ports.TokenStore) *app.Console {
	h.t.Helper()
	hc, err := httpclient.New(context.Background(), httpclient.Options{Timeout: 5 * time.Second})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = hc.Close() })

	provider, err := idp.New(hc, idp.Config{BaseURL: h.idp.URL(), ClientID: "console"}, h.clock)
	require.NoError(h.t, err)
	devices, err := deviceapi.New(hc, h.backend.URL())
	require.NoError(h.t, err)

	deps := app.Dependencies{
		IdentityProvider: provider,
		TokenStore:       store,
		DeviceAPI:        devices,
		Audit:            h.audit,
		Capabilities:     h.caps,
		Clock:            h.clock,
		Logger:           zaptest.NewLogger(h.t),
		Runner:           h.runner,
		NewID:            func() string { return fmt.Sprintf("id-%d", h.ids.Add(1)) },
	}
	if h.dir != nil {
		lookup, err := directory.New(hc, h.dir.URL())
		require.NoError(h.t, err)
		deps.GroupLookup = lookup
	}
	console, err := app.NewConsole(deps)
	require.NoError(h.t, err)
	console.Start(context.Background())
	h.t.Cleanup(console.Wait)
	return console
}

func (h *harness) signIn(username, password string) domain.AuthChallengeResult {
	h.t.Helper()
	return h.console.SignIn(context.Background(), ports.SignInInput{Username: username, Password: password})
}

// signedIn adds a user with groups and signs them in.
func (h *harness) signedIn(username string, groups ...string) {
	h.t.Helper()
	h.idp.AddUser(testhelpers.FakeUser{
		Username: username, Password: "Passw0rd!", Subject: "sub-" + username, Groups: groups,
	})
	res := h.signIn(username, "Passw0rd!")
	require.Equal(h.t, domain.OutcomeSuccess, res.Outcome, "sign-in failed: %v", res.Err)
}

type auditRecorder struct {
	mu     sync.Mutex
	events []ports.AuditEvent
}

func (a *auditRecorder) Record(_ context.Context, e ports.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *auditRecorder) actions(action string) []ports.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []ports.AuditEvent
	for _, e := range a.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
