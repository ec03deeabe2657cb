package testhelpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/sufield/devicefleet/internal/domain"
)

// FakeDevice is a device record held by FakeDeviceBackend.
type FakeDevice struct {
	Status     domain.DeviceStatus
	SiteID     string
	WorkCellID string
}

// RecordedRequest is one transition request received by FakeDeviceBackend.
type RecordedRequest struct {
	Path          string
	Step          string
	RequestID     string
	CallerSubject string
	Authorization string
	Body          map[string]string
}

// FakeDeviceBackend is a device management API that enforces the prior
// status of every transition atomically.
type FakeDeviceBackend struct {
	Server *httptest.Server

	mu       sync.Mutex
	devices  map[string]*FakeDevice
	requests []RecordedRequest
	gets     int
	tokens   map[string]bool
	forced   []forcedReply
	gate     chan struct{}
	arrived  chan struct{}
}

type forcedReply struct {
	status  int
	message string
}

// NewFakeDeviceBackend starts a backend, closed on test cleanup. Any
// non-empty bearer token is accepted unless AcceptTokens is called.
func NewFakeDeviceBackend(t testing.TB) *FakeDeviceBackend {
	t.Helper()
	f := &FakeDeviceBackend{devices: map[string]*FakeDevice{}}
	r := chi.NewRouter()
	r.Post("/devices/{op}", f.transition)
	r.Get("/devices/{op}", f.get)
	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the base URL.
func (f *FakeDeviceBackend) URL() string { return f.Server.URL }

// Put seeds or overwrites a device.
func (f *FakeDeviceBackend) Put(id string, d FakeDevice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[id] = &d
}

// Device returns a copy of a device record.
func (f *FakeDeviceBackend) Device(id string) (FakeDevice, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return FakeDevice{}, false
	}
	return *d, true
}

// AcceptTokens restricts accepted bearer tokens.
func (f *FakeDeviceBackend) AcceptTokens(tokens ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = map[string]bool{}
	for _, t := range tokens {
		f.tokens[t] = true
	}
}

// ForceNext makes the next transition request answer status with message,
// without touching device state.
func (f *FakeDeviceBackend) ForceNext(status int, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, forcedReply{status: status, message: message})
}

// Hold makes transition requests wait after being recorded. Each request
// sends on arrived when it starts waiting; closing the returned release
// lets all of them proceed.
func (f *FakeDeviceBackend) Hold() (arrived <-chan struct{}, release func()) {
	gate := make(chan struct{})
	arr := make(chan struct{}, 16)
	f.mu.Lock()
	f.gate, f.arrived = gate, arr
	f.mu.Unlock()
	var once sync.Once
	return arr, func() { once.Do(func() { close(gate) }) }
}

// Requests returns the transition requests received so far.
func (f *FakeDeviceBackend) Requests() []RecordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RecordedRequest(nil), f.requests...)
}

// Gets returns how many device reads were received.
func (f *FakeDeviceBackend) Gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *FakeDeviceBackend) authorized(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" || token == auth {
		return auth, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return auth, f.tokens == nil || f.tokens[token]
}

func (f *FakeDeviceBackend) transition(w http.ResponseWriter, r *http.Request) {
	auth, ok := f.authorized(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "missing or invalid bearer token"})
		return
	}
	body := map[string]string{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	kind, err := domain.ParseTransitionKind(chi.URLParam(r, "op"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "unknown operation"})
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, RecordedRequest{
		Path:          r.URL.Path,
		Step:          r.Header.Get("X-Transition-Step"),
		RequestID:     r.Header.Get("X-Request-Id"),
		CallerSubject: r.Header.Get("X-Caller-Subject"),
		Authorization: auth,
		Body:          body,
	})
	gate, arrived := f.gate, f.arrived
	f.mu.Unlock()

	if gate != nil {
		arrived <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.forced) > 0 {
		fr := f.forced[0]
		f.forced = f.forced[1:]
		writeJSON(w, fr.status, map[string]string{"message": fr.message})
		return
	}
	status, out := f.applyLocked(kind, body)
	writeJSON(w, status, out)
}

// applyLocked checks the prior status and applies the transition. mu must be held.
func (f *FakeDeviceBackend) applyLocked(kind domain.TransitionKind, body map[string]string) (int, map[string]any) {
	spec, _ := domain.LookupTransition(kind)
	id := body[domain.ParamDeviceID]

	if kind == domain.KindProvision {
		if _, exists := f.devices[id]; exists {
			return http.StatusConflict, map[string]any{"message": fmt.Sprintf("device %s already exists", id)}
		}
		f.devices[id] = &FakeDevice{Status: domain.StatusProvisioned}
		return http.StatusOK, reply(spec.Result, "provisioned", id)
	}

	d, ok := f.devices[id]
	if !ok {
		return http.StatusNotFound, map[string]any{"message": fmt.Sprintf("device %s not found", id)}
	}
	if !spec.Allows(d.Status) {
		return http.StatusConflict, map[string]any{
			"message": fmt.Sprintf("device %s is %s; %s is not permitted", id, d.Status, kind),
		}
	}

	switch kind {
	case domain.KindReplace:
		newID := body[domain.ParamNewDeviceID]
		nd, ok := f.devices[newID]
		if !ok {
			return http.StatusNotFound, map[string]any{"message": fmt.Sprintf("device %s not found", newID)}
		}
		if nd.Status != spec.IncomingPrior {
			return http.StatusConflict, map[string]any{
				"message": fmt.Sprintf("device %s is %s; replacement must be %s", newID, nd.Status, spec.IncomingPrior),
			}
		}
		nd.Status, nd.SiteID, nd.WorkCellID = domain.StatusDeployed, body[domain.ParamSiteID], body[domain.ParamWorkCellID]
		d.Status, d.WorkCellID = domain.StatusRetired, ""
		return http.StatusOK, map[string]any{
			"status":  domain.StatusDeployed.String(),
			"message": "replaced",
			"devices": []map[string]string{
				{"deviceId": newID, "status": nd.Status.String()},
				{"deviceId": id, "status": d.Status.String()},
			},
		}
	case domain.KindTransfer:
		d.SiteID, d.WorkCellID = "", ""
	default:
		if s := body[domain.ParamSiteID]; s != "" {
			d.SiteID = s
		}
		if wc := body[domain.ParamWorkCellID]; wc != "" {
			d.WorkCellID = wc
		}
	}
	d.Status = spec.Result
	return http.StatusOK, reply(spec.Result, fmt.Sprintf("%s applied", kind), id)
}

func reply(status domain.DeviceStatus, message, id string) map[string]any {
	return map[string]any{
		"status":  status.String(),
		"message": message,
		"devices": []map[string]string{{"deviceId": id, "status": status.String()}},
	}
}

func (f *FakeDeviceBackend) get(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.authorized(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "missing or invalid bearer token"})
		return
	}
	id := chi.URLParam(r, "op")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	d, ok := f.devices[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": fmt.Sprintf("device %s not found", id)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"deviceId":   id,
		"status":     d.Status.String(),
		"siteId":     d.SiteID,
		"workCellId": d.WorkCellID,
	})
}

// FakeDirectory serves GET /me/groups.
type FakeDirectory struct {
	Server *httptest.Server

	mu     sync.Mutex
	groups []string
	calls  int
	fail   bool
}

// NewFakeDirectory starts a directory answering groups for any bearer token.
func NewFakeDirectory(t testing.TB, groups ...string) *FakeDirectory {
	t.Helper()
	f := &FakeDirectory{groups: groups}
	r := chi.NewRouter()
	r.Get("/me/groups", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls++
		fail, groups := f.fail, f.groups
		f.mu.Unlock()
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "missing bearer token"})
			return
		}
		if fail {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "directory unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
	})
	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the base URL.
func (f *FakeDirectory) URL() string { return f.Server.URL }

// Calls returns how many lookups were served.
func (f *FakeDirectory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// SetFail makes lookups answer 503.
func (f *FakeDirectory) SetFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}
