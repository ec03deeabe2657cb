package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sufield/devicefleet/internal/bg"
	"github.com/sufield/devicefleet/internal/clock"
	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
)

// Dependencies are the adapters and settings a Console is wired from.
type Dependencies struct {
	IdentityProvider ports.IdentityProvider
	TokenStore       ports.TokenStore
	GroupLookup      ports.GroupLookup
	DeviceAPI        ports.DeviceAPI
	Audit            ports.AuditSink

	// Capabilities maps each transition kind to the groups allowed to
	// invoke it. Kinds without an entry require only authentication.
	Capabilities   map[domain.TransitionKind][]string
	PasswordPolicy *domain.PasswordPolicy
	RefreshSkew    time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
	Runner bg.Runner
	NewID  func() string
}

// ErrMissingDependency is returned by NewConsole when a required adapter is nil.
var ErrMissingDependency = errors.New("missing dependency")

// NewConsole wires the session manager, authorizer and engine into a Console.
// Call Start to begin silent restore.
func NewConsole(deps Dependencies) (*Console, error) {
	switch {
	case deps.IdentityProvider == nil:
		return nil, errors.Join(ErrMissingDependency, errors.New("identity provider"))
	case deps.TokenStore == nil:
		return nil, errors.Join(ErrMissingDependency, errors.New("token store"))
	case deps.DeviceAPI == nil:
		return nil, errors.Join(ErrMissingDependency, errors.New("device API"))
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	audit := deps.Audit
	if audit == nil {
		audit = nopAudit{}
	}

	sessions := NewSessionManager(deps.IdentityProvider, deps.TokenStore, SessionOptions{
		Clock:          deps.Clock,
		Logger:         log.Named("session"),
		Audit:          audit,
		PasswordPolicy: deps.PasswordPolicy,
		RefreshSkew:    deps.RefreshSkew,
		NewID:          deps.NewID,
	})

	caps := make(map[domain.TransitionKind]domain.GroupSet, len(deps.Capabilities))
	for kind, groups := range deps.Capabilities {
		if _, ok := domain.LookupTransition(kind); !ok {
			return nil, &domain.ValidationError{Field: "capabilities", Reason: "unknown transition " + string(kind)}
		}
		caps[kind] = domain.NewGroupSet(groups...)
	}

	return &Console{
		sessions:     sessions,
		authz:        NewAuthorizer(sessions, deps.GroupLookup, audit, deps.Clock, log.Named("authz")),
		engine:       NewLifecycleEngine(sessions, deps.DeviceAPI, audit, deps.Clock, log.Named("engine"), deps.NewID),
		capabilities: caps,
		runner:       bg.NewTracked(deps.Runner),
		log:          log,
	}, nil
}

func newUUID() string { return uuid.NewString() }

type nopAudit struct{}

func (nopAudit) Record(context.Context, ports.AuditEvent) {}
