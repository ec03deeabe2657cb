// Package devicefleet provides a config-file-driven API for the device fleet
// console: sign in against the identity provider, check group-based
// authorization, and move devices through their lifecycle on the device
// management backend.
//
// Quick Start:
//
//	console, shutdown, err := devicefleet.Open("fleet.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer shutdown()
//
//	res := console.SignIn(ctx, devicefleet.SignInInput{Username: "ana", Password: pw})
//	if res.Outcome == devicefleet.OutcomeMultiFactorRequired {
//	    res = console.SignIn(ctx, devicefleet.SignInInput{ChallengeResponse: code, Attempt: res.Attempt})
//	}
//
//	out, err := console.Execute(ctx, devicefleet.KindDeploy, map[string]string{
//	    "deviceId": "CROW-42", "siteId": "site-1", "workCellId": "cell-3",
//	})
//
// Serve exposes the same console over the local HTTP API.
package devicefleet

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sufield/devicefleet/internal/adapters/inbound/httpapi"
	"github.com/sufield/devicefleet/internal/adapters/outbound/compose"
	"github.com/sufield/devicefleet/internal/config"
	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
)

// Re-exported types so callers never import internal packages.
type (
	Console             = ports.Console
	SignInInput         = ports.SignInInput
	Session             = domain.Session
	AuthChallengeResult = domain.AuthChallengeResult
	Attempt             = domain.Attempt
	TransitionKind      = domain.TransitionKind
	TransitionOutcome   = domain.TransitionOutcome
	Device              = domain.Device
	DeviceID            = domain.DeviceID
	GroupSet            = domain.GroupSet
)

// Transition kinds.
const (
	KindProvision  = domain.KindProvision
	KindReceive    = domain.KindReceive
	KindDeploy     = domain.KindDeploy
	KindSuspend    = domain.KindSuspend
	KindReactivate = domain.KindReactivate
	KindReplace    = domain.KindReplace
	KindTransfer   = domain.KindTransfer
	KindRetire     = domain.KindRetire
)

// Sign-in outcomes.
const (
	OutcomeSuccess                 = domain.OutcomeSuccess
	OutcomeMultiFactorRequired     = domain.OutcomeMultiFactorRequired
	OutcomeCredentialResetRequired = domain.OutcomeCredentialResetRequired
	OutcomeFailed                  = domain.OutcomeFailed
)

// Error sentinels, for errors.Is.
var (
	ErrCredential       = domain.ErrCredential
	ErrChallenge        = domain.ErrChallenge
	ErrUnauthorized     = domain.ErrUnauthorized
	ErrValidation       = domain.ErrValidation
	ErrConflict         = domain.ErrConflict
	ErrConnectivity     = domain.ErrConnectivity
	ErrNotAuthenticated = domain.ErrNotAuthenticated
	ErrDeviceNotFound   = domain.ErrDeviceNotFound
)

// NewGroupSet builds a GroupSet for Console.Authorized.
func NewGroupSet(names ...string) GroupSet { return domain.NewGroupSet(names...) }

// EffectUnknown reports whether a failed transition may still have been applied.
func EffectUnknown(err error) bool { return domain.EffectUnknown(err) }

// resolveConfigPath returns the config file path from the FLEET_CONFIG
// environment variable.
func resolveConfigPath() (string, error) {
	if path := os.Getenv("FLEET_CONFIG"); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("FLEET_CONFIG environment variable not set; either set FLEET_CONFIG or call Open() with an explicit config path")
}

// Open loads the config file, wires the console and starts silent session
// restore. The returned shutdown func releases transports and is safe to
// call more than once.
func Open(configPath string) (Console, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	stack, err := compose.Build(context.Background(), cfg, compose.Options{})
	if err != nil {
		return nil, nil, err
	}
	stack.Console.Start(context.Background())

	var once sync.Once
	var closeErr error
	shutdown := func() error {
		once.Do(func() { closeErr = stack.Close() })
		return closeErr
	}
	return stack.Console, shutdown, nil
}

// OpenFromEnv is Open with the path taken from FLEET_CONFIG.
func OpenFromEnv() (Console, func() error, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, nil, err
	}
	return Open(path)
}

// Serve opens the console and serves the local HTTP API on
// console.listen_addr. The returned shutdown func drains in-flight requests,
// then closes the console.
func Serve(configPath string) (shutdown func() error, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	stack, err := compose.Build(context.Background(), cfg, compose.Options{})
	if err != nil {
		return nil, err
	}
	stack.Console.Start(context.Background())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := httpapi.NewServer(stack.Console, httpapi.Options{
		Addr:     cfg.Console.ListenAddr,
		Logger:   stack.Logger.Named("httpapi"),
		Registry: reg,
	})
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	if err := srv.Start(context.Background()); err != nil {
		if closeErr := stack.Close(); closeErr != nil {
			return nil, fmt.Errorf("server startup failed: %w (cleanup error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("server startup failed: %w", err)
	}

	// Ensure shutdown is only executed once
	var shutdownOnce sync.Once
	var shutdownErr error

	return func() error {
		shutdownOnce.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			err1 := srv.Stop(ctx)
			err2 := stack.Close()
			if err1 != nil {
				shutdownErr = err1
			} else {
				shutdownErr = err2
			}
		})
		return shutdownErr
	}, nil
}
