package compose

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sufield/devicefleet/internal/adapters/outbound/deviceapi"
	"github.com/sufield/devicefleet/internal/adapters/outbound/directory"
	"github.com/sufield/devicefleet/internal/adapters/outbound/httpclient"
	"github.com/sufield/devicefleet/internal/adapters/outbound/idp"
	"github.com/sufield/devicefleet/internal/adapters/outbound/tokenstore"
	"github.com/sufield/devicefleet/internal/app"
	"github.com/sufield/devicefleet/internal/bg"
	"github.com/sufield/devicefleet/internal/clock"
	"github.com/sufield/devicefleet/internal/config"
	"github.com/sufield/devicefleet/internal/logging"
	"github.com/sufield/devicefleet/internal/ports"
)

// Options adjusts how the stack is built.
type Options struct {
	// Logger is used as is. Nil builds one from the log section.
	Logger *zap.Logger
	// Ephemeral keeps tokens in memory instead of the configured file.
	Ephemeral bool
	// Runner runs silent restore. Nil means bg.Async.
	Runner bg.Runner
	Clock  clock.Clock
}

// Stack is a wired console plus the resources it owns.
type Stack struct {
	Console *app.Console
	Logger  *zap.Logger
	Store   ports.TokenStore

	closers []func() error
}

// Build validates cfg and wires every adapter. The caller must Close the
// stack. The ctx bounds the SPIFFE Workload API connection, if configured.
func Build(ctx context.Context, cfg config.FileConfig, opts Options) (*Stack, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := opts.Logger
	ownLogger := false
	if log == nil {
		l, err := logging.New(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
		if err != nil {
			return nil, err
		}
		log, ownLogger = l, true
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	s := &Stack{Logger: log}
	if ownLogger {
		s.closers = append(s.closers, func() error { _ = log.Sync(); return nil })
	}
	fail := func(err error) (*Stack, error) {
		_ = s.Close()
		return nil, err
	}

	idpTimeout, _ := cfg.IdentityTimeout()
	apiTimeout, _ := cfg.DeviceAPITimeout()
	skew, _ := cfg.RefreshSkew()

	idpHTTP, err := httpclient.New(ctx, httpclient.Options{Timeout: idpTimeout})
	if err != nil {
		return fail(fmt.Errorf("identity provider transport: %w", err))
	}
	s.closers = append(s.closers, idpHTTP.Close)

	provider, err := idp.New(idpHTTP, idp.Config{
		BaseURL:     cfg.Identity.BaseURL,
		ClientID:    cfg.Identity.ClientID,
		GroupClaims: cfg.Identity.GroupClaims,
	}, clk)
	if err != nil {
		return fail(err)
	}

	apiOpts := httpclient.Options{Timeout: apiTimeout}
	if sp := cfg.DeviceAPI.SPIFFE; sp != nil {
		apiOpts.SPIFFE = &httpclient.SPIFFEOptions{
			SocketPath:  sp.WorkloadSocket,
			ServerID:    sp.ExpectedServerSPIFFEID,
			TrustDomain: sp.ExpectedServerTrustDomain,
		}
	}
	apiHTTP, err := httpclient.New(ctx, apiOpts)
	if err != nil {
		return fail(fmt.Errorf("device API transport: %w", err))
	}
	s.closers = append(s.closers, apiHTTP.Close)

	devices, err := deviceapi.New(apiHTTP, cfg.DeviceAPI.BaseURL)
	if err != nil {
		return fail(err)
	}

	var lookup ports.GroupLookup
	if cfg.Directory.BaseURL != "" {
		dir, err := directory.New(idpHTTP, cfg.Directory.BaseURL)
		if err != nil {
			return fail(err)
		}
		lookup = dir
	}

	if opts.Ephemeral {
		s.Store = tokenstore.NewMemoryStore()
	} else {
		fs, err := tokenstore.NewFileStore(cfg.TokenStore.Path, cfg.TokenStore.IdentityFile)
		if err != nil {
			return fail(fmt.Errorf("token store: %w", err))
		}
		s.Store = fs
	}

	policy := cfg.Policy()
	console, err := app.NewConsole(app.Dependencies{
		IdentityProvider: provider,
		TokenStore:       s.Store,
		GroupLookup:      lookup,
		DeviceAPI:        devices,
		Audit:            logging.NewAuditSink(log),
		Capabilities:     cfg.CapabilityMap(),
		PasswordPolicy:   &policy,
		RefreshSkew:      skew,
		Clock:            clk,
		Logger:           log,
		Runner:           opts.Runner,
	})
	if err != nil {
		return fail(err)
	}
	s.Console = console

	log.Info("console wired",
		zap.String("identity", cfg.Identity.BaseURL),
		zap.String("device_api", cfg.DeviceAPI.BaseURL),
		zap.Bool("spiffe", cfg.DeviceAPI.SPIFFE != nil),
		zap.Bool("group_lookup", lookup != nil),
		zap.Bool("ephemeral", opts.Ephemeral))
	return s, nil
}

// Close waits for background work and releases transports in reverse order.
func (s *Stack) Close() error {
	if s == nil {
		return nil
	}
	if s.Console != nil {
		s.Console.Wait()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
