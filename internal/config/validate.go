package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/sufield/devicefleet/internal/domain"
)

// Validate checks a loaded configuration.
//
// Ensures:
//   - identity.base_url, identity.client_id and device_api.base_url are absolute URLs / non-empty
//   - durations parse and are positive
//   - every capabilities key names a known transition
//   - if device_api.spiffe is set, exactly one server verification policy is set
//     and it is syntactically valid (using SDK validation)
func Validate(cfg FileConfig) error {
	if err := requireURL("identity.base_url", cfg.Identity.BaseURL); err != nil {
		return err
	}
	if cfg.Identity.ClientID == "" {
		return errors.New("identity.client_id must be set")
	}
	if err := requireURL("device_api.base_url", cfg.DeviceAPI.BaseURL); err != nil {
		return err
	}
	if cfg.Directory.BaseURL != "" {
		if err := requireURL("directory.base_url", cfg.Directory.BaseURL); err != nil {
			return err
		}
	}

	if _, err := cfg.IdentityTimeout(); err != nil {
		return err
	}
	if _, err := cfg.DeviceAPITimeout(); err != nil {
		return err
	}
	if _, err := cfg.RefreshSkew(); err != nil {
		return err
	}

	for kind := range cfg.Capabilities {
		if _, ok := domain.LookupTransition(domain.TransitionKind(kind)); !ok {
			return fmt.Errorf("capabilities: unknown transition %q", kind)
		}
	}

	if cfg.PasswordPolicy.MinLength < 0 {
		return errors.New("password_policy.min_length must not be negative")
	}

	if s := cfg.DeviceAPI.SPIFFE; s != nil {
		if err := validateSPIFFE(*s); err != nil {
			return err
		}
	}
	return nil
}

func validateSPIFFE(s SPIFFESection) error {
	if s.WorkloadSocket == "" {
		return errors.New("device_api.spiffe.workload_socket must be set")
	}

	// Ensure exactly one server verification policy is set
	hasServerID := s.ExpectedServerSPIFFEID != ""
	hasTrustDomain := s.ExpectedServerTrustDomain != ""

	if !hasServerID && !hasTrustDomain {
		return errors.New("must set exactly one of device_api.spiffe.expected_server_spiffe_id or device_api.spiffe.expected_server_trust_domain")
	}
	if hasServerID && hasTrustDomain {
		return errors.New("cannot set both device_api.spiffe.expected_server_spiffe_id and device_api.spiffe.expected_server_trust_domain")
	}

	if hasServerID {
		if _, err := spiffeid.FromString(s.ExpectedServerSPIFFEID); err != nil {
			return fmt.Errorf("invalid device_api.spiffe.expected_server_spiffe_id %q: %w", s.ExpectedServerSPIFFEID, err)
		}
	}
	if hasTrustDomain {
		if _, err := spiffeid.TrustDomainFromString(s.ExpectedServerTrustDomain); err != nil {
			return fmt.Errorf("invalid device_api.spiffe.expected_server_trust_domain %q: %w", s.ExpectedServerTrustDomain, err)
		}
	}
	return nil
}

func requireURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s must be set", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid %s %q: must be an absolute URL", field, raw)
	}
	return nil
}

// Policy converts the password_policy section to a domain.PasswordPolicy.
// Unset fields take the default.
func (c FileConfig) Policy() domain.PasswordPolicy {
	p := domain.DefaultPasswordPolicy()
	pp := c.PasswordPolicy
	if pp.MinLength > 0 {
		p.MinLength = pp.MinLength
	}
	if pp.RequireUpper != nil {
		p.RequireUpper = *pp.RequireUpper
	}
	if pp.RequireLower != nil {
		p.RequireLower = *pp.RequireLower
	}
	if pp.RequireDigit != nil {
		p.RequireDigit = *pp.RequireDigit
	}
	if pp.RequireSymbol != nil {
		p.RequireSymbol = *pp.RequireSymbol
	}
	return p
}

// CapabilityMap converts the capabilities section to transition kinds.
func (c FileConfig) CapabilityMap() map[domain.TransitionKind][]string {
	out := make(map[domain.TransitionKind][]string, len(c.Capabilities))
	for kind, groups := range c.Capabilities {
		out[domain.TransitionKind(kind)] = append([]string(nil), groups...)
	}
	return out
}
