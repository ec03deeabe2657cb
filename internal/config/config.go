// Package config loads and validates the devicefleet configuration file.
package config

import (
	"fmt"
	"time"
)

// IdentitySection configures the identity provider (credential store).
type IdentitySection struct {
	// BaseURL is the identity provider endpoint, e.g. "https://idp.example.net".
	BaseURL  string `yaml:"base_url"`
	ClientID string `yaml:"client_id"`

	// GroupClaims lists ID token claims consulted for group membership, in
	// precedence order. Empty means ["cognito:groups", "groups"].
	GroupClaims []string `yaml:"group_claims"`

	// Timeout uses Go duration format ("10s"). Defaults to 15s.
	Timeout string `yaml:"timeout"`
}

// SPIFFESection enables SPIFFE mTLS towards the device management API.
type SPIFFESection struct {
	// WorkloadSocket is the SPIRE Agent Workload API socket,
	// e.g. "unix:///tmp/spire-agent/public/api.sock".
	WorkloadSocket            string `yaml:"workload_socket"`
	ExpectedServerSPIFFEID    string `yaml:"expected_server_spiffe_id"`
	ExpectedServerTrustDomain string `yaml:"expected_server_trust_domain"`
}

// DeviceAPISection configures the device management backend.
type DeviceAPISection struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`

	// SPIFFE is optional; nil means plain HTTPS.
	SPIFFE *SPIFFESection `yaml:"spiffe,omitempty"`
}

// DirectorySection configures the group lookup used when ID tokens carry
// no group claim. Empty BaseURL disables the lookup.
type DirectorySection struct {
	BaseURL string `yaml:"base_url"`
}

// TokenStoreSection configures the durable token store.
type TokenStoreSection struct {
	Path string `yaml:"path"`
	// IdentityFile holds the age X25519 key. Defaults to Path + ".key".
	IdentityFile string `yaml:"identity_file"`
}

// PasswordPolicySection mirrors domain.PasswordPolicy. Nil pointers take the
// default (required).
type PasswordPolicySection struct {
	MinLength     int   `yaml:"min_length"`
	RequireUpper  *bool `yaml:"require_upper"`
	RequireLower  *bool `yaml:"require_lower"`
	RequireDigit  *bool `yaml:"require_digit"`
	RequireSymbol *bool `yaml:"require_symbol"`
}

// ConsoleSection configures the local console HTTP API.
type ConsoleSection struct {
	ListenAddr  string `yaml:"listen_addr"`
	RefreshSkew string `yaml:"refresh_skew"`
}

// LogSection configures logging.
type LogSection struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// FileConfig is the devicefleet configuration file.
//
// The config format is versioned to support future evolution without breaking changes.
type FileConfig struct {
	Version int `yaml:"version,omitempty"`

	Identity   IdentitySection   `yaml:"identity"`
	DeviceAPI  DeviceAPISection  `yaml:"device_api"`
	Directory  DirectorySection  `yaml:"directory"`
	TokenStore TokenStoreSection `yaml:"token_store"`

	// Capabilities maps a transition kind ("Deploy") to the groups allowed
	// to request it. Kinds without an entry need only a signed-in caller.
	Capabilities map[string][]string `yaml:"capabilities"`

	PasswordPolicy PasswordPolicySection `yaml:"password_policy"`
	Console        ConsoleSection        `yaml:"console"`
	Log            LogSection            `yaml:"log"`
}

// Defaults.
const (
	DefaultIdentityTimeout  = 15 * time.Second
	DefaultDeviceAPITimeout = 30 * time.Second
	DefaultRefreshSkew      = 60 * time.Second
	DefaultListenAddr       = "127.0.0.1:8470"
	DefaultLogLevel         = "info"
)

// IdentityTimeout returns the parsed identity timeout.
func (c FileConfig) IdentityTimeout() (time.Duration, error) {
	return parseDuration("identity.timeout", c.Identity.Timeout, DefaultIdentityTimeout)
}

// DeviceAPITimeout returns the parsed device API timeout.
func (c FileConfig) DeviceAPITimeout() (time.Duration, error) {
	return parseDuration("device_api.timeout", c.DeviceAPI.Timeout, DefaultDeviceAPITimeout)
}

// RefreshSkew returns how long before expiry an access token is refreshed.
func (c FileConfig) RefreshSkew() (time.Duration, error) {
	return parseDuration("console.refresh_skew", c.Console.RefreshSkew, DefaultRefreshSkew)
}

func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", field, raw)
	}
	return d, nil
}
