package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a devicefleet configuration file, then applies
// FLEET_* environment overrides and defaults.
func Load(path string) (FileConfig, error) {
	var cfg FileConfig

	// Clean the path to prevent directory traversal attacks
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - Config file path is trusted (from admin/user)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// applyDefaults fills unset values.
func applyDefaults(cfg *FileConfig) {
	if cfg.Console.ListenAddr == "" {
		cfg.Console.ListenAddr = DefaultListenAddr
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.TokenStore.Path == "" {
		cfg.TokenStore.Path = defaultTokenPath()
	}
	if cfg.TokenStore.IdentityFile == "" {
		cfg.TokenStore.IdentityFile = cfg.TokenStore.Path + ".key"
	}
}

func defaultTokenPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "devicefleet", "session.age")
}

// applyEnvOverrides overrides config values with environment variables if set.
// Returns error for invalid environment variable values to fail fast.
func applyEnvOverrides(cfg *FileConfig) error {
	if v := os.Getenv("FLEET_IDENTITY_URL"); v != "" {
		cfg.Identity.BaseURL = v
	}
	if v := os.Getenv("FLEET_CLIENT_ID"); v != "" {
		cfg.Identity.ClientID = v
	}
	if v := os.Getenv("FLEET_GROUP_CLAIMS"); v != "" {
		cfg.Identity.GroupClaims = splitList(v)
	}
	if v := os.Getenv("FLEET_DEVICE_API_URL"); v != "" {
		cfg.DeviceAPI.BaseURL = v
	}
	if v := os.Getenv("FLEET_DIRECTORY_URL"); v != "" {
		cfg.Directory.BaseURL = v
	}
	if v := os.Getenv("FLEET_TOKEN_STORE"); v != "" {
		cfg.TokenStore.Path = v
	}
	if v := os.Getenv("FLEET_LISTEN_ADDR"); v != "" {
		cfg.Console.ListenAddr = v
	}
	if v := os.Getenv("FLEET_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FLEET_LOG_DEVELOPMENT"); v != "" {
		dev, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FLEET_LOG_DEVELOPMENT %q: %w", v, err)
		}
		cfg.Log.Development = dev
	}
	if v := os.Getenv("FLEET_SPIFFE_SOCKET"); v != "" {
		if cfg.DeviceAPI.SPIFFE == nil {
			cfg.DeviceAPI.SPIFFE = &SPIFFESection{}
		}
		cfg.DeviceAPI.SPIFFE.WorkloadSocket = v
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseBool parses boolean environment variables
// Accepts: "true", "1", "yes", "on" for true; "false", "0", "no", "off" for false
func parseBool(value string) (bool, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", value)
	}
}
