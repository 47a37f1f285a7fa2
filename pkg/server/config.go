package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server TOMLServerSection `toml:"server"`
	XMPP   XMPPSection       `toml:"xmpp"`
	Auth   AuthSection       `toml:"auth"`
	Shop   ShopSection       `toml:"shop"`
}

type TOMLServerSection struct {
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
}

type XMPPSection struct {
	TCPPort int    `toml:"tcp_port"`
	Domain  string `toml:"domain"`
	// TLSCertPath/TLSKeyPath enable the mandatory starttls upgrade on the
	// raw TCP transport. Both empty means plain connections are accepted.
	TLSCertPath string `toml:"tls_cert_path"`
	TLSKeyPath  string `toml:"tls_key_path"`
}

type AuthSection struct {
	// JWTSecret signs access tokens. Empty means a random secret per
	// process, which invalidates tokens across restarts.
	JWTSecret       string `toml:"jwt_secret"`
	TokenTTLMinutes int    `toml:"token_ttl_minutes"`
}

type ShopSection struct {
	// CatalogPath points at a JSON offer file. Empty uses the built-in
	// default storefront.
	CatalogPath string `toml:"catalog_path"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: TOMLServerSection{
			HTTPPort:     3551,
			MetricsPort:  9090,
			DatabasePath: "~/.breakwater/breakwater.db",
		},
		XMPP: XMPPSection{
			TCPPort: 5222,
			Domain:  "breakwater.local",
		},
		Auth: AuthSection{
			JWTSecret:       "",
			TokenTTLMinutes: 480, // 8 hours
		},
		Shop: ShopSection{
			CatalogPath: "",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	// Expand ~ in path
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	// Load from file
	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: BREAKWATER_SECTION_KEY
// Example: BREAKWATER_SERVER_HTTP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	if val := os.Getenv("BREAKWATER_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("BREAKWATER_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("BREAKWATER_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}

	// XMPP section
	if val := os.Getenv("BREAKWATER_XMPP_TCP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.XMPP.TCPPort = port
		}
	}
	if val := os.Getenv("BREAKWATER_XMPP_DOMAIN"); val != "" {
		config.XMPP.Domain = val
	}
	if val := os.Getenv("BREAKWATER_XMPP_TLS_CERT_PATH"); val != "" {
		config.XMPP.TLSCertPath = val
	}
	if val := os.Getenv("BREAKWATER_XMPP_TLS_KEY_PATH"); val != "" {
		config.XMPP.TLSKeyPath = val
	}

	// Auth section
	if val := os.Getenv("BREAKWATER_AUTH_JWT_SECRET"); val != "" {
		config.Auth.JWTSecret = val
	}
	if val := os.Getenv("BREAKWATER_AUTH_TOKEN_TTL_MINUTES"); val != "" {
		if minutes, err := strconv.Atoi(val); err == nil {
			config.Auth.TokenTTLMinutes = minutes
		}
	}

	// Shop section
	if val := os.Getenv("BREAKWATER_SHOP_CATALOG_PATH"); val != "" {
		config.Shop.CatalogPath = val
	}

	return config
}

// writeDefaultConfig writes the default config to the given path
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(config)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
