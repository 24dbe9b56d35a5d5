package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	Vault struct {
		// Key is the raw 32-byte sealing key, decoded from base64.
		Key []byte
	}

	Google struct {
		ClientID     string
		ClientSecret string
	}

	Microsoft struct {
		ClientID     string
		ClientSecret string
		Tenant       string
	}

	OAuthRedirectPath  string
	MaxConcurrentSyncs int
	PrometheusEnabled  bool
	TrustedProxies     []string
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = strings.TrimRight(getenvDefault("APP_BASE_URL", "http://localhost:8080"), "/")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	rawKey := os.Getenv("APP_VAULT_KEY")
	if rawKey != "" {
		key, err := base64.StdEncoding.DecodeString(rawKey)
		if err != nil {
			return nil, fmt.Errorf("APP_VAULT_KEY must be base64: %w", err)
		}
		cfg.Vault.Key = key
	}

	cfg.Google.ClientID = os.Getenv("APP_GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("APP_GOOGLE_CLIENT_SECRET")
	cfg.Microsoft.ClientID = os.Getenv("APP_MICROSOFT_CLIENT_ID")
	cfg.Microsoft.ClientSecret = os.Getenv("APP_MICROSOFT_CLIENT_SECRET")
	cfg.Microsoft.Tenant = getenvDefault("APP_MICROSOFT_TENANT", "common")
	cfg.OAuthRedirectPath = getenvDefault("APP_OAUTH_REDIRECT_PATH", "/connect/callback")
	cfg.MaxConcurrentSyncs = getenvInt("APP_MAX_CONCURRENT_SYNCS", 4)
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if len(cfg.Vault.Key) == 0 {
		return nil, errors.New("APP_VAULT_KEY is required")
	}
	if len(cfg.Vault.Key) != 32 {
		return nil, fmt.Errorf("APP_VAULT_KEY must decode to 32 bytes (got %d)", len(cfg.Vault.Key))
	}
	if cfg.Google.ClientID == "" && cfg.Microsoft.ClientID == "" {
		fmt.Println("WARNING: No OAuth providers configured. Only ICS feed connections will work.")
	}
	if (cfg.Google.ClientID == "") != (cfg.Google.ClientSecret == "") {
		return nil, errors.New("APP_GOOGLE_CLIENT_ID and APP_GOOGLE_CLIENT_SECRET must be set together")
	}
	if (cfg.Microsoft.ClientID == "") != (cfg.Microsoft.ClientSecret == "") {
		return nil, errors.New("APP_MICROSOFT_CLIENT_ID and APP_MICROSOFT_CLIENT_SECRET must be set together")
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. CalSync will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

// RedirectURL is the absolute OAuth callback URL handed to providers.
func (c *Config) RedirectURL() string {
	return c.BaseURL + c.OAuthRedirectPath
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
