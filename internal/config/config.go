package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/wishlist-sync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the environment-based configuration for the wishlist-sync
// client daemon and CLI.
type Config struct {
	// Service flags.
	EnableSync        bool `env:"ENABLE_SYNC" envDefault:"true"`
	EnableLiveUpdates bool `env:"ENABLE_LIVE_UPDATES" envDefault:"true"`
	EnableMCP         bool `env:"ENABLE_MCP" envDefault:"false"`

	// Wishlist service base URL.
	APIURL string `env:"WISHLIST_API_URL"`

	// Session. When empty, the session cached in the state db is used;
	// with neither, the client runs as a guest.
	Token  string `env:"WISHLIST_TOKEN"`
	UserID string `env:"WISHLIST_USER_ID"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// State database location. Defaults to ~/.wishlist-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	SyncInterval   time.Duration `env:"SYNC_INTERVAL" envDefault:"30s"`
	ProbeInterval  time.Duration `env:"PROBE_INTERVAL" envDefault:"10s"`
	StaleAfter     time.Duration `env:"STALE_AFTER" envDefault:"5m"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`

	// Directory shared with other wishlist-sync processes on this
	// machine for cross-process update notices. Disabled when empty.
	BroadcastDir string `env:"BROADCAST_DIR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP server settings (required when MCP is enabled)
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// ServerConfig holds the configuration for the reference wishlist
// service.
type ServerConfig struct {
	ListenAddr    string `env:"SERVER_LISTEN_ADDR" envDefault:":8080"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Accepted bearer tokens as "user:bcrypt-hash" pairs.
	Tokens string `env:"SERVER_TOKENS"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads the client configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "wishlist-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.BroadcastDir != "" {
		absDir, err := filepath.Abs(cfg.BroadcastDir)
		if err != nil {
			return nil, fmt.Errorf("resolving broadcast dir to absolute path: %w", err)
		}

		cfg.BroadcastDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("WISHLIST_API_URL is required")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("WISHLIST_API_URL must be an http or https URL")
	}

	if (c.Token == "") != (c.UserID == "") {
		return fmt.Errorf("WISHLIST_TOKEN and WISHLIST_USER_ID must be set together")
	}

	for name, d := range map[string]time.Duration{
		"SYNC_INTERVAL":   c.SyncInterval,
		"PROBE_INTERVAL":  c.ProbeInterval,
		"STALE_AFTER":     c.StaleAfter,
		"REQUEST_TIMEOUT": c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseMCPAPIKeys parses MCP_API_KEYS.
// Format: "name1:bcrypt-hash1,name2:bcrypt-hash2"
func (c *Config) ParseMCPAPIKeys() ([]Credential, error) {
	creds, err := ParseCredentials(c.MCPAPIKeys)
	if err != nil {
		return nil, fmt.Errorf("MCP_API_KEYS: %w", err)
	}
	return creds, nil
}

// LoadServer reads the reference server configuration.
func LoadServer() (*ServerConfig, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &ServerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Tokens == "" {
		return fmt.Errorf("SERVER_TOKENS is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("REDIS_DB must not be negative")
	}
	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// ParseTokens parses SERVER_TOKENS.
func (c *ServerConfig) ParseTokens() ([]Credential, error) {
	creds, err := ParseCredentials(c.Tokens)
	if err != nil {
		return nil, fmt.Errorf("SERVER_TOKENS: %w", err)
	}
	return creds, nil
}

// Credential is a user identity and the bcrypt hash of one of its
// bearer tokens. A user may have several tokens, one per device.
type Credential = auth.Credential

// ParseCredentials parses "user1:hash1,user2:hash2". Hashes must be
// bcrypt hashes as printed by `wishlist-server hash-token`.
func ParseCredentials(s string) ([]Credential, error) {
	var creds []Credential

	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid entry %d (missing ':')", len(creds)+1)
		}

		userID := pair[:idx]

		hash := pair[idx+1:]
		if userID == "" || hash == "" {
			return nil, fmt.Errorf("empty user or hash in entry %d", len(creds)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("entry %d is not a bcrypt hash", len(creds)+1)
		}

		creds = append(creds, Credential{UserID: userID, Hash: hash})
	}

	if len(creds) == 0 {
		return nil, fmt.Errorf("no credentials")
	}

	return creds, nil
}
