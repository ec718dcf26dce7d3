package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/zhailiang23/deep-search/internal/idp"
	"github.com/zhailiang23/deep-search/internal/state"
	"github.com/zhailiang23/deep-search/session"
)

// Config holds all environment-based configuration for the session daemon
// and the development identity provider.
type Config struct {
	// Identity provider the session talks to.
	AuthBaseURL     string        `env:"AUTH_BASE_URL" envDefault:"http://localhost:8080" validate:"required,http_url"`
	AuthHTTPTimeout time.Duration `env:"AUTH_HTTP_TIMEOUT" envDefault:"30s" validate:"gt=0"`

	// Account credentials. Optional: without them the daemon only resumes
	// a stored session.
	Username   string `env:"DEEPSEARCH_USERNAME"`
	Password   string `env:"DEEPSEARCH_PASSWORD"`
	RememberMe bool   `env:"DEEPSEARCH_REMEMBER_ME" envDefault:"true"`

	// Path of the bbolt session database. Defaults to ~/.deep-search/session.db.
	StatePath string `env:"SESSION_STATE_PATH"`

	// Renewal scheduler.
	RenewalInterval time.Duration `env:"RENEWAL_INTERVAL" envDefault:"1m" validate:"gt=0"`
	RenewalWindow   time.Duration `env:"RENEWAL_WINDOW" envDefault:"5m" validate:"gtfield=RenewalInterval"`

	// Roles that bypass permission checks.
	AdminRoles     []string `env:"ADMIN_ROLES" envSeparator:"," envDefault:"admin,super_admin" validate:"min=1,dive,required"`
	SuperAdminRole string   `env:"SUPER_ADMIN_ROLE" envDefault:"super_admin" validate:"required"`

	// Prometheus /metrics listen address. Empty disables the endpoint.
	MetricsAddr string `env:"METRICS_ADDR" validate:"omitempty,hostname_port"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Development identity provider (devserver command).
	DevIdPAddr       string        `env:"DEV_IDP_ADDR" envDefault:"127.0.0.1:8080"`
	DevIdPSecret     string        `env:"DEV_IDP_SECRET"`
	DevIdPAccessTTL  time.Duration `env:"DEV_IDP_ACCESS_TTL" envDefault:"15m" validate:"gt=0"`
	DevIdPRefreshTTL time.Duration `env:"DEV_IDP_REFRESH_TTL" envDefault:"168h" validate:"gtfield=DevIdPAccessTTL"`
	DevIdPUsers      string        `env:"DEV_IDP_USERS"`
}

const (
	// devSecretMinLen is the minimum length of the HS256 signing secret.
	devSecretMinLen = 32
)

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

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid %s: failed %q check", verrs[0].Field(), verrs[0].Tag())
		}

		return err
	}

	if (c.Username == "") != (c.Password == "") {
		return fmt.Errorf("DEEPSEARCH_USERNAME and DEEPSEARCH_PASSWORD must be set together")
	}

	return nil
}

// HasCredentials reports whether a username and password are configured.
func (c *Config) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// Credentials returns the configured login credentials.
func (c *Config) Credentials() session.Credentials {
	return session.Credentials{
		Username:   c.Username,
		Password:   c.Password,
		RememberMe: c.RememberMe,
	}
}

// SessionConfig returns the session manager settings.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		RenewalInterval: c.RenewalInterval,
		RenewalWindow:   c.RenewalWindow,
		AdminRoles:      c.AdminRoles,
		SuperAdminRole:  c.SuperAdminRole,
	}
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ValidateDevIdP checks the settings the devserver command needs.
func (c *Config) ValidateDevIdP() error {
	if len(c.DevIdPSecret) < devSecretMinLen {
		return fmt.Errorf("DEV_IDP_SECRET must be at least %d characters", devSecretMinLen)
	}

	if strings.TrimSpace(c.DevIdPUsers) == "" {
		return fmt.Errorf("DEV_IDP_USERS is required for the development identity provider")
	}

	return nil
}

// ParseDevIdPUsers parses the DEV_IDP_USERS string into accounts.
// Format: "user:bcrypthash[:role|role[:perm|perm]],user2:..."
// Hashes are produced by the hash-password command.
func (c *Config) ParseDevIdPUsers() ([]idp.Account, error) {
	if c.DevIdPUsers == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var accounts []idp.Account

	for _, entry := range strings.Split(c.DevIdPUsers, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 4 {
			return nil, fmt.Errorf("invalid user entry %d (want user:hash[:roles[:permissions]])", len(accounts)+1)
		}

		username, hash := parts[0], parts[1]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or hash in entry %d", len(accounts)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("password for %q is not a bcrypt hash (use hash-password)", username)
		}

		if _, dup := seen[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in DEV_IDP_USERS", username)
		}

		seen[username] = struct{}{}

		acc := idp.Account{
			User:         session.User{Username: username},
			PasswordHash: []byte(hash),
		}

		if len(parts) > 2 {
			acc.Roles = splitList(parts[2])
		}

		if len(parts) > 3 {
			acc.Permissions = splitList(parts[3])
		}

		accounts = append(accounts, acc)
	}

	return accounts, nil
}

func splitList(s string) []string {
	var out []string

	for _, item := range strings.Split(s, "|") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}

	return out
}
