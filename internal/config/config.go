// ABOUTME: Configuration loading and parsing for wa-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete wa-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Vault     VaultConfig     `yaml:"vault" toml:"vault"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Webhooks  WebhooksConfig  `yaml:"webhooks" toml:"webhooks"`
	BSP       BSPConfig       `yaml:"bsp" toml:"bsp"`
	Cloud     CloudConfig     `yaml:"cloud" toml:"cloud"`
	Local     LocalConfig     `yaml:"local" toml:"local"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Templates TemplatesConfig `yaml:"templates" toml:"templates"`
	Messaging MessagingConfig `yaml:"messaging" toml:"messaging"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS, needed for vendor webhooks
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver       string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path         string `yaml:"path" toml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
}

// VaultConfig holds the process-wide credential encryption key
type VaultConfig struct {
	Key string `yaml:"key" toml:"key"`
}

// AuthConfig holds authentication configuration for the collaborator API
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// WebhooksConfig holds inbound webhook verification settings
type WebhooksConfig struct {
	VerifyToken string `yaml:"verify_token" toml:"verify_token"`
	// AppSecret verifies X-Hub-Signature-256 on direct cloud deliveries.
	AppSecret string `yaml:"app_secret" toml:"app_secret"`
	// BSPSecret derives the per-line and partner tokens relay deliveries carry.
	BSPSecret string `yaml:"bsp_secret" toml:"bsp_secret"`

	// ProcessTimeout bounds detached processing of one delivery. Zero means no bound.
	ProcessTimeout    time.Duration `yaml:"-" toml:"-"`
	ProcessTimeoutRaw string        `yaml:"process_timeout" toml:"process_timeout"`
}

// BSPConfig holds the BSP relay endpoints and partner hub credentials
type BSPConfig struct {
	BaseURL      string `yaml:"base_url" toml:"base_url"`
	HubURL       string `yaml:"hub_url" toml:"hub_url"`
	PartnerID    string `yaml:"partner_id" toml:"partner_id"`
	PartnerToken string `yaml:"partner_token" toml:"partner_token"`
}

// CloudConfig holds the vendor Cloud API settings
type CloudConfig struct {
	GraphURL   string `yaml:"graph_url" toml:"graph_url"`
	APIVersion string `yaml:"api_version" toml:"api_version"`
	AppID      string `yaml:"app_id" toml:"app_id"`
	AppSecret  string `yaml:"app_secret" toml:"app_secret"`
}

// LocalConfig holds browser automation settings for local sessions
type LocalConfig struct {
	// RemoteURL is the DevTools websocket of an external Chrome. Empty launches one.
	RemoteURL   string `yaml:"remote_url" toml:"remote_url"`
	Headless    bool   `yaml:"headless" toml:"headless"`
	UserDataDir string `yaml:"user_data_dir" toml:"user_data_dir"`
}

// EventsConfig holds downstream event publishing configuration
type EventsConfig struct {
	AMQP AMQPConfig `yaml:"amqp" toml:"amqp"`
}

// AMQPConfig configures the RabbitMQ publisher. Disabled when URL is empty.
type AMQPConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Exchange string `yaml:"exchange" toml:"exchange"`
}

// TemplatesConfig holds template cache sync configuration
type TemplatesConfig struct {
	SyncSchedule string `yaml:"sync_schedule" toml:"sync_schedule"`
}

// MessagingConfig holds outbound text handling options
type MessagingConfig struct {
	// Markdown converts outbound text from Markdown into WhatsApp markup.
	Markdown bool `yaml:"markdown" toml:"markdown"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyDefaults(&cfg)

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in vendor endpoints and tuning values left empty.
func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 32
	}
	if cfg.BSP.BaseURL == "" {
		cfg.BSP.BaseURL = "https://waba-v2.360dialog.io"
	}
	if cfg.BSP.HubURL == "" {
		cfg.BSP.HubURL = "https://hub.360dialog.io"
	}
	if cfg.Cloud.GraphURL == "" {
		cfg.Cloud.GraphURL = "https://graph.facebook.com"
	}
	if cfg.Cloud.APIVersion == "" {
		cfg.Cloud.APIVersion = "v21.0"
	}
	if cfg.Templates.SyncSchedule == "" {
		cfg.Templates.SyncSchedule = "0 */30 * * * *"
	}
	if cfg.Events.AMQP.Exchange == "" {
		cfg.Events.AMQP.Exchange = "wa-gateway.events"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Vault.Key == "" {
		return fmt.Errorf("vault.key is required")
	}

	if c.BSP.PartnerID != "" && c.BSP.PartnerToken == "" {
		return fmt.Errorf("bsp.partner_token is required when bsp.partner_id is set")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Webhooks.ProcessTimeoutRaw != "" {
		cfg.Webhooks.ProcessTimeout, err = time.ParseDuration(cfg.Webhooks.ProcessTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing process_timeout %q: %w", cfg.Webhooks.ProcessTimeoutRaw, err)
		}
	}

	return nil
}
