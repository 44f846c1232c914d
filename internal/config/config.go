package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration, loaded once at startup.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	NATS     NATSConfig     `yaml:"nats"`
	Auth     AuthConfig     `yaml:"auth"`
	Gmail    GmailConfig    `yaml:"gmail"`
	Outlook  OutlookConfig  `yaml:"outlook"`
	Scanner  ScannerConfig  `yaml:"scanner"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig points at the external token service that owns OAuth storage
// and refresh.
type AuthConfig struct {
	TokenServiceURL string `yaml:"token_service_url"`
}

type GmailConfig struct {
	// TopicName is the Pub/Sub topic Gmail watch publishes to, in the
	// projects/<p>/topics/<t> form.
	TopicName string `yaml:"topic_name"`
	// WebhookBaseURL is where the Pub/Sub push subscription delivers.
	// Empty disables push for Gmail accounts; they fall back to polling.
	WebhookBaseURL string `yaml:"webhook_base_url"`
}

type OutlookConfig struct {
	// WebhookBaseURL is the public base the Graph subscription calls back
	// to. Empty disables push for Outlook accounts; they fall back to
	// polling.
	WebhookBaseURL string `yaml:"webhook_base_url"`
	// JWKSURL, when set, enables verification of the validationTokens
	// Graph attaches to lifecycle notifications.
	JWKSURL string `yaml:"jwks_url"`
}

type ScannerConfig struct {
	HealthPassSchedule  string   `yaml:"health_pass_schedule"`
	RenewalPassSchedule string   `yaml:"renewal_pass_schedule"`
	AccountDelayMin     Duration `yaml:"account_delay_min"`
	AccountDelayMax     Duration `yaml:"account_delay_max"`
	RetryDelay          Duration `yaml:"retry_delay"`
}

// Duration decodes YAML strings like "5s" or "2h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads the YAML config at path and applies MAILSYNC_* environment
// overrides. Required fields are validated here; a missing webhook base URL
// is not an error, only missing infrastructure endpoints are.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	overrideFromEnv(cfg)

	if cfg.Auth.TokenServiceURL == "" {
		return nil, fmt.Errorf("auth.token_service_url is required")
	}
	if cfg.Store.Path == "" {
		return nil, fmt.Errorf("store.path is required")
	}
	if cfg.Scanner.AccountDelayMax < cfg.Scanner.AccountDelayMin {
		return nil, fmt.Errorf("scanner.account_delay_max must be >= account_delay_min")
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Store:  StoreConfig{Path: "data/mailsync.db"},
		NATS:   NATSConfig{URL: "nats://127.0.0.1:4222"},
		Scanner: ScannerConfig{
			HealthPassSchedule:  "@every 5m",
			RenewalPassSchedule: "@every 6h",
			AccountDelayMin:     Duration(5 * time.Second),
			AccountDelayMax:     Duration(10 * time.Second),
			RetryDelay:          Duration(2 * time.Hour),
		},
	}
}

func overrideFromEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "MAILSYNC_ADDR")
	setString(&cfg.Store.Path, "MAILSYNC_STORE_PATH")
	setString(&cfg.NATS.URL, "MAILSYNC_NATS_URL")
	setString(&cfg.Auth.TokenServiceURL, "MAILSYNC_TOKEN_SERVICE_URL")
	setString(&cfg.Gmail.TopicName, "MAILSYNC_GMAIL_TOPIC")
	setString(&cfg.Gmail.WebhookBaseURL, "MAILSYNC_GMAIL_WEBHOOK_BASE_URL")
	setString(&cfg.Outlook.WebhookBaseURL, "MAILSYNC_OUTLOOK_WEBHOOK_BASE_URL")
	setString(&cfg.Outlook.JWKSURL, "MAILSYNC_OUTLOOK_JWKS_URL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
