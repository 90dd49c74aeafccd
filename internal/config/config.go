// Package config loads the bot's settings from the config file, LEDGERBOT_
// environment variables and the legacy deployment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override config keys.
const EnvPrefix = "LEDGERBOT"

// Config is the complete, validated configuration.
type Config struct {
	Telegram     TelegramConfig
	Ledger       LedgerConfig
	Intent       IntentConfig
	Storage      StorageConfig
	Conversation ConversationConfig
	Server       ServerConfig
}

// TelegramConfig configures the chat transport.
type TelegramConfig struct {
	Token         string
	AdminChatID   string
	APIURL        string
	WebhookURL    string
	WebhookSecret string
}

// LedgerConfig configures the Firefly III client.
type LedgerConfig struct {
	URL        string
	Token      string
	Timeout    time.Duration
	CatalogTTL time.Duration
}

// IntentConfig configures intent extraction.
type IntentConfig struct {
	Provider      string
	Token         string
	Model         string
	MinConfidence float64
	RateLimit     int
	CacheTTL      time.Duration
}

// StorageConfig locates the session database.
type StorageConfig struct {
	Path string
}

// ConversationConfig is the session policy.
type ConversationConfig struct {
	DefaultCurrency   string
	IdleTimeout       time.Duration
	MaxRetries        int
	MaxCommitAttempts int
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Addr      string
	TLSDir    string
	TLSHost   string
	RateLimit float64
	Retention time.Duration
}

// legacyEnv maps config keys to the unprefixed variables existing deployments set,
// consulted only when the key has no value.
var legacyEnv = map[string]string{
	"telegram.token":         "TG_BOT_TOKEN",
	"telegram.admin_chat_id": "TG_MASTER_ID",
	"ledger.url":             "FIREFLY_URL",
	"ledger.token":           "FIREFLY_PAT",
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("telegram.api_url", "https://api.telegram.org")
	v.SetDefault("ledger.timeout", 15*time.Second)
	v.SetDefault("ledger.catalog_ttl", 5*time.Minute)
	v.SetDefault("intent.min_confidence", 0.7)
	v.SetDefault("intent.rate_limit", 60)
	v.SetDefault("intent.cache_ttl", 10*time.Minute)
	v.SetDefault("conversation.default_currency", "")
	v.SetDefault("conversation.idle_timeout", 30*time.Minute)
	v.SetDefault("conversation.max_retries", 3)
	v.SetDefault("conversation.max_commit_attempts", 3)
	v.SetDefault("server.rate_limit", 30.0)
	v.SetDefault("server.retention", 30*24*time.Hour)
}

// Init prepares v: it pre-loads .env files, reads the config file (cfgFile,
// or config.yaml in ~/.config/ledgerbot or the working directory) and enables
// LEDGERBOT_ environment overrides. A missing config file is not an error.
func Init(v *viper.Viper, cfgFile string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(ExpandPath(cfgFile))
	} else {
		v.AddConfigPath(filepath.Join(configHome(), "ledgerbot"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

// Load builds the configuration from v and the legacy environment and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Telegram: TelegramConfig{
			Token:         lookup(v, "telegram.token"),
			AdminChatID:   lookup(v, "telegram.admin_chat_id"),
			APIURL:        v.GetString("telegram.api_url"),
			WebhookURL:    v.GetString("telegram.webhook_url"),
			WebhookSecret: v.GetString("telegram.webhook_secret"),
		},
		Ledger: LedgerConfig{
			URL:        lookup(v, "ledger.url"),
			Token:      lookup(v, "ledger.token"),
			Timeout:    v.GetDuration("ledger.timeout"),
			CatalogTTL: v.GetDuration("ledger.catalog_ttl"),
		},
		Intent: IntentConfig{
			Provider:      strings.ToLower(v.GetString("intent.provider")),
			Token:         v.GetString("intent.token"),
			Model:         v.GetString("intent.model"),
			MinConfidence: v.GetFloat64("intent.min_confidence"),
			RateLimit:     v.GetInt("intent.rate_limit"),
			CacheTTL:      v.GetDuration("intent.cache_ttl"),
		},
		Storage: StorageConfig{
			Path: storagePath(v),
		},
		Conversation: ConversationConfig{
			DefaultCurrency:   strings.ToUpper(v.GetString("conversation.default_currency")),
			IdleTimeout:       v.GetDuration("conversation.idle_timeout"),
			MaxRetries:        v.GetInt("conversation.max_retries"),
			MaxCommitAttempts: v.GetInt("conversation.max_commit_attempts"),
		},
		Server: ServerConfig{
			Addr:      serverAddr(v),
			TLSDir:    ExpandPath(v.GetString("server.tls_dir")),
			TLSHost:   v.GetString("server.tls_host"),
			RateLimit: v.GetFloat64("server.rate_limit"),
			Retention: v.GetDuration("server.retention"),
		},
	}
	cfg.resolveIntent()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveIntent picks the provider from whichever token is available when
// none is configured, and fills the token from the provider's own variable.
func (c *Config) resolveIntent() {
	if c.Intent.Provider == "" {
		switch {
		case c.Intent.Token != "":
			c.Intent.Provider = "wit"
		case os.Getenv("WIT_TOKEN") != "":
			c.Intent.Provider = "wit"
		case os.Getenv("GEMINI_API_KEY") != "":
			c.Intent.Provider = "gemini"
		default:
			c.Intent.Provider = "rules"
		}
	}
	if c.Intent.Token != "" {
		return
	}
	switch c.Intent.Provider {
	case "wit":
		c.Intent.Token = os.Getenv("WIT_TOKEN")
	case "gemini":
		c.Intent.Token = os.Getenv("GEMINI_API_KEY")
	}
}

// Validate checks values that every command relies on. Credentials are
// checked by the components that need them.
func (c *Config) Validate() error {
	var errs []error

	switch c.Intent.Provider {
	case "rules", "wit", "gemini":
	default:
		errs = append(errs, fmt.Errorf("%w: intent.provider %q (want rules, wit or gemini)", common.ErrInvalidConfig, c.Intent.Provider))
	}
	if c.Intent.MinConfidence < 0 || c.Intent.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("%w: intent.min_confidence must be between 0 and 1", common.ErrInvalidConfig))
	}
	if c.Intent.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("%w: intent.rate_limit must not be negative", common.ErrInvalidConfig))
	}
	if c.Conversation.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: conversation.idle_timeout must be positive", common.ErrInvalidConfig))
	}
	if c.Conversation.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("%w: conversation.max_retries must be at least 1", common.ErrInvalidConfig))
	}
	if c.Conversation.MaxCommitAttempts < 1 {
		errs = append(errs, fmt.Errorf("%w: conversation.max_commit_attempts must be at least 1", common.ErrInvalidConfig))
	}
	if cur := c.Conversation.DefaultCurrency; cur != "" && len(cur) != 3 {
		errs = append(errs, fmt.Errorf("%w: conversation.default_currency %q is not an ISO code", common.ErrInvalidConfig, cur))
	}
	if c.Ledger.URL != "" {
		if _, err := url.ParseRequestURI(c.Ledger.URL); err != nil {
			errs = append(errs, fmt.Errorf("%w: ledger.url %q", common.ErrInvalidConfig, c.Ledger.URL))
		}
	}
	if c.Telegram.WebhookURL != "" {
		u, err := url.Parse(c.Telegram.WebhookURL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%w: telegram.webhook_url must be an https URL", common.ErrInvalidConfig))
		}
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("%w: server.rate_limit must not be negative", common.ErrInvalidConfig))
	}
	if (c.Server.TLSDir == "") != (c.Server.TLSHost == "") {
		errs = append(errs, fmt.Errorf("%w: server.tls_dir and server.tls_host must be set together", common.ErrInvalidConfig))
	}

	return errors.Join(errs...)
}

// RequireTelegram reports missing bot credentials.
func (c *Config) RequireTelegram() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("%w: telegram.token (or TG_BOT_TOKEN)", common.ErrMissingConfig)
	}
	return nil
}

// RequireLedger reports missing ledger credentials.
func (c *Config) RequireLedger() error {
	var errs []error
	if c.Ledger.URL == "" {
		errs = append(errs, fmt.Errorf("%w: ledger.url (or FIREFLY_URL)", common.ErrMissingConfig))
	}
	if c.Ledger.Token == "" {
		errs = append(errs, fmt.Errorf("%w: ledger.token (or FIREFLY_PAT)", common.ErrMissingConfig))
	}
	return errors.Join(errs...)
}

func lookup(v *viper.Viper, key string) string {
	if value := strings.TrimSpace(v.GetString(key)); value != "" {
		return value
	}
	if env, ok := legacyEnv[key]; ok {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

func storagePath(v *viper.Viper) string {
	if p := v.GetString("storage.path"); p != "" {
		return ExpandPath(p)
	}
	if dir := os.Getenv("APP_SHARED_STORAGE_PATH"); dir != "" {
		return filepath.Join(ExpandPath(dir), "ledgerbot.db")
	}
	return filepath.Join(DataHome(), "ledgerbot", "ledgerbot.db")
}

func serverAddr(v *viper.Viper) string {
	if addr := v.GetString("server.addr"); addr != "" {
		return addr
	}
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":80"
}
