package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ControllerConfig holds the timing knobs of the email transport controller.
type ControllerConfig struct {
	// RequestTimeout bounds how long a request waits for its reply when the
	// caller does not pass a timeout of its own.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// ResponseExpiry is how long an unmatched reply is kept before it is
	// dropped.
	ResponseExpiry time.Duration `mapstructure:"response_expiry" yaml:"response_expiry"`

	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`

	// AutoDeleteDeadline is how long a folder may stay in the pending
	// housekeeping state before the entry is abandoned.
	AutoDeleteDeadline time.Duration `mapstructure:"auto_delete_deadline" yaml:"auto_delete_deadline"`

	// LedgerRetention is how long processed-message and resolved-request
	// records are kept.
	LedgerRetention time.Duration `mapstructure:"ledger_retention" yaml:"ledger_retention"`
}

// WatcherConfig holds mailbox polling settings.
type WatcherConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PageSize     int           `mapstructure:"page_size" yaml:"page_size"`
}

// FilterAPIConfig holds settings for the HTTPS side channel.
type FilterAPIConfig struct {
	Port       int     `mapstructure:"port" yaml:"port"`
	PathPrefix string  `mapstructure:"path_prefix" yaml:"path_prefix"`
	RateLimit  float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst      int     `mapstructure:"burst" yaml:"burst"`
	Trace      bool    `mapstructure:"trace" yaml:"trace"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Dir       string `mapstructure:"dir" yaml:"dir"`
	Level     string `mapstructure:"level" yaml:"level"`
	MaxFiles  int    `mapstructure:"max_files" yaml:"max_files"`
	MaxSizeMB int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	NoConsole bool   `mapstructure:"no_console" yaml:"no_console"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Accounts   []Account        `mapstructure:"accounts" yaml:"accounts"`
	Controller ControllerConfig `mapstructure:"controller" yaml:"controller"`
	Watcher    WatcherConfig    `mapstructure:"watcher" yaml:"watcher"`
	FilterAPI  FilterAPIConfig  `mapstructure:"filterapi" yaml:"filterapi"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	DBPath     string           `mapstructure:"db_path" yaml:"db_path"`
}

// ConfigDir returns ~/.config/mailrpc, falling back to the working directory
// when the home directory cannot be determined.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailrpc")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailrpc/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DefaultAppConfig returns the configuration used when no file exists.
func DefaultAppConfig() *AppConfig {
	dir := ConfigDir()
	return &AppConfig{
		Accounts: []Account{},
		Controller: ControllerConfig{
			RequestTimeout:     30 * time.Second,
			ResponseExpiry:     10 * time.Second,
			TickInterval:       1024 * time.Millisecond,
			AutoDeleteDeadline: time.Minute,
			LedgerRetention:    24 * time.Hour,
		},
		Watcher: WatcherConfig{
			PollInterval: 15 * time.Second,
			PageSize:     25,
		},
		FilterAPI: FilterAPIConfig{
			Port:       4443,
			PathPrefix: "/mailfilter",
			RateLimit:  5,
			Burst:      5,
		},
		Log: LogConfig{
			Dir:       filepath.Join(dir, "logs"),
			Level:     "info",
			MaxFiles:  3,
			MaxSizeMB: 20,
		},
		DBPath: filepath.Join(dir, "mailrpc.db"),
	}
}

func setDefaults(v *viper.Viper, d *AppConfig) {
	v.SetDefault("controller.request_timeout", d.Controller.RequestTimeout)
	v.SetDefault("controller.response_expiry", d.Controller.ResponseExpiry)
	v.SetDefault("controller.tick_interval", d.Controller.TickInterval)
	v.SetDefault("controller.auto_delete_deadline", d.Controller.AutoDeleteDeadline)
	v.SetDefault("controller.ledger_retention", d.Controller.LedgerRetention)
	v.SetDefault("watcher.poll_interval", d.Watcher.PollInterval)
	v.SetDefault("watcher.page_size", d.Watcher.PageSize)
	v.SetDefault("filterapi.port", d.FilterAPI.Port)
	v.SetDefault("filterapi.path_prefix", d.FilterAPI.PathPrefix)
	v.SetDefault("filterapi.rate_limit", d.FilterAPI.RateLimit)
	v.SetDefault("filterapi.burst", d.FilterAPI.Burst)
	v.SetDefault("filterapi.trace", d.FilterAPI.Trace)
	v.SetDefault("filterapi.insecure", d.FilterAPI.Insecure)
	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.max_files", d.Log.MaxFiles)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.no_console", d.Log.NoConsole)
	v.SetDefault("db_path", d.DBPath)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with MAILRPC_ override file values, e.g.
// MAILRPC_CONTROLLER_REQUEST_TIMEOUT=45s. If the file does not exist, the
// defaults (plus any environment overrides) are returned.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultAppConfig())

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := DefaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		acct := &cfg.Accounts[i]
		if acct.Name == "" {
			acct.Name = acct.ID
		}
		if acct.Username == "" && len(acct.Identities) > 0 {
			acct.Username = acct.Identities[0].Email
		}
		if acct.IMAP.Security == "" {
			acct.IMAP.Security = SecurityTLS
		}
		if acct.IMAP.Port == 0 {
			acct.IMAP.Port = defaultPort("imap", acct.IMAP.Security)
		}
		if acct.SMTP.Security == "" {
			acct.SMTP.Security = SecurityTLS
		}
		if acct.SMTP.Port == 0 {
			acct.SMTP.Port = defaultPort("smtp", acct.SMTP.Security)
		}
		if !acct.Enabled {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("accounts.%d.enabled", i)
			if !v.IsSet(key) {
				acct.Enabled = true
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

func defaultPort(proto string, sec Security) int {
	switch {
	case proto == "imap" && sec == SecurityTLS:
		return 993
	case proto == "imap":
		return 143
	case sec == SecurityTLS:
		return 465
	default:
		return 587
	}
}

// Validate checks account entries for missing or duplicate fields.
func (c *AppConfig) Validate() error {
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("account %d: missing id", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("account %s: duplicate id", a.ID)
		}
		seen[a.ID] = true
		if len(a.Identities) == 0 {
			return fmt.Errorf("account %s: no identities", a.ID)
		}
		for _, s := range []Security{a.IMAP.Security, a.SMTP.Security} {
			switch s {
			case SecurityTLS, SecurityStartTLS, SecurityNone:
			default:
				return fmt.Errorf("account %s: unknown security %q",
					a.ID, s)
			}
		}
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("accounts", cfg.Accounts)
	v.Set("controller.request_timeout", cfg.Controller.RequestTimeout.String())
	v.Set("controller.response_expiry", cfg.Controller.ResponseExpiry.String())
	v.Set("controller.tick_interval", cfg.Controller.TickInterval.String())
	v.Set("controller.auto_delete_deadline", cfg.Controller.AutoDeleteDeadline.String())
	v.Set("controller.ledger_retention", cfg.Controller.LedgerRetention.String())
	v.Set("watcher.poll_interval", cfg.Watcher.PollInterval.String())
	v.Set("watcher.page_size", cfg.Watcher.PageSize)
	v.Set("filterapi", cfg.FilterAPI)
	v.Set("log", cfg.Log)
	v.Set("db_path", cfg.DBPath)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
