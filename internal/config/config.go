// Package config loads captivegate configuration from YAML and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides (CAPTIVEGATE_SESSION_TTL etc.).
const EnvPrefix = "CAPTIVEGATE"

// Config is the full gateway configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Session  SessionConfig  `mapstructure:"session"`
	Firewall FirewallConfig `mapstructure:"firewall"`
	Neighbor NeighborConfig `mapstructure:"neighbor"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Portal   PortalConfig   `mapstructure:"portal"`
	Redirect RedirectConfig `mapstructure:"redirect"`
	API      APIConfig      `mapstructure:"api"`
	Client   ClientConfig   `mapstructure:"client"`
}

// LogConfig controls the zap logger and its optional rotating file.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// DatabaseConfig holds the SQLite session store settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
	// HistoryRetention prunes inactive rows older than this; 0 keeps them forever.
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// SessionConfig holds the session lifetime settings.
type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// FirewallConfig describes the iptables layout on the access point.
type FirewallConfig struct {
	Interface      string        `mapstructure:"interface"`
	RedirectTo     string        `mapstructure:"redirect_to"`
	RedirectTo6    string        `mapstructure:"redirect_to6"`
	ManageBaseRule bool          `mapstructure:"manage_base_rules"`
	IPTables       string        `mapstructure:"iptables"`
	IP6Tables      string        `mapstructure:"ip6tables"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// NeighborConfig controls link-layer address lookups.
type NeighborConfig struct {
	Interface string        `mapstructure:"interface"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// ExecutorConfig selects where firewall and neighbor commands run.
type ExecutorConfig struct {
	Mode    string `mapstructure:"mode"` // local or ssh
	UseSudo bool   `mapstructure:"use_sudo"`

	SSHAddress    string `mapstructure:"ssh_address"`
	SSHPort       int    `mapstructure:"ssh_port"`
	SSHUsername   string `mapstructure:"ssh_username"`
	SSHPassword   string `mapstructure:"ssh_password"`
	SSHPrivateKey string `mapstructure:"ssh_private_key"`
	SSHKnownHosts string `mapstructure:"ssh_known_hosts"`
}

// PortalConfig describes the login portal.
type PortalConfig struct {
	Host       string `mapstructure:"host"`
	Scheme     string `mapstructure:"scheme"`
	LoginPath  string `mapstructure:"login_path"`
	BackendURL string `mapstructure:"backend_url"`
}

// RedirectConfig holds the intercepting HTTP listener settings.
type RedirectConfig struct {
	Listen            string  `mapstructure:"listen"`
	TrustForwardedFor bool    `mapstructure:"trust_forwarded_for"`
	RateLimit         float64 `mapstructure:"rate_limit"`
	RateBurst         int     `mapstructure:"rate_burst"`
}

// APIConfig holds the internal RPC server settings.
type APIConfig struct {
	Listen    string  `mapstructure:"listen"`
	KeysDir   string  `mapstructure:"keys_dir"`
	Issuer    string  `mapstructure:"issuer"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// ClientConfig is used by the CLI and the authentication service to reach the API.
type ClientConfig struct {
	APIURL   string        `mapstructure:"api_url"`
	Attempts uint          `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("database.path", "./captivegate.db")
	v.SetDefault("database.history_retention", 0)

	v.SetDefault("session.ttl", time.Hour)
	v.SetDefault("session.sweep_interval", 10*time.Second)

	v.SetDefault("firewall.interface", "wlan0")
	v.SetDefault("firewall.redirect_to", "192.168.1.1:8080")
	v.SetDefault("firewall.redirect_to6", "")
	v.SetDefault("firewall.manage_base_rules", false)
	v.SetDefault("firewall.iptables", "iptables")
	v.SetDefault("firewall.ip6tables", "ip6tables")
	v.SetDefault("firewall.command_timeout", 5*time.Second)

	v.SetDefault("neighbor.interface", "wlan0")
	v.SetDefault("neighbor.cache_ttl", 0)

	v.SetDefault("executor.mode", "local")
	v.SetDefault("executor.use_sudo", true)
	v.SetDefault("executor.ssh_port", 22)
	v.SetDefault("executor.ssh_username", "root")

	v.SetDefault("portal.host", "captive.local")
	v.SetDefault("portal.scheme", "http")
	v.SetDefault("portal.login_path", "/")
	v.SetDefault("portal.backend_url", "http://127.0.0.1:5000")

	v.SetDefault("redirect.listen", "192.168.1.1:8080")
	v.SetDefault("redirect.trust_forwarded_for", false)
	v.SetDefault("redirect.rate_limit", 20.0)
	v.SetDefault("redirect.rate_burst", 40)

	v.SetDefault("api.listen", "127.0.0.1:4001")
	v.SetDefault("api.keys_dir", "./keys")
	v.SetDefault("api.issuer", "captivegate")
	v.SetDefault("api.rate_limit", 10.0)
	v.SetDefault("api.rate_burst", 20)

	v.SetDefault("client.api_url", "http://127.0.0.1:4001")
	v.SetDefault("client.attempts", 3)
	v.SetDefault("client.delay", 500*time.Millisecond)
}

// Load reads the configuration. An empty path searches ./config and /etc/captivegate
// for captivegate.yaml; a missing file is not an error in that case.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("captivegate")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/captivegate")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the settings the gateway cannot run without.
func (c *Config) Validate() error {
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be positive")
	}
	if c.Firewall.Interface == "" {
		return fmt.Errorf("firewall.interface must be set")
	}
	if c.Portal.Host == "" {
		return fmt.Errorf("portal.host must be set")
	}
	if c.Portal.BackendURL == "" {
		return fmt.Errorf("portal.backend_url must be set")
	}
	switch c.Executor.Mode {
	case "local":
	case "ssh":
		if c.Executor.SSHAddress == "" {
			return fmt.Errorf("executor.ssh_address must be set in ssh mode")
		}
	default:
		return fmt.Errorf("executor.mode must be local or ssh, got %q", c.Executor.Mode)
	}
	if c.Neighbor.Interface == "" {
		c.Neighbor.Interface = c.Firewall.Interface
	}
	return nil
}

// PortalURL returns the base URL of the login portal as seen by clients.
func (c *Config) PortalURL() string {
	path := c.Portal.LoginPath
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s://%s%s", c.Portal.Scheme, c.Portal.Host, path)
}
