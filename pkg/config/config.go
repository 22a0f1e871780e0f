package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/cuemby/flowsync/pkg/client"
	"github.com/cuemby/flowsync/pkg/log"
	"github.com/cuemby/flowsync/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the flowsync configuration file
type Config struct {
	NiFi       NiFiConfig       `yaml:"nifi"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Manifests  []string         `yaml:"manifests"`
	Parameters ParametersConfig `yaml:"parameters"`
	Log        LogConfig        `yaml:"log"`
	History    HistoryConfig    `yaml:"history"`
	Server     ServerConfig     `yaml:"server"`
}

// NiFiConfig holds the cluster connection settings
type NiFiConfig struct {
	URL      string       `yaml:"url"`
	Username string       `yaml:"username"`
	Password string       `yaml:"password"`
	Token    string       `yaml:"token"`
	OAuth    *OAuthConfig `yaml:"oauth,omitempty"`

	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure"` // skip server certificate verification

	Timeout   Duration `yaml:"timeout"`
	RateLimit float64  `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst     int      `yaml:"burst"`
}

// OAuthConfig configures the client-credentials grant
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// ReconcileConfig maps onto types.Policy plus the watch loop settings
type ReconcileConfig struct {
	Deletion           string   `yaml:"deletion"`             // authoritative | overlay, required
	MaxConflictRetries *int     `yaml:"max_conflict_retries"` // default 3
	OnFailure          string   `yaml:"on_failure"`           // halt | skip
	TopLevelRetries    *int     `yaml:"top_level_retries"`    // default 1
	CallTimeout        Duration `yaml:"call_timeout"`
	Interval           Duration `yaml:"interval"` // periodic reconcile in watch mode
	Debounce           Duration `yaml:"debounce"` // manifest change coalescing
	Root               string   `yaml:"root"`     // process group managed by the declarations
}

// ParametersConfig configures where parameter values come from
type ParametersConfig struct {
	EnvPrefix string   `yaml:"env_prefix"`
	Files     []string `yaml:"files"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// HistoryConfig configures the run history store. An empty dir disables it.
type HistoryConfig struct {
	Dir  string `yaml:"dir"`
	Keep int    `yaml:"keep"` // runs kept after each write, 0 keeps all
}

// ServerConfig configures the metrics and health listener of watch mode
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Logger.Debug().Str("path", path).Msg("No config file found, using defaults")
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration YAML, expanding environment variables first
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.NiFi.URL == "" {
		c.NiFi.URL = client.DefaultBaseURL
	}
	if c.NiFi.Timeout == 0 {
		c.NiFi.Timeout = Duration(30 * time.Second)
	}
	if c.NiFi.Burst == 0 {
		c.NiFi.Burst = 5
	}

	if c.Reconcile.MaxConflictRetries == nil {
		n := 3
		c.Reconcile.MaxConflictRetries = &n
	}
	if c.Reconcile.TopLevelRetries == nil {
		n := 1
		c.Reconcile.TopLevelRetries = &n
	}
	if c.Reconcile.OnFailure == "" {
		c.Reconcile.OnFailure = string(types.FailureHalt)
	}
	if c.Reconcile.CallTimeout == 0 {
		c.Reconcile.CallTimeout = Duration(30 * time.Second)
	}
	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = Duration(5 * time.Minute)
	}
	if c.Reconcile.Debounce == 0 {
		c.Reconcile.Debounce = Duration(500 * time.Millisecond)
	}
	if c.Reconcile.Root == "" {
		c.Reconcile.Root = types.RootGroupID
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":9090"
	}
}

// Validate checks the parts of the configuration every command needs. The
// deletion mode is checked by Policy, since flags may still supply it.
func (c *Config) Validate() error {
	u, err := url.Parse(c.NiFi.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("nifi.url %q must be an absolute http(s) url", c.NiFi.URL)
	}
	if c.NiFi.Token != "" && c.NiFi.Username != "" {
		return fmt.Errorf("nifi.token and nifi.username are mutually exclusive")
	}
	if c.NiFi.OAuth != nil && (c.NiFi.OAuth.TokenURL == "" || c.NiFi.OAuth.ClientID == "") {
		return fmt.Errorf("nifi.oauth needs token_url and client_id")
	}
	if c.NiFi.RateLimit < 0 {
		return fmt.Errorf("nifi.rate_limit must not be negative")
	}
	if _, err := types.ParseFailurePolicy(c.Reconcile.OnFailure); err != nil {
		return fmt.Errorf("reconcile.on_failure: %w", err)
	}
	if c.Reconcile.Deletion != "" {
		if _, err := types.ParseDeletionMode(c.Reconcile.Deletion); err != nil {
			return fmt.Errorf("reconcile.deletion: %w", err)
		}
	}
	switch log.Level(c.Log.Level) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	return nil
}

// Policy builds the reconcile policy. The deletion mode is required.
func (c *Config) Policy() (types.Policy, error) {
	mode, err := types.ParseDeletionMode(c.Reconcile.Deletion)
	if err != nil {
		return types.Policy{}, err
	}
	onFailure, err := types.ParseFailurePolicy(c.Reconcile.OnFailure)
	if err != nil {
		return types.Policy{}, err
	}
	p := types.DefaultPolicy(mode)
	p.OnEntryFailure = onFailure
	p.CallTimeout = c.Reconcile.CallTimeout.Duration()
	if c.Reconcile.MaxConflictRetries != nil {
		p.MaxConflictRetries = *c.Reconcile.MaxConflictRetries
	}
	if c.Reconcile.TopLevelRetries != nil {
		p.TopLevelRetries = *c.Reconcile.TopLevelRetries
	}
	return p, p.Validate()
}

// ClientConfig converts the cluster section into a client configuration
func (c *Config) ClientConfig() client.Config {
	cc := client.Config{
		BaseURL:            c.NiFi.URL,
		Username:           c.NiFi.Username,
		Password:           c.NiFi.Password,
		Token:              c.NiFi.Token,
		CAFile:             c.NiFi.CAFile,
		CertFile:           c.NiFi.CertFile,
		KeyFile:            c.NiFi.KeyFile,
		InsecureSkipVerify: c.NiFi.Insecure,
		Timeout:            c.NiFi.Timeout.Duration(),
		RateLimit:          c.NiFi.RateLimit,
		Burst:              c.NiFi.Burst,
	}
	if o := c.NiFi.OAuth; o != nil {
		cc.OAuth = &client.OAuthConfig{
			TokenURL:     o.TokenURL,
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			Scopes:       o.Scopes,
		}
	}
	return cc
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// ExpandEnv expands ${VAR} and ${VAR:default}. An unset or empty variable
// without a default expands to the empty string.
func ExpandEnv(input string) string {
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
}
