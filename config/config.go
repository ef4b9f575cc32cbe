package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aspen-cloud/aspen-sdk/errors"
	"github.com/aspen-cloud/aspen-sdk/pkg/tlsutil"
)

// Backend names accepted in Config.Backend.
const (
	BackendCouch  = "couch"  // CouchDB compatible HTTP API (production)
	BackendNATS   = "nats"   // NATS JetStream KV bucket
	BackendMemory = "memory" // in-process, lost on exit
)

// Config is the complete client configuration.
type Config struct {
	Backend string        `json:"backend" yaml:"backend"`
	API     APIConfig     `json:"api" yaml:"api"`
	Couch   CouchConfig   `json:"couch" yaml:"couch"`
	NATS    NATSConfig    `json:"nats" yaml:"nats"`
	Outbox  OutboxConfig  `json:"outbox" yaml:"outbox"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// APIConfig identifies the API, the app and the user.
type APIConfig struct {
	URL         string `json:"url,omitempty" yaml:"url,omitempty"`
	AppID       string `json:"app_id,omitempty" yaml:"app_id,omitempty"`
	IDToken     string `json:"id_token,omitempty" yaml:"id_token,omitempty"`
	AccessToken string `json:"access_token,omitempty" yaml:"access_token,omitempty"`
	UserID      string `json:"user_id,omitempty" yaml:"user_id,omitempty"` // overrides the ID token subject

	TLS tlsutil.Config `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// CouchConfig tunes the CouchDB store.
type CouchConfig struct {
	Timeout   Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Heartbeat Duration `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
}

// NATSConfig defines the NATS connection and the JetStream resources used by
// the nats backend.
type NATSConfig struct {
	URLs          []string `json:"urls,omitempty" yaml:"urls,omitempty"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string   `json:"token,omitempty" yaml:"token,omitempty"`
	MaxReconnects int      `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Bucket        string   `json:"bucket,omitempty" yaml:"bucket,omitempty"`   // document bucket
	Stream        string   `json:"stream,omitempty" yaml:"stream,omitempty"`   // inbox stream
	History       int      `json:"history,omitempty" yaml:"history,omitempty"` // KV revisions kept per document

	TLS tlsutil.Config `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// OutboxConfig tunes the outbox processor.
type OutboxConfig struct {
	SweepInterval Duration `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`
	QueueSize     int      `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	RateLimit     float64  `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"` // deliveries per second, 0 = unlimited
	Burst         int      `json:"burst,omitempty" yaml:"burst,omitempty"`
	LeaseTTL      Duration `json:"lease_ttl,omitempty" yaml:"lease_ttl,omitempty"` // 0 disables the lease
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Default returns the configuration every loaded file is layered on.
func Default() *Config {
	return &Config{
		Backend: BackendCouch,
		Couch: CouchConfig{
			Timeout:   Duration(30 * time.Second),
			Heartbeat: Duration(30 * time.Second),
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			Bucket:        "aspen-docs",
			Stream:        "ASPEN_INBOX",
			History:       5,
		},
		Outbox: OutboxConfig{
			QueueSize: 1024,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for the selected backend and normalizes
// case-insensitive fields.
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)

	if c.API.AppID == "" {
		return invalid("api.app_id is required")
	}

	switch c.Backend {
	case BackendCouch:
		if err := validateURL(c.API.URL); err != nil {
			return invalid("api.url: %v", err)
		}
		if c.API.IDToken == "" && c.API.UserID == "" {
			return invalid("api.id_token or api.user_id is required for the couch backend")
		}
	case BackendNATS:
		if len(c.NATS.URLs) == 0 {
			return invalid("nats.urls is required for the nats backend")
		}
		if c.NATS.Bucket == "" {
			return invalid("nats.bucket is required for the nats backend")
		}
		if !isValidSubjectPart(c.API.AppID) {
			return invalid("api.app_id %q is not valid in NATS subjects", c.API.AppID)
		}
		if c.API.IDToken == "" && c.API.UserID == "" {
			return invalid("api.user_id is required for the nats backend")
		}
		if c.API.UserID != "" && !isValidSubjectPart(c.API.UserID) {
			return invalid("api.user_id %q is not valid in NATS subjects", c.API.UserID)
		}
	case BackendMemory:
		if c.API.IDToken == "" && c.API.UserID == "" {
			return invalid("api.user_id is required for the memory backend")
		}
	default:
		return invalid("backend %q is not one of couch, nats, memory", c.Backend)
	}

	if c.API.URL != "" {
		if err := validateURL(c.API.URL); err != nil {
			return invalid("api.url: %v", err)
		}
	}
	if err := c.API.TLS.Validate(); err != nil {
		return invalid("api.tls: %v", err)
	}
	if err := c.NATS.TLS.Validate(); err != nil {
		return invalid("nats.tls: %v", err)
	}
	if c.Outbox.QueueSize < 0 {
		return invalid("outbox.queue_size cannot be negative")
	}
	if c.Outbox.RateLimit < 0 || c.Outbox.Burst < 0 {
		return invalid("outbox.rate_limit and outbox.burst cannot be negative")
	}
	if c.Outbox.SweepInterval < 0 || c.Outbox.LeaseTTL < 0 {
		return invalid("outbox durations cannot be negative")
	}
	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			return invalid("metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return invalid("metrics.path must start with /")
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("log.format %q is not one of json, text", c.Log.Format)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
		"Config", "Validate", "validate config")
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// isValidSubjectPart reports whether s can be one token of a NATS subject.
func isValidSubjectPart(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, ".*> \t\r\n")
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	clone.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	clone.API.TLS.CAFiles = append([]string(nil), c.API.TLS.CAFiles...)
	clone.NATS.TLS.CAFiles = append([]string(nil), c.NATS.TLS.CAFiles...)
	return &clone
}

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() *Config {
	r := c.Clone()
	for _, s := range []*string{&r.API.IDToken, &r.API.AccessToken, &r.NATS.Password, &r.NATS.Token} {
		if *s != "" {
			*s = "***"
		}
	}
	return r
}

// String returns the redacted configuration as indented JSON.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

// SaveToFile writes the configuration as JSON or YAML, chosen by extension.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "encode config")
	}
	return writeConfigFile(path, data)
}

// SafeConfig provides thread-safe access to a configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validating it.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Duration is a time.Duration that reads "90s", "5m" or "14d" strings as well
// as integer nanoseconds, and writes the string form.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := parseDurationWithDays(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(x))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" {
		n, err := strconv.ParseInt(node.Value, 10, 64)
		if err != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := parseDurationWithDays(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// parseDurationWithDays parses durations that may use a day suffix ("14d").
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
