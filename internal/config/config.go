package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Session timeout bounds accepted by Validate.
const (
	MinSessionTimeout = 30 * time.Second
	MaxSessionTimeout = 24 * time.Hour
)

// Config holds application configuration
type Config struct {
	// Global settings
	Format  string `mapstructure:"format"`
	Quiet   bool   `mapstructure:"quiet"`
	Verbose bool   `mapstructure:"verbose"`

	// Namespace prefixes every store key.
	Namespace string `mapstructure:"namespace"`
	// Store is the backend DSN: empty for memory, sqlite://path, postgres://...
	Store string `mapstructure:"store"`

	Session      SessionConfig       `mapstructure:"session"`
	CrossTab     CrossTabConfig      `mapstructure:"crosstab"`
	Delivery     DeliveryConfig      `mapstructure:"delivery"`
	Sampling     SamplingConfig      `mapstructure:"sampling"`
	Recovery     RecoveryConfig      `mapstructure:"recovery"`
	Integrations []IntegrationConfig `mapstructure:"integrations"`
}

// SessionConfig holds session lifecycle timing.
type SessionConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	MaxDuration       time.Duration `mapstructure:"max_duration"`
}

// CrossTabConfig holds tab coordination settings.
type CrossTabConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Channel           string        `mapstructure:"channel"` // memory or file
	Dir               string        `mapstructure:"dir"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	ElectionTimeout   time.Duration `mapstructure:"election_timeout"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// DeliveryConfig holds batching and retry settings.
type DeliveryConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	MaxRetries       int           `mapstructure:"max_retries"`
	MaxBacklog       int           `mapstructure:"max_backlog"`
	PersistPermanent bool          `mapstructure:"persist_permanent"`
	DedupeWindow     time.Duration `mapstructure:"dedupe_window"`
}

// SamplingConfig holds the sampling rates.
type SamplingConfig struct {
	Rate  float64            `mapstructure:"rate"`
	Kinds map[string]float64 `mapstructure:"kinds"`
	Debug bool               `mapstructure:"debug"`
}

// RecoveryConfig bounds orphaned session recovery.
type RecoveryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Window      time.Duration `mapstructure:"window"`
}

// IntegrationConfig describes one delivery backend.
type IntegrationConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Where   []string          `mapstructure:"where"`
	Exclude []string          `mapstructure:"exclude"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Format:    "ndjson",
		Namespace: "tabtrail",
		Session: SessionConfig{
			Timeout:           30 * time.Minute,
			HeartbeatInterval: 5 * time.Second,
			CheckInterval:     5 * time.Second,
		},
		CrossTab: CrossTabConfig{
			Enabled:           true,
			Channel:           "memory",
			HeartbeatInterval: 5 * time.Second,
			HeartbeatTimeout:  15 * time.Second,
			ElectionTimeout:   500 * time.Millisecond,
			ReconcileInterval: 5 * time.Second,
		},
		Delivery: DeliveryConfig{
			BatchSize:      20,
			FlushInterval:  5 * time.Second,
			RetryBaseDelay: 100 * time.Millisecond,
			MaxRetries:     2,
			MaxBacklog:     500,
		},
		Sampling: SamplingConfig{Rate: 1},
		Recovery: RecoveryConfig{MaxAttempts: 3, Window: time.Hour},
	}
}

// Settings returns the configuration as a nested map keyed like the config
// file, with durations rendered as strings.
func (c *Config) Settings() map[string]any {
	integrations := make([]map[string]any, 0, len(c.Integrations))
	for _, in := range c.Integrations {
		m := map[string]any{"name": in.Name, "url": in.URL}
		if len(in.Headers) > 0 {
			m["headers"] = in.Headers
		}
		if in.Timeout > 0 {
			m["timeout"] = in.Timeout.String()
		}
		if len(in.Where) > 0 {
			m["where"] = in.Where
		}
		if len(in.Exclude) > 0 {
			m["exclude"] = in.Exclude
		}
		integrations = append(integrations, m)
	}
	kinds := map[string]any{}
	for k, v := range c.Sampling.Kinds {
		kinds[k] = v
	}
	return map[string]any{
		"format":    c.Format,
		"quiet":     c.Quiet,
		"verbose":   c.Verbose,
		"namespace": c.Namespace,
		"store":     c.Store,
		"session": map[string]any{
			"timeout":            c.Session.Timeout.String(),
			"heartbeat_interval": c.Session.HeartbeatInterval.String(),
			"check_interval":     c.Session.CheckInterval.String(),
			"max_duration":       c.Session.MaxDuration.String(),
		},
		"crosstab": map[string]any{
			"enabled":            c.CrossTab.Enabled,
			"channel":            c.CrossTab.Channel,
			"dir":                c.CrossTab.Dir,
			"heartbeat_interval": c.CrossTab.HeartbeatInterval.String(),
			"heartbeat_timeout":  c.CrossTab.HeartbeatTimeout.String(),
			"election_timeout":   c.CrossTab.ElectionTimeout.String(),
			"reconcile_interval": c.CrossTab.ReconcileInterval.String(),
		},
		"delivery": map[string]any{
			"batch_size":        c.Delivery.BatchSize,
			"flush_interval":    c.Delivery.FlushInterval.String(),
			"retry_base_delay":  c.Delivery.RetryBaseDelay.String(),
			"max_retries":       c.Delivery.MaxRetries,
			"max_backlog":       c.Delivery.MaxBacklog,
			"persist_permanent": c.Delivery.PersistPermanent,
			"dedupe_window":     c.Delivery.DedupeWindow.String(),
		},
		"sampling": map[string]any{
			"rate":  c.Sampling.Rate,
			"kinds": kinds,
			"debug": c.Sampling.Debug,
		},
		"recovery": map[string]any{
			"max_attempts": c.Recovery.MaxAttempts,
			"window":       c.Recovery.Window.String(),
		},
		"integrations": integrations,
	}
}

// Validate checks bounds and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Format {
	case "ndjson", "text":
	default:
		errs = append(errs, fmt.Errorf("format must be ndjson or text, got %q", c.Format))
	}
	if c.Session.Timeout < MinSessionTimeout || c.Session.Timeout > MaxSessionTimeout {
		errs = append(errs, fmt.Errorf("session.timeout %s outside [%s, %s]",
			c.Session.Timeout, MinSessionTimeout, MaxSessionTimeout))
	}
	if c.Session.MaxDuration < 0 {
		errs = append(errs, errors.New("session.max_duration must not be negative"))
	}
	switch c.CrossTab.Channel {
	case "memory":
	case "file":
		if c.CrossTab.Dir == "" {
			errs = append(errs, errors.New("crosstab.dir is required for the file channel"))
		}
	default:
		errs = append(errs, fmt.Errorf("crosstab.channel must be memory or file, got %q", c.CrossTab.Channel))
	}
	if c.CrossTab.HeartbeatTimeout > 0 && c.CrossTab.HeartbeatTimeout <= c.CrossTab.HeartbeatInterval {
		errs = append(errs, errors.New("crosstab.heartbeat_timeout must exceed crosstab.heartbeat_interval"))
	}
	if c.Delivery.BatchSize < 1 {
		errs = append(errs, errors.New("delivery.batch_size must be at least 1"))
	}
	if c.Delivery.MaxRetries < 0 {
		errs = append(errs, errors.New("delivery.max_retries must not be negative"))
	}
	if !validRate(c.Sampling.Rate) {
		errs = append(errs, fmt.Errorf("sampling.rate %v outside [0, 1]", c.Sampling.Rate))
	}
	for kind, rate := range c.Sampling.Kinds {
		if !validRate(rate) {
			errs = append(errs, fmt.Errorf("sampling.kinds.%s %v outside [0, 1]", kind, rate))
		}
	}
	if c.Recovery.MaxAttempts < 0 {
		errs = append(errs, errors.New("recovery.max_attempts must not be negative"))
	}
	seen := map[string]bool{}
	for i, in := range c.Integrations {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("integrations[%d]: name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("integrations[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		if u, err := url.Parse(in.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("integration %s: invalid url %q", name, in.URL))
		}
	}
	return errors.Join(errs...)
}

func validRate(r float64) bool {
	return r >= 0 && r <= 1
}

// Load loads configuration from files and environment
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	setDefaults(v, "", cfg.Settings())

	// Environment variables
	v.SetEnvPrefix("TABTRAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path := findConfigFile(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific file. Environment
// overrides for the global settings still apply.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// ConfigFile returns the path to the config file Load would read, or "".
func ConfigFile() string {
	return findConfigFile()
}

// findConfigFile searches, lowest precedence first, the system directory,
// the user config directory, the home directory and the working directory.
// The last match wins.
func findConfigFile() string {
	type candidate struct {
		dir   string
		names []string
	}
	var candidates []candidate
	candidates = append(candidates, candidate{"/etc/tabtrail", []string{"tabtrail"}})
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, candidate{filepath.Join(dir, "tabtrail"), []string{"tabtrail"}})
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, candidate{home, []string{".tabtrail"}})
	}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, candidate{cwd, []string{".tabtrail", "tabtrail"}})
	}

	found := ""
	for _, c := range candidates {
		if path := firstExisting(c.dir, c.names); path != "" {
			found = path
		}
	}
	return found
}

func firstExisting(dir string, names []string) string {
	for _, name := range names {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, name+ext)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path
			}
		}
	}
	return ""
}

// applyEnvOverrides applies the TABTRAIL_ variables for the global settings.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TABTRAIL_FORMAT"); v != "" {
		cfg.Format = v
	}
	if v := os.Getenv("TABTRAIL_QUIET"); v == "true" || v == "1" {
		cfg.Quiet = true
	}
	if v := os.Getenv("TABTRAIL_VERBOSE"); v == "true" || v == "1" {
		cfg.Verbose = true
	}
	if v := os.Getenv("TABTRAIL_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("TABTRAIL_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("TABTRAIL_SAMPLING_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sampling.Rate = rate
		}
	}
}

// setDefaults registers every leaf of settings so AutomaticEnv can resolve
// nested keys.
func setDefaults(v *viper.Viper, prefix string, settings map[string]any) {
	for key, value := range settings {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok && len(nested) > 0 {
			setDefaults(v, full, nested)
			continue
		}
		v.SetDefault(full, value)
	}
}
