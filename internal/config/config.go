// Package config holds the pickupcal configuration: a YAML file for the
// tunables plus environment variables for secrets.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pickupcal/internal/calendar"
)

// Provider kinds.
const (
	ProviderGoogle = "google"
	ProviderCalDAV = "caldav"
)

// StoreConfig selects the database.
type StoreConfig struct {
	// Driver is "sqlite" or "pgx".
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite or a connection string for pgx.
	// DATABASE_DSN overrides it.
	DSN string `yaml:"dsn"`
}

// GoogleConfig configures the Google Calendar provider.
type GoogleConfig struct {
	TokenFile          string `yaml:"token_file"`
	ServiceAccountFile string `yaml:"service_account_file"`

	ClientID     string `yaml:"-"`
	ClientSecret string `yaml:"-"`
}

// CalDAVConfig configures the CalDAV provider.
type CalDAVConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	HomeSet  string `yaml:"home_set"`

	Password string `yaml:"-"`
}

// ProviderConfig selects and configures the calendar provider.
type ProviderConfig struct {
	Kind   string       `yaml:"kind"`
	Google GoogleConfig `yaml:"google"`
	CalDAV CalDAVConfig `yaml:"caldav"`
	// CallTimeout bounds every provider call.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// CallInterval is the minimum spacing between two provider calls.
	CallInterval time.Duration `yaml:"call_interval"`
}

// EventsConfig shapes pickup events.
type EventsConfig struct {
	Timezone  string          `yaml:"timezone"`
	StartHour int             `yaml:"start_hour"`
	EndHour   int             `yaml:"end_hour"`
	Reminders []time.Duration `yaml:"reminders"`
}

// LifecycleConfig tunes deprecation.
type LifecycleConfig struct {
	Grace         time.Duration `yaml:"grace"`
	Notices       int           `yaml:"notices"`
	NoticeSpacing time.Duration `yaml:"notice_spacing"`
}

// SchedulerConfig tunes the worker loop.
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Cooldown time.Duration `yaml:"cooldown"`
	// OrphanSweep is a cron expression for the orphan sweep. Empty disables it.
	OrphanSweep string `yaml:"orphan_sweep"`
	// OrphanDryRun only logs orphans found by the scheduled sweep.
	OrphanDryRun bool `yaml:"orphan_dry_run"`
}

// Config is the top-level configuration.
type Config struct {
	LogLevel    string          `yaml:"log_level"`
	MetricsAddr string          `yaml:"metrics_addr"`
	Store       StoreConfig     `yaml:"store"`
	Provider    ProviderConfig  `yaml:"provider"`
	Events      EventsConfig    `yaml:"events"`
	Lifecycle   LifecycleConfig `yaml:"lifecycle"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Store:    StoreConfig{Driver: "sqlite", DSN: "data/pickupcal.db"},
		Provider: ProviderConfig{
			Kind:         ProviderGoogle,
			Google:       GoogleConfig{TokenFile: "token.json"},
			CalDAV:       CalDAVConfig{Endpoint: "https://caldav.icloud.com/"},
			CallTimeout:  30 * time.Second,
			CallInterval: 500 * time.Millisecond,
		},
		Events: EventsConfig{
			Timezone:  "Europe/Vilnius",
			StartHour: 7,
			EndHour:   9,
			Reminders: []time.Duration{12 * time.Hour, time.Hour},
		},
		Lifecycle: LifecycleConfig{
			Grace:         7 * 24 * time.Hour,
			Notices:       3,
			NoticeSpacing: 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Interval:     time.Minute,
			Cooldown:     15 * time.Minute,
			OrphanSweep:  "0 3 * * *",
			OrphanDryRun: true,
		},
	}
}

// Normalize fills zero values with defaults so partial files still work.
func (c *Config) Normalize() {
	d := DefaultConfig()
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	if c.Store.DSN == "" && c.Store.Driver == d.Store.Driver {
		c.Store.DSN = d.Store.DSN
	}
	c.Provider.Kind = strings.ToLower(strings.TrimSpace(c.Provider.Kind))
	if c.Provider.Kind == "" {
		c.Provider.Kind = d.Provider.Kind
	}
	if c.Provider.Google.TokenFile == "" {
		c.Provider.Google.TokenFile = d.Provider.Google.TokenFile
	}
	if c.Provider.CalDAV.Endpoint == "" {
		c.Provider.CalDAV.Endpoint = d.Provider.CalDAV.Endpoint
	}
	if c.Provider.CallTimeout <= 0 {
		c.Provider.CallTimeout = d.Provider.CallTimeout
	}
	if c.Provider.CallInterval < 0 {
		c.Provider.CallInterval = 0
	}
	if c.Events.Timezone == "" {
		c.Events.Timezone = d.Events.Timezone
	}
	if c.Events.StartHour == 0 && c.Events.EndHour == 0 {
		c.Events.StartHour, c.Events.EndHour = d.Events.StartHour, d.Events.EndHour
	}
	if c.Events.Reminders == nil {
		c.Events.Reminders = d.Events.Reminders
	}
	if c.Lifecycle.Grace <= 0 {
		c.Lifecycle.Grace = d.Lifecycle.Grace
	}
	if c.Lifecycle.Notices < 0 {
		c.Lifecycle.Notices = 0
	}
	if c.Lifecycle.NoticeSpacing <= 0 {
		c.Lifecycle.NoticeSpacing = d.Lifecycle.NoticeSpacing
	}
	if c.Scheduler.Interval <= 0 {
		c.Scheduler.Interval = d.Scheduler.Interval
	}
	if c.Scheduler.Cooldown <= 0 {
		c.Scheduler.Cooldown = d.Scheduler.Cooldown
	}
}

// ApplyEnv overrides values from environment variables. Secrets are only
// ever read from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := getenv("DATABASE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := getenv("METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	c.Provider.Google.ClientID = getenv("GOOGLE_CLIENT_ID")
	c.Provider.Google.ClientSecret = getenv("GOOGLE_CLIENT_SECRET")
	if v := getenv("GOOGLE_SERVICE_ACCOUNT_FILE"); v != "" {
		c.Provider.Google.ServiceAccountFile = v
	}
	if v := getenv("CALDAV_USERNAME"); v != "" {
		c.Provider.CalDAV.Username = v
	}
	c.Provider.CalDAV.Password = getenv("CALDAV_PASSWORD")
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite", "pgx":
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	switch c.Provider.Kind {
	case ProviderGoogle, ProviderCalDAV:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider.Kind))
	}
	if _, err := time.LoadLocation(c.Events.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone %q: %w", c.Events.Timezone, err))
	}
	if c.Events.StartHour < 0 || c.Events.EndHour > 24 || c.Events.StartHour >= c.Events.EndHour {
		errs = append(errs, fmt.Errorf("invalid event hours %d-%d", c.Events.StartHour, c.Events.EndHour))
	}
	return errors.Join(errs...)
}

// EventStyle builds the event style from the events section.
func (c *Config) EventStyle() (calendar.EventStyle, error) {
	loc, err := time.LoadLocation(c.Events.Timezone)
	if err != nil {
		return calendar.EventStyle{}, fmt.Errorf("invalid timezone %q: %w", c.Events.Timezone, err)
	}
	return calendar.EventStyle{
		Location:  loc,
		StartHour: c.Events.StartHour,
		EndHour:   c.Events.EndHour,
		Reminders: c.Events.Reminders,
	}, nil
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults.
// Environment overrides are applied and the result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.Normalize()
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path atomically with 0600 permissions. Secrets are
// never written.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".pickupcal-config-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
