package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied to fields left empty in the file.
const (
	DefaultPageSize       = 50
	DefaultReadDelay      = "1.5s"
	DefaultSyncSchedule   = "@every 1m"
	DefaultRequestTimeout = "15s"
	MaxPageSize           = 200
)

// Environment variables that override file values.
const (
	EnvAPIBaseURL  = "CHATSYNC_API_BASE_URL"
	EnvRealtimeURL = "CHATSYNC_REALTIME_URL"
	EnvAPIToken    = "CHATSYNC_API_TOKEN"
	EnvViewerID    = "CHATSYNC_VIEWER_ID"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	APIBaseURL     string `toml:"api_base_url"`
	RealtimeURL    string `toml:"realtime_url"`
	APIToken       string `toml:"api_token"`
	ViewerID       int64  `toml:"viewer_id"`
	PageSize       int    `toml:"page_size"`
	ReadDelay      string `toml:"read_delay"`
	SyncSchedule   string `toml:"sync_schedule"`
	RequestTimeout string `toml:"request_timeout"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults when the
// file does not exist. Environment overrides are applied either way.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = &Config{}
		cfg.applyDefaults()
	} else if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ReadDelay == "" {
		c.ReadDelay = DefaultReadDelay
	}
	if c.SyncSchedule == "" {
		c.SyncSchedule = DefaultSyncSchedule
	}
	if c.RequestTimeout == "" {
		c.RequestTimeout = DefaultRequestTimeout
	}
}

// ApplyEnv overrides connection settings from the environment. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAPIBaseURL); ok {
		c.APIBaseURL = v
	}
	if v, ok := lookup(EnvRealtimeURL); ok {
		c.RealtimeURL = v
	}
	if v, ok := lookup(EnvAPIToken); ok {
		c.APIToken = v
	}
	if v, ok := lookup(EnvViewerID); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, EnvViewerID, v)
		}
		c.ViewerID = id
	}
	return nil
}

// Validate checks the settings the daemon needs to talk to the server.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("%w: api_base_url is required", ErrInvalid)
	}
	if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: api_base_url %q is not an absolute URL", ErrInvalid, c.APIBaseURL)
	}
	if c.ViewerID <= 0 {
		return fmt.Errorf("%w: viewer_id must be positive", ErrInvalid)
	}
	if c.PageSize < 1 || c.PageSize > MaxPageSize {
		return fmt.Errorf("%w: page_size %d outside 1..%d", ErrInvalid, c.PageSize, MaxPageSize)
	}
	for name, v := range map[string]string{"read_delay": c.ReadDelay, "request_timeout": c.RequestTimeout} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}
	return nil
}

// ReadDelayDuration returns read_delay, or the default on a malformed value.
func (c *Config) ReadDelayDuration() time.Duration {
	return parseOr(c.ReadDelay, DefaultReadDelay)
}

// RequestTimeoutDuration returns request_timeout, or the default on a malformed value.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return parseOr(c.RequestTimeout, DefaultRequestTimeout)
}

func parseOr(v, def string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	return d
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
