package fieldscript

import (
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/hyperengineering/fieldscript/internal/store"
)

// Config configures the fieldscript client.
type Config struct {
	// LocalPath is the path to the local SQLite database.
	// If empty, LocalPath is derived from Profile.
	LocalPath string

	// Profile names the local data directory to operate against.
	// If empty, resolved using profile resolution (explicit > FIELDSCRIPT_PROFILE env > "default").
	Profile string

	// RemoteURL is the base URL of the remote document store.
	// If empty, operates in offline-only mode.
	RemoteURL string

	// Token is a static bearer token for the remote document store.
	// When empty the token is taken from the identity file.
	Token string

	// OwnerID pins the owning user. When empty the owner comes from the
	// identity file, and records stay anonymous until someone signs in.
	OwnerID string

	// IdentityPath is the identity file written by `fieldscript login`.
	// Defaults to identity.json inside the profile directory.
	IdentityPath string

	// DeviceID identifies this client instance.
	// Defaults to hostname if not set.
	DeviceID string

	// AutoSync starts the background scheduler when a remote is configured.
	// Defaults to true.
	AutoSync bool

	// SyncInterval is how often the periodic sync runs.
	// Defaults to 15 minutes.
	SyncInterval time.Duration

	// PendingThreshold is the pending record count that triggers a sync.
	// Defaults to 5.
	PendingThreshold int

	// PendingPollInterval is how often the pending count is checked.
	// Defaults to 30 seconds.
	PendingPollInterval time.Duration

	// ThresholdCooldown suppresses the pending-count trigger after it fires.
	// Defaults to 5 minutes.
	ThresholdCooldown time.Duration

	// SettleDelay is waited after the network comes back before syncing.
	// Defaults to 5 seconds.
	SettleDelay time.Duration

	// ForegroundDelay is waited after the app resumes before syncing.
	// Defaults to 2 seconds.
	ForegroundDelay time.Duration

	// RecordDeferDelay postpones a single-record sync requested while the
	// network is poor. Defaults to 3 minutes.
	RecordDeferDelay time.Duration

	// ProbeInterval is how often connectivity is re-probed.
	// Defaults to 10 seconds.
	ProbeInterval time.Duration

	// RequestTimeout bounds each remote HTTP request.
	// Defaults to 30 seconds.
	RequestTimeout time.Duration

	// Retry configures backoff for retryable remote failures.
	Retry RetryConfig

	// Breaker configures the per-operation circuit breakers.
	Breaker BreakerConfig

	// Resolver configures conflict resolution thresholds.
	Resolver ResolverConfig

	// Debug enables verbose logging of all remote document store traffic.
	Debug bool

	// DebugLogPath is the path to write logs to.
	// Defaults to stderr if empty.
	DebugLogPath string

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string
}

// DefaultConfig returns a Config with sensible defaults.
// Profile defaults to "default", and LocalPath is derived from Profile.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		Profile:             "default",
		LocalPath:           store.ProfileDBPath("default"),
		IdentityPath:        store.ProfileIdentityPath("default"),
		DeviceID:            hostname,
		AutoSync:            true,
		SyncInterval:        15 * time.Minute,
		PendingThreshold:    5,
		PendingPollInterval: 30 * time.Second,
		ThresholdCooldown:   5 * time.Minute,
		SettleDelay:         5 * time.Second,
		ForegroundDelay:     2 * time.Second,
		RecordDeferDelay:    3 * time.Minute,
		ProbeInterval:       10 * time.Second,
		RequestTimeout:      30 * time.Second,
		Retry:               DefaultRetryConfig(),
		Breaker:             DefaultBreakerConfig(),
		Resolver:            DefaultResolverConfig(),
		LogLevel:            "info",
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	FIELDSCRIPT_DB_PATH        → LocalPath
//	FIELDSCRIPT_PROFILE        → Profile
//	FIELDSCRIPT_REMOTE_URL     → RemoteURL
//	FIELDSCRIPT_TOKEN          → Token
//	FIELDSCRIPT_OWNER_ID       → OwnerID
//	FIELDSCRIPT_IDENTITY_PATH  → IdentityPath
//	FIELDSCRIPT_DEVICE_ID      → DeviceID
//	FIELDSCRIPT_SYNC_INTERVAL  → SyncInterval (Go duration)
//	FIELDSCRIPT_AUTO_SYNC      → AutoSync (bool, default true)
//	FIELDSCRIPT_DEBUG          → Debug (any non-empty value enables)
//	FIELDSCRIPT_DEBUG_LOG      → DebugLogPath
//	FIELDSCRIPT_LOG_LEVEL      → LogLevel
func ConfigFromEnv() Config {
	cfg := Config{
		LocalPath:    os.Getenv("FIELDSCRIPT_DB_PATH"),
		Profile:      os.Getenv("FIELDSCRIPT_PROFILE"),
		RemoteURL:    os.Getenv("FIELDSCRIPT_REMOTE_URL"),
		Token:        os.Getenv("FIELDSCRIPT_TOKEN"),
		OwnerID:      os.Getenv("FIELDSCRIPT_OWNER_ID"),
		IdentityPath: os.Getenv("FIELDSCRIPT_IDENTITY_PATH"),
		DeviceID:     os.Getenv("FIELDSCRIPT_DEVICE_ID"),
		AutoSync:     true,
		Debug:        os.Getenv("FIELDSCRIPT_DEBUG") != "",
		DebugLogPath: os.Getenv("FIELDSCRIPT_DEBUG_LOG"),
		LogLevel:     os.Getenv("FIELDSCRIPT_LOG_LEVEL"),
	}
	if v := os.Getenv("FIELDSCRIPT_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SyncInterval = d
		}
	}
	if v := os.Getenv("FIELDSCRIPT_AUTO_SYNC"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoSync = b
		}
	}
	return cfg
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	}

	if c.Profile != "" {
		if err := store.ValidateProfileID(c.Profile); err != nil {
			return &ValidationError{Field: "Profile", Message: err.Error()}
		}
	}

	if c.RemoteURL != "" {
		u, err := url.Parse(c.RemoteURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "RemoteURL", Message: "must be an absolute http(s) URL"}
		}
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"SyncInterval", c.SyncInterval},
		{"PendingPollInterval", c.PendingPollInterval},
		{"ThresholdCooldown", c.ThresholdCooldown},
		{"SettleDelay", c.SettleDelay},
		{"ForegroundDelay", c.ForegroundDelay},
		{"RecordDeferDelay", c.RecordDeferDelay},
		{"ProbeInterval", c.ProbeInterval},
		{"RequestTimeout", c.RequestTimeout},
	}
	for _, d := range durations {
		if d.value < 0 {
			return &ValidationError{Field: d.field, Message: "must be non-negative"}
		}
	}

	if c.PendingThreshold < 0 {
		return &ValidationError{Field: "PendingThreshold", Message: "must be non-negative"}
	}

	if err := c.Retry.validate(); err != nil {
		return err
	}
	if err := c.Breaker.validate(); err != nil {
		return err
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return &ValidationError{Field: "LogLevel", Message: "must be one of debug, info, warn, error"}
	}

	return nil
}

// IsOffline returns true if the client operates in offline-only mode.
// Offline mode is determined by RemoteURL being empty.
func (c *Config) IsOffline() bool {
	return c.RemoteURL == ""
}

// WithDefaults fills in default values for unset fields.
// Profile resolution: explicit Profile field > FIELDSCRIPT_PROFILE env > "default".
// LocalPath and IdentityPath are derived from the resolved profile if not set.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Profile == "" {
		resolved, err := store.ResolveProfile("")
		if err == nil {
			c.Profile = resolved
		} else {
			c.Profile = "default"
		}
	}

	if c.LocalPath == "" {
		c.LocalPath = store.ProfileDBPath(c.Profile)
	}
	if c.IdentityPath == "" {
		c.IdentityPath = store.ProfileIdentityPath(c.Profile)
	}
	if c.DeviceID == "" {
		c.DeviceID = defaults.DeviceID
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = defaults.SyncInterval
	}
	if c.PendingThreshold == 0 {
		c.PendingThreshold = defaults.PendingThreshold
	}
	if c.PendingPollInterval == 0 {
		c.PendingPollInterval = defaults.PendingPollInterval
	}
	if c.ThresholdCooldown == 0 {
		c.ThresholdCooldown = defaults.ThresholdCooldown
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = defaults.SettleDelay
	}
	if c.ForegroundDelay == 0 {
		c.ForegroundDelay = defaults.ForegroundDelay
	}
	if c.RecordDeferDelay == 0 {
		c.RecordDeferDelay = defaults.RecordDeferDelay
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = defaults.ProbeInterval
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}

	c.Retry = c.Retry.withDefaults()
	c.Breaker = c.Breaker.withDefaults()
	c.Resolver = c.Resolver.withDefaults()

	return c
}
