package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hyperengineering/fieldscript"
	"github.com/hyperengineering/fieldscript/internal/store"
)

var (
	cfgFile      string
	cfgProfile   string
	cfgDBPath    string
	cfgRemoteURL string
	cfgToken     string
	cfgOwner     string
	cfgDebug     bool
	outputJSON   bool
)

var rootCmd = &cobra.Command{
	Use:   "fieldscript",
	Short: "fieldscript - offline-first field scripts",
	Long: `fieldscript keeps a technician's field scripts in a local database and
synchronizes them with the remote document store when the network allows.

Every command works offline. Edits are queued and uploaded by 'sync' or by
the background 'daemon'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ~/.fieldscript/config.yaml)")
	pf.StringVar(&cfgProfile, "profile", "", "local profile to operate on (env FIELDSCRIPT_PROFILE)")
	pf.StringVar(&cfgDBPath, "db", "", "path to the local database (env FIELDSCRIPT_DB_PATH)")
	pf.StringVar(&cfgRemoteURL, "remote-url", "", "document store URL (env FIELDSCRIPT_REMOTE_URL)")
	pf.StringVar(&cfgToken, "token", "", "bearer token for the document store (env FIELDSCRIPT_TOKEN)")
	pf.StringVar(&cfgOwner, "owner", "", "owner ID, overriding the signed-in identity (env FIELDSCRIPT_OWNER_ID)")
	pf.BoolVar(&cfgDebug, "debug", false, "log document store traffic")
	pf.BoolVar(&outputJSON, "json", false, "output as JSON")
}

// loadConfig layers flags over the environment over the config file.
// .env has already been folded into the environment by main.
func loadConfig() (fieldscript.Config, error) {
	cfg := fieldscript.ConfigFromEnv()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigFile(store.ConfigFilePath())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !(errors.As(err, &notFound) || os.IsNotExist(err)) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	fileDefault := func(dst *string, key string) {
		if *dst == "" {
			*dst = v.GetString(key)
		}
	}
	fileDefault(&cfg.Profile, "profile")
	fileDefault(&cfg.RemoteURL, "remote_url")
	fileDefault(&cfg.DeviceID, "device_id")
	fileDefault(&cfg.LogLevel, "log_level")
	fileDefault(&cfg.DebugLogPath, "log_path")
	if cfg.SyncInterval == 0 && v.IsSet("sync_interval") {
		cfg.SyncInterval = v.GetDuration("sync_interval")
	}
	if v.IsSet("pending_threshold") {
		cfg.PendingThreshold = v.GetInt("pending_threshold")
	}

	if cfgProfile != "" {
		cfg.Profile = cfgProfile
	}
	if cfgDBPath != "" {
		cfg.LocalPath = cfgDBPath
	}
	if cfgRemoteURL != "" {
		cfg.RemoteURL = cfgRemoteURL
	}
	if cfgToken != "" {
		cfg.Token = cfgToken
	}
	if cfgOwner != "" {
		cfg.OwnerID = cfgOwner
	}
	if cfgDebug {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}

	// One-shot commands sync explicitly; the daemon turns this back on.
	cfg.AutoSync = false
	return cfg, nil
}

// newLogger builds the CLI logger. Commands log to stderr at warn unless
// a level or log file is configured.
func newLogger(cfg fieldscript.Config) (*slog.Logger, io.Closer, error) {
	level := cfg.LogLevel
	if level == "" {
		level = "warn"
	}
	return fieldscript.NewLogger(fieldscript.LogConfig{
		Level:  level,
		Path:   cfg.DebugLogPath,
		Writer: os.Stderr,
	})
}

// openClient loads configuration and opens a client. The returned func
// closes the client and the logger.
func openClient(opts ...fieldscript.Option) (*fieldscript.Client, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	return openClientWith(cfg, opts...)
}

func openClientWith(cfg fieldscript.Config, opts ...fieldscript.Option) (*fieldscript.Client, func(), error) {
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}

	client, err := fieldscript.New(cfg, append([]fieldscript.Option{fieldscript.WithLogger(logger)}, opts...)...)
	if err != nil {
		closer.Close()
		return nil, nil, fmt.Errorf("initialize client: %w", err)
	}
	return client, func() {
		client.Close()
		closer.Close()
	}, nil
}
