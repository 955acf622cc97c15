// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8080"
	DefaultSlackChannel = "#phabricator"
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log         LogConfig         `toml:"log"`
	Server      ServerConfig      `toml:"server"`
	Phabricator PhabricatorConfig `toml:"phabricator"`
	Slack       SlackConfig       `toml:"slack"`
	Webhook     WebhookConfig     `toml:"webhook"`
	Directory   DirectoryConfig   `toml:"directory"`
	Routing     RoutingConfig     `toml:"routing"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP server listen address.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// PhabricatorConfig holds the Phabricator base URL and Conduit API token.
type PhabricatorConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// SlackConfig holds the Slack bot token and the default notification channel.
type SlackConfig struct {
	Token   string `toml:"token"`
	Channel string `toml:"channel"`
}

// WebhookConfig holds the shared HMAC secret Phabricator signs firehose
// deliveries with.
type WebhookConfig struct {
	Secret string `toml:"secret"`
}

// DirectoryConfig holds the optional cron expression for periodic user
// directory rebuilds. Empty disables refreshing; the directory is then
// built once at startup and never changes.
type DirectoryConfig struct {
	RefreshCron string `toml:"refresh_cron"`
}

// RoutingConfig maps repository names to extra Slack channels that
// receive diff and commit notifications for that repository, in
// addition to the default channel.
type RoutingConfig struct {
	Channels map[string]string `toml:"channels"`
}

// Load reads and parses the TOML config file at path and applies
// default values for missing fields. A missing file yields the
// defaults; credentials are validated by the clients at startup, not
// here.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Slack: SlackConfig{
			Channel: DefaultSlackChannel,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
