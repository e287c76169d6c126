// Package config loads the ambient configuration shared by the sync
// client and server: store locations, transport endpoints, and the
// timing knobs for heartbeats and reconnect backoff (spec.md §6). The
// teacher's go.mod pulls in viper but never wires it up; this package
// is where that dependency finally earns its place.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Client holds the configuration needed to construct a client sync
// engine embedded in a host application.
type Client struct {
	DatabasePath      string        `mapstructure:"database_path"`
	ServerURL         string        `mapstructure:"server_url"`
	APIKey            string        `mapstructure:"api_key"`
	APISecret         string        `mapstructure:"api_secret"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	BackoffMin        time.Duration `mapstructure:"backoff_min"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	DispatcherQueue   int           `mapstructure:"dispatcher_queue_capacity"`
	EnableMonitoring  bool          `mapstructure:"enable_monitoring"`
}

// Server holds the configuration for the authoritative sync server.
type Server struct {
	DatabaseURL       string        `mapstructure:"database_url"`
	ListenAddr        string        `mapstructure:"listen_addr"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DispatcherQueue   int           `mapstructure:"dispatcher_queue_capacity"`
	LogPath           string        `mapstructure:"log_path"`
}

func newViper(prefix string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")
	return v
}

// LoadClient reads client configuration from path (if non-empty),
// overlaying DOCSYNC_-prefixed environment variables, and applying
// defaults for anything left unset.
func LoadClient(path string) (Client, error) {
	v := newViper("docsync")
	v.SetDefault("database_path", "docsync-client.db")
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("backoff_min", 1*time.Second)
	v.SetDefault("backoff_max", 30*time.Second)
	v.SetDefault("dispatcher_queue_capacity", 1024)
	v.SetDefault("enable_monitoring", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Client{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return Client{}, fmt.Errorf("config: unmarshal client config: %w", err)
	}
	if cfg.ServerURL == "" {
		return Client{}, fmt.Errorf("config: server_url is required")
	}
	return cfg, nil
}

// LoadServer reads server configuration from path (if non-empty),
// overlaying DOCSYNC_-prefixed environment variables, and applying
// defaults for anything left unset.
func LoadServer(path string) (Server, error) {
	v := newViper("docsync")
	v.SetDefault("listen_addr", ":8443")
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("dispatcher_queue_capacity", 1024)
	v.SetDefault("log_path", "docsync-server.log")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Server{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return Server{}, fmt.Errorf("config: unmarshal server config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return Server{}, fmt.Errorf("config: database_url is required")
	}
	return cfg, nil
}
