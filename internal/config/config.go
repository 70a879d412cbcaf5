package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	ListenAddress       string          `mapstructure:"listen_address"`
	AdminAddress        string          `mapstructure:"admin_address"`
	LogLevel            string          `mapstructure:"log_level"`
	RosterPath          string          `mapstructure:"roster_path"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	WebSocket           WebSocketConfig `mapstructure:"websocket"`
	Routing             RoutingConfig   `mapstructure:"routing"`
}

// WebSocketConfig tunes the per-connection transport.
type WebSocketConfig struct {
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SendBufferSize int           `mapstructure:"send_buffer_size"`
}

// RoutingConfig holds the deployment policy switches.
type RoutingConfig struct {
	// EchoToSender rebroadcasts room and broadcast sends to the sender's own
	// connection. Must be on when the client UI does not append optimistically.
	EchoToSender bool `mapstructure:"echo_to_sender"`
	// IsolateRoomless keeps sessions with no room out of the shared global
	// scope; they see an empty presence list until they join a room.
	IsolateRoomless bool `mapstructure:"isolate_roomless"`
	// GlobalPresence broadcasts every presence delta to all sessions instead
	// of only the affected scope.
	GlobalPresence bool `mapstructure:"global_presence"`
}

const (
	defaultListenAddress       = "0.0.0.0:8080"
	defaultAdminAddress        = "127.0.0.1:9090"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultReadLimit           = 64 << 10
	defaultPingInterval        = 30 * time.Second
	defaultWriteTimeout        = 10 * time.Second
	defaultSendBufferSize      = 32
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with RELAY_ and override
// file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("websocket.read_limit", defaultReadLimit)
	v.SetDefault("websocket.ping_interval", defaultPingInterval.String())
	v.SetDefault("websocket.write_timeout", defaultWriteTimeout.String())
	v.SetDefault("websocket.send_buffer_size", defaultSendBufferSize)
	v.SetDefault("routing.echo_to_sender", true)
	v.SetDefault("routing.isolate_roomless", false)
	v.SetDefault("routing.global_presence", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, d := range []struct {
		key  string
		dst  *time.Duration
		dflt time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultShutdownGracePeriod},
		{"websocket.ping_interval", &cfg.WebSocket.PingInterval, defaultPingInterval},
		{"websocket.write_timeout", &cfg.WebSocket.WriteTimeout, defaultWriteTimeout},
	} {
		if v.IsSet(d.key) {
			dur, err := time.ParseDuration(v.GetString(d.key))
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = dur
		} else {
			*d.dst = d.dflt
		}
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.WebSocket.ReadLimit <= 0 {
		cfg.WebSocket.ReadLimit = defaultReadLimit
	}
	if cfg.WebSocket.SendBufferSize <= 0 {
		cfg.WebSocket.SendBufferSize = defaultSendBufferSize
	}

	return cfg, nil
}
