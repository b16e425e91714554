package feed

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Default configuration values.
const (
	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultReconnectMinDelay is the minimum delay before reconnecting.
	DefaultReconnectMinDelay = 1 * time.Second

	// DefaultReconnectMaxDelay is the maximum delay before reconnecting.
	DefaultReconnectMaxDelay = 60 * time.Second

	// DefaultPacketChannelSize is the default buffer size for the packet channel.
	DefaultPacketChannelSize = 1024

	// DefaultMaxMessageSize is the default maximum gRPC message size (16MB).
	// Packet frames are small; batched updates can still add up.
	DefaultMaxMessageSize = 16 * 1024 * 1024

	// DefaultSnapLen is the default packet snapshot length in bytes.
	DefaultSnapLen = 65535

	// DefaultPingInterval is the interval between ping messages.
	DefaultPingInterval = 15 * time.Second

	// DefaultHealthCheckInterval is the interval between health checks.
	DefaultHealthCheckInterval = 30 * time.Second

	// DefaultStaleTimeout is how long without updates before connection is considered stale.
	DefaultStaleTimeout = 60 * time.Second
)

// Configuration errors.
var (
	ErrNoEndpoint    = errors.New("feed endpoint is required")
	ErrInvalidConfig = errors.New("invalid feed configuration")
)

// Config holds the configuration for the packet feed client.
type Config struct {
	// Endpoint is the gRPC endpoint URL (e.g., "feed.example.com:443").
	// Required.
	Endpoint string

	// Token is the authentication token for the gRPC service.
	// Can use environment variable expansion with ${VAR_NAME}.
	Token string

	// UseTLS enables TLS for the gRPC connection.
	// Should be true for production endpoints.
	UseTLS bool

	// Sources selects which capture sources to subscribe to.
	// Empty subscribes to all sources the server offers.
	Sources []string

	// SnapLen truncates delivered packets to this many bytes.
	SnapLen uint32

	// FromSeq is the starting sequence for historical replay.
	// If nil, starts from the live stream.
	FromSeq *uint64

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// Reconnection configuration.
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	MaxReconnects     int // 0 = unlimited

	// PacketChannelSize is the buffer size for the packet channel.
	PacketChannelSize int

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// PingInterval is the interval between ping messages for keepalive.
	PingInterval time.Duration

	// HealthCheckInterval is how often to check connection health.
	HealthCheckInterval time.Duration

	// StaleTimeout is how long without updates before reconnecting.
	StaleTimeout time.Duration

	// Headers are additional headers to send with gRPC requests.
	Headers map[string]string

	// OnPacket is called for each received packet (optional).
	// Called synchronously - should not block.
	OnPacket func(*Packet)

	// OnConnect is called when connection is established (optional).
	OnConnect func()

	// OnDisconnect is called when connection is lost (optional).
	OnDisconnect func(error)

	// OnReconnect is called when reconnection succeeds (optional).
	OnReconnect func(attempt int)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		UseTLS:  true,
		SnapLen: DefaultSnapLen,

		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,

		ReconnectMinDelay: DefaultReconnectMinDelay,
		ReconnectMaxDelay: DefaultReconnectMaxDelay,
		MaxReconnects:     0, // unlimited

		PacketChannelSize: DefaultPacketChannelSize,
		MaxMessageSize:    DefaultMaxMessageSize,
		PingInterval:      DefaultPingInterval,

		HealthCheckInterval: DefaultHealthCheckInterval,
		StaleTimeout:        DefaultStaleTimeout,

		Headers: make(map[string]string),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}

	if c.PacketChannelSize <= 0 {
		return fmt.Errorf("%w: packet channel size must be positive", ErrInvalidConfig)
	}

	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}

	if c.SnapLen == 0 {
		return fmt.Errorf("%w: snap length must be positive", ErrInvalidConfig)
	}

	if c.KeepaliveTime <= 0 {
		return fmt.Errorf("%w: keepalive time must be positive", ErrInvalidConfig)
	}

	if c.KeepaliveTimeout <= 0 {
		return fmt.Errorf("%w: keepalive timeout must be positive", ErrInvalidConfig)
	}

	if c.ReconnectMinDelay <= 0 {
		return fmt.Errorf("%w: reconnect min delay must be positive", ErrInvalidConfig)
	}

	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		return fmt.Errorf("%w: reconnect max delay must be >= min delay", ErrInvalidConfig)
	}

	return nil
}

// WithDefaults returns a new config with default values applied for any
// zero values in the original config.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.SnapLen == 0 {
		c.SnapLen = defaults.SnapLen
	}
	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = defaults.KeepaliveTime
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = defaults.KeepaliveTimeout
	}
	if c.ReconnectMinDelay == 0 {
		c.ReconnectMinDelay = defaults.ReconnectMinDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if c.PacketChannelSize == 0 {
		c.PacketChannelSize = defaults.PacketChannelSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = defaults.StaleTimeout
	}
	if c.Headers == nil {
		c.Headers = defaults.Headers
	}

	return c
}

// ExpandedToken returns the token with environment variable expansion.
// Supports ${VAR_NAME} syntax.
func (c *Config) ExpandedToken() string {
	return expandEnvVars(c.Token)
}

// expandEnvVars expands ${VAR} references in a string.
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := result[start+2 : end]
		varValue := os.Getenv(varName)
		result = result[:start] + varValue + result[end+1:]
	}
	return result
}
