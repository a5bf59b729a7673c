package common

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// --------------------------------------------------------------------------
// Socket configuration (shared by server and client)
// --------------------------------------------------------------------------

// SocketConfig holds the per-socket tuning applied by the connectors
type SocketConfig struct {
	ReadBufferSize  int  `toml:"read_buffer_size"`
	WriteBufferSize int  `toml:"write_buffer_size"`
	TCPNoDelay      bool `toml:"tcp_nodelay"`
	TCPKeepAliveSec int  `toml:"tcp_keepalive_sec"`
	TCPLingerSec    int  `toml:"tcp_linger_sec"`
}

// DefaultSocketConfig returns the socket settings used when nothing is configured
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		ReadBufferSize: 64 * 1024,
		TCPNoDelay:     true,
		TCPLingerSec:   -1,
	}
}

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of a dMQ server process.
type ServerConfig struct {
	// Endpoints to bind, format transport://address:protocol
	Endpoints []string `toml:"endpoints"`

	// HTTP poll transport (empty = disabled)
	HTTPEndpoint string `toml:"http_endpoint"`

	// Prometheus metrics endpoint (empty = disabled)
	MetricsEndpoint string `toml:"metrics_endpoint"`

	// Entity served by the process
	EntityName  string `toml:"entity_name"`
	ContentType string `toml:"content_type"`

	// Session housekeeping
	CycleTimeMs           int `toml:"cycle_time_ms"`
	ActivityTimeoutSecond int `toml:"activity_timeout_sec"`
	MaxMessageSize        int `toml:"max_message_size"`

	Socket SocketConfig `toml:"socket"`

	// Logging configuration
	LogLevel string `toml:"log_level"`
}

// CycleTime returns the configured cycle interval (default 100ms)
func (c *ServerConfig) CycleTime() time.Duration {
	if c.CycleTimeMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.CycleTimeMs) * time.Millisecond
}

// ActivityTimeout returns the configured inactivity timeout (0 = disabled)
func (c *ServerConfig) ActivityTimeout() time.Duration {
	return time.Duration(c.ActivityTimeoutSecond) * time.Second
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}
	if c.HTTPEndpoint != "" {
		addField("HTTP (poll)", c.HTTPEndpoint)
	}
	if c.MetricsEndpoint != "" {
		addField("Metrics", c.MetricsEndpoint)
	}

	addSection("Entity")
	addField("Name", c.EntityName)
	addField("Content Type", c.ContentType)

	addSection("Sessions")
	addField("Cycle Time", c.CycleTime().String())
	addField("Activity Timeout", fmt.Sprintf("%d sec", c.ActivityTimeoutSecond))
	addField("Max Message Size", fmt.Sprintf("%d bytes", c.MaxMessageSize))

	addSection("Socket")
	addField("Read Buffer", fmt.Sprintf("%d bytes", c.Socket.ReadBufferSize))
	addField("Write Buffer", fmt.Sprintf("%d bytes", c.Socket.WriteBufferSize))
	addField("TCP NoDelay", fmt.Sprintf("%t", c.Socket.TCPNoDelay))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds the parameters of a client that connects to a remote entity
type ClientConfig struct {
	Endpoint             string       `toml:"endpoint"`
	EntityName           string       `toml:"entity_name"`
	ContentType          string       `toml:"content_type"`
	TimeoutSecond        int          `toml:"timeout_sec"`
	ReconnectIntervalMs  int          `toml:"reconnect_interval_ms"`
	TotalReconnectSecond int          `toml:"total_reconnect_sec"`
	MaxConnections       int          `toml:"max_connections"`
	Socket               SocketConfig `toml:"socket"`
	LogLevel             string       `toml:"log_level"`
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Endpoint", c.Endpoint)
	addField("Entity", c.EntityName)
	addField("Content Type", c.ContentType)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Reconnect Interval", fmt.Sprintf("%d ms", c.ReconnectIntervalMs))
	addField("Reconnect Budget", fmt.Sprintf("%d sec", c.TotalReconnectSecond))
	addField("Max Connections", strconv.Itoa(int(math.Max(1, float64(c.MaxConnections)))))

	return sb.String()
}

// --------------------------------------------------------------------------
// Config files
// --------------------------------------------------------------------------

// LoadConfigFile decodes a TOML file into the given configuration struct.
// Keys not present in the file keep their current value.
func LoadConfigFile(path string, out interface{}) error {
	if _, err := toml.DecodeFile(path, out); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}
