package util

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/session"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and makes viper read DMQ_* environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dmq")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// ----- Flags -----

// SetupSocketFlags adds the socket tuning flags shared by server and client
func SetupSocketFlags(cmd *cobra.Command) {
	key := "socket-write-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket write buffer (in KB, 0 = OS default)"))

	key = "socket-read-buffer"
	cmd.PersistentFlags().Int(key, 64, WrapString("The size of the socket read buffer (in KB)"))

	key = "socket-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY (tcp only)"))

	key = "socket-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval (in seconds, tcp only, 0 = OS default)"))

	key = "socket-tcp-linger"
	cmd.PersistentFlags().Int(key, -1, WrapString("The linger time (in seconds, tcp only, -1 = OS default)"))
}

// SetupClientFlags adds the flags of commands that connect to a remote entity
func SetupClientFlags(cmd *cobra.Command) {
	key := "endpoint"
	cmd.PersistentFlags().String(key, "tcp://localhost:7070:headersize", WrapString("The endpoint of the dMQ server. Format: transport://address:protocol (e.g. unix:///tmp/dmq.sock:delimiter_nl)"))

	key = "entity"
	cmd.PersistentFlags().String(key, "echo", WrapString("The name of the remote entity"))

	key = "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of a request"))

	key = "reconnect-interval"
	cmd.PersistentFlags().Int(key, 0, WrapString("Interval between reconnect attempts in milliseconds (0 = no reconnect)"))

	key = "reconnect-total"
	cmd.PersistentFlags().Int(key, 0, WrapString("How long to keep reconnecting in seconds (0 = forever)"))

	key = "max-connections"
	cmd.PersistentFlags().Int(key, 1, WrapString("Simultaneous connections of the session, for protocols that support this feature (headersize_rr)"))

	SetupSocketFlags(cmd)
}

// ----- Configuration -----

// configure fills out from the config file (if any) and viper. Flags and
// environment variables that were set explicitly win over the file.
func configure(out interface{}, apply func(explicitOnly bool)) error {
	apply(false)
	path := viper.GetString("config")
	if path == "" {
		return nil
	}
	if err := common.LoadConfigFile(path, out); err != nil {
		return err
	}
	apply(true)
	return nil
}

func socketConfig(conf *common.SocketConfig, explicitOnly bool) {
	set := func(key string) bool { return !explicitOnly || viper.IsSet(key) }
	if set("socket-write-buffer") {
		conf.WriteBufferSize = viper.GetInt("socket-write-buffer") * 1024
	}
	if set("socket-read-buffer") {
		conf.ReadBufferSize = viper.GetInt("socket-read-buffer") * 1024
	}
	if set("socket-tcp-nodelay") {
		conf.TCPNoDelay = viper.GetBool("socket-tcp-nodelay")
	}
	if set("socket-tcp-keepalive") {
		conf.TCPKeepAliveSec = viper.GetInt("socket-tcp-keepalive")
	}
	if set("socket-tcp-linger") {
		conf.TCPLingerSec = viper.GetInt("socket-tcp-linger")
	}
}

// GetClientConfig reads the client configuration
func GetClientConfig() (*common.ClientConfig, error) {
	conf := &common.ClientConfig{}
	err := configure(conf, func(explicitOnly bool) {
		set := func(key string) bool { return !explicitOnly || viper.IsSet(key) }
		if set("endpoint") {
			conf.Endpoint = viper.GetString("endpoint")
		}
		if set("entity") {
			conf.EntityName = viper.GetString("entity")
		}
		if set("content-type") {
			conf.ContentType = viper.GetString("content-type")
		}
		if set("timeout") {
			conf.TimeoutSecond = viper.GetInt("timeout")
		}
		if set("reconnect-interval") {
			conf.ReconnectIntervalMs = viper.GetInt("reconnect-interval")
		}
		if set("reconnect-total") {
			conf.TotalReconnectSecond = viper.GetInt("reconnect-total")
		}
		if set("max-connections") {
			conf.MaxConnections = viper.GetInt("max-connections")
		}
		if set("log-level") {
			conf.LogLevel = viper.GetString("log-level")
		}
		socketConfig(&conf.Socket, explicitOnly)
	})
	return conf, err
}

// GetServerConfig reads the server configuration
func GetServerConfig() (*common.ServerConfig, error) {
	conf := &common.ServerConfig{}
	err := configure(conf, func(explicitOnly bool) {
		set := func(key string) bool { return !explicitOnly || viper.IsSet(key) }
		if set("endpoints") {
			conf.Endpoints = SplitList(viper.GetString("endpoints"))
		}
		if set("http-endpoint") {
			conf.HTTPEndpoint = viper.GetString("http-endpoint")
		}
		if set("metrics-endpoint") {
			conf.MetricsEndpoint = viper.GetString("metrics-endpoint")
		}
		if set("entity") {
			conf.EntityName = viper.GetString("entity")
		}
		if set("content-type") {
			conf.ContentType = viper.GetString("content-type")
		}
		if set("cycle-time") {
			conf.CycleTimeMs = viper.GetInt("cycle-time")
		}
		if set("activity-timeout") {
			conf.ActivityTimeoutSecond = viper.GetInt("activity-timeout")
		}
		if set("max-message-size") {
			conf.MaxMessageSize = viper.GetInt("max-message-size")
		}
		if set("log-level") {
			conf.LogLevel = viper.GetString("log-level")
		}
		socketConfig(&conf.Socket, explicitOnly)
	})
	return conf, err
}

// ConnectOptions converts the client configuration into session options
func ConnectOptions(conf *common.ClientConfig) (session.ConnectOptions, error) {
	ct, err := common.ParseContentType(conf.ContentType)
	if err != nil {
		return session.ConnectOptions{}, err
	}
	return session.ConnectOptions{
		ContentType:            ct,
		ReconnectInterval:      time.Duration(conf.ReconnectIntervalMs) * time.Millisecond,
		TotalReconnectDuration: time.Duration(conf.TotalReconnectSecond) * time.Second,
		DialTimeout:            time.Duration(conf.TimeoutSecond) * time.Second,
		MaxConnections:         conf.MaxConnections,
	}, nil
}

// SplitList splits a comma-separated flag value, dropping empty items
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
