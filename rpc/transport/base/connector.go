package base

import (
	"context"
	"net"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/dMQ/rpc/common"
)

var Logger = logger.GetLogger(common.LoggerTransport)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific listen operations
type IServerConnector interface {
	// Listen creates a listener for the given address
	Listen(address string, config common.SocketConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// IClientConnector defines the interface for transport-specific dial operations
type IClientConnector interface {
	// Connect establishes a single connection to the given address
	Connect(ctx context.Context, address string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.SocketConfig) error
}

// IConnector combines both directions of a transport
type IConnector interface {
	IServerConnector
	IClientConnector
}
