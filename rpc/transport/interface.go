package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned when sending on a connection without socket
	ErrNotConnected = errors.New("transport: not connected")
	// ErrConnectionClosed is returned when operating on a terminated connection
	ErrConnectionClosed = errors.New("transport: connection closed")
	// ErrUnknownTransport is returned when no connector is registered for a transport name
	ErrUnknownTransport = errors.New("transport: unknown transport")
)

// --------------------------------------------------------------------------
// Connection data
// --------------------------------------------------------------------------

// ConnectionState is the state of a connection as seen by the transport
type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectionData describes one connection
type ConnectionData struct {
	ID         uint64
	Transport  string
	Address    string // bound or dialed address
	LocalAddr  string
	RemoteAddr string
	Incoming   bool
	State      ConnectionState
}

// String returns a short description used in log lines
func (d ConnectionData) String() string {
	dir := "out"
	if d.Incoming {
		dir = "in"
	}
	return fmt.Sprintf("#%d %s://%s (%s, %s)", d.ID, d.Transport, d.Address, dir, d.State)
}

// ConnectionOptions controls the reconnect behaviour of outbound connections
type ConnectionOptions struct {
	// ReconnectInterval is the delay between dial attempts (0 = no reconnect)
	ReconnectInterval time.Duration
	// TotalReconnectDuration bounds the time spent reconnecting (0 = unlimited)
	TotalReconnectDuration time.Duration
	// DialTimeout bounds a single dial attempt (0 = 10s)
	DialTimeout time.Duration
}

// --------------------------------------------------------------------------
// Connection interfaces
// --------------------------------------------------------------------------

// IConnection is one (possibly reconnecting) physical connection
type IConnection interface {
	// ID returns the process unique connection id
	ID() uint64
	// ConnectionData returns a snapshot of the connection data
	ConnectionData() ConnectionData
	// SendMessage queues the buffers for writing. It does not block on I/O.
	SendMessage(buffers [][]byte) error
	// Disconnect closes the connection for good; no reconnect follows
	Disconnect()
}

// IConnectionCallback receives the events of a connection. Calls for one
// connection are never concurrent.
type IConnectionCallback interface {
	// Connected is called when the socket is established
	Connected(conn IConnection)
	// Disconnected is called when the socket is gone; reconnecting tells
	// whether the transport tries to establish it again
	Disconnected(conn IConnection, reconnecting bool)
	// Received is called with the next bytes of the stream. data is only valid
	// during the call. A returned error drops the connection.
	Received(conn IConnection, data []byte) error
}

// AcceptFunc is called for every inbound connection before reading starts.
// It returns the callback of the connection or nil to reject it.
type AcceptFunc func(conn IConnection) IConnectionCallback
