package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/transport"
)

const (
	defaultReadBufferSize = 64 * 1024 // 64 KB
	defaultDialTimeout    = 10 * time.Second
	acceptRetryDelay      = 50 * time.Millisecond
)

// listener is one bound endpoint
type listener struct {
	transport string
	address   string
	l         net.Listener
	closed    atomic.Bool
}

// ConnectionContainer owns all listeners and connections of a process. It
// accepts inbound connections, dials outbound ones (with reconnect timer) and
// runs the read and write loop of every connection.
type ConnectionContainer struct {
	socket      common.SocketConfig
	connectors  *xsync.MapOf[string, IConnector]
	listeners   *xsync.MapOf[string, *listener]
	connections *xsync.MapOf[uint64, *connection]
	nextID      atomic.Uint64

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	terminated atomic.Bool
}

// NewConnectionContainer creates a container with the given connectors registered
func NewConnectionContainer(socket common.SocketConfig, connectors ...IConnector) *ConnectionContainer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &ConnectionContainer{
		socket:      socket,
		connectors:  xsync.NewMapOf[string, IConnector](),
		listeners:   xsync.NewMapOf[string, *listener](),
		connections: xsync.NewMapOf[uint64, *connection](),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, connector := range connectors {
		c.RegisterConnector(connector)
	}
	return c
}

// RegisterConnector adds (or replaces) the connector for its transport name
func (c *ConnectionContainer) RegisterConnector(connector IConnector) {
	c.connectors.Store(connector.GetName(), connector)
}

// HasConnector reports whether a connector is registered for the transport name
func (c *ConnectionContainer) HasConnector(name string) bool {
	_, ok := c.connectors.Load(name)
	return ok
}

// Len returns the number of live connections
func (c *ConnectionContainer) Len() int {
	return c.connections.Size()
}

// --------------------------------------------------------------------------
// Listening
// --------------------------------------------------------------------------

// Bind starts listening on the address. accept is called for every inbound connection.
func (c *ConnectionContainer) Bind(transportName, address string, accept transport.AcceptFunc) error {
	if c.terminated.Load() {
		return transport.ErrConnectionClosed
	}
	connector, err := c.connector(transportName)
	if err != nil {
		return err
	}

	key := transportName + "://" + address
	if _, ok := c.listeners.Load(key); ok {
		return fmt.Errorf("endpoint %s is already bound", key)
	}

	l, err := connector.Listen(address, c.socket)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", key, err)
	}
	ln := &listener{transport: transportName, address: address, l: l}
	c.listeners.Store(key, ln)

	Logger.Infof("Listening on %s (%s)", key, l.Addr())

	c.wg.Add(1)
	go c.acceptLoop(ln, connector, accept)
	return nil
}

// Unbind stops listening on the address. Established connections stay open.
func (c *ConnectionContainer) Unbind(transportName, address string) error {
	key := transportName + "://" + address
	ln, ok := c.listeners.LoadAndDelete(key)
	if !ok {
		return fmt.Errorf("endpoint %s is not bound", key)
	}
	ln.closed.Store(true)
	return ln.l.Close()
}

// ListenAddr returns the actual address of a bound endpoint (useful with port 0)
func (c *ConnectionContainer) ListenAddr(transportName, address string) (net.Addr, bool) {
	ln, ok := c.listeners.Load(transportName + "://" + address)
	if !ok {
		return nil, false
	}
	return ln.l.Addr(), true
}

func (c *ConnectionContainer) acceptLoop(ln *listener, connector IConnector, accept transport.AcceptFunc) {
	defer c.wg.Done()

	for {
		nc, err := ln.l.Accept()
		if err != nil {
			if ln.closed.Load() || c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				Logger.Debugf("Stopped accepting on %s://%s", ln.transport, ln.address)
				return
			}
			Logger.Errorf("Accept error on %s://%s: %v", ln.transport, ln.address, err)
			select {
			case <-time.After(acceptRetryDelay):
				continue
			case <-c.ctx.Done():
				return
			}
		}

		if err := connector.UpgradeConnection(nc, c.socket); err != nil {
			Logger.Warningf("Failed to upgrade connection from %s: %v", nc.RemoteAddr(), err)
			_ = nc.Close()
			continue
		}

		conn := c.newConnection(nil, ln.transport, ln.address, true)
		cb := accept(conn)
		if cb == nil {
			Logger.Debugf("Rejected connection from %s", nc.RemoteAddr())
			c.connections.Delete(conn.id)
			_ = nc.Close()
			continue
		}
		conn.cb = cb

		c.wg.Add(1)
		go conn.runIncoming(nc)
	}
}

// --------------------------------------------------------------------------
// Outbound connections
// --------------------------------------------------------------------------

// CreateConnection creates an outbound connection that is not dialed yet
func (c *ConnectionContainer) CreateConnection(cb transport.IConnectionCallback) transport.IConnection {
	return c.newConnection(cb, "", "", false)
}

// Connect dials the connection asynchronously. Failed dials and lost sockets
// are retried according to opts; Connected and Disconnected report the outcome.
func (c *ConnectionContainer) Connect(conn transport.IConnection, transportName, address string, opts transport.ConnectionOptions) error {
	if c.terminated.Load() {
		return transport.ErrConnectionClosed
	}
	cc, ok := conn.(*connection)
	if !ok || cc.parent != c {
		return fmt.Errorf("connection %d does not belong to this container", conn.ID())
	}
	connector, err := c.connector(transportName)
	if err != nil {
		return err
	}

	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return transport.ErrConnectionClosed
	}
	if cc.started {
		cc.mu.Unlock()
		return fmt.Errorf("connection %d is already connecting", cc.id)
	}
	cc.started = true
	cc.opts = opts
	cc.data.Transport = transportName
	cc.data.Address = address
	cc.mu.Unlock()

	c.wg.Add(1)
	go cc.runOutgoing(connector)
	return nil
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// Terminate closes all listeners and connections and waits until every
// transport goroutine has exited.
func (c *ConnectionContainer) Terminate() {
	if c.terminated.Swap(true) {
		c.wg.Wait()
		return
	}
	c.cancel()

	c.listeners.Range(func(key string, ln *listener) bool {
		ln.closed.Store(true)
		_ = ln.l.Close()
		c.listeners.Delete(key)
		return true
	})
	c.connections.Range(func(_ uint64, conn *connection) bool {
		conn.Disconnect()
		return true
	})

	c.wg.Wait()
	Logger.Infof("Connection container terminated")
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *ConnectionContainer) connector(name string) (IConnector, error) {
	connector, ok := c.connectors.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", transport.ErrUnknownTransport, name)
	}
	return connector, nil
}

func (c *ConnectionContainer) newConnection(cb transport.IConnectionCallback, transportName, address string, incoming bool) *connection {
	conn := &connection{
		id:     c.nextID.Add(1),
		parent: c,
		cb:     cb,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	conn.data = transport.ConnectionData{
		ID:        conn.id,
		Transport: transportName,
		Address:   address,
		Incoming:  incoming,
		State:     transport.StateDisconnected,
	}
	c.connections.Store(conn.id, conn)
	return conn
}

func (c *ConnectionContainer) readBufferSize() int {
	if c.socket.ReadBufferSize > 0 {
		return c.socket.ReadBufferSize
	}
	return defaultReadBufferSize
}
