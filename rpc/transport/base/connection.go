package base

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ValentinKolb/dMQ/rpc/transport"
)

// connection implements transport.IConnection on top of a net.Conn that may
// be replaced on reconnect
type connection struct {
	id     uint64
	parent *ConnectionContainer
	cb     transport.IConnectionCallback

	mu      sync.Mutex
	nc      net.Conn
	data    transport.ConnectionData
	opts    transport.ConnectionOptions
	pending [][]byte
	started bool
	closed  bool

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConnection)
// --------------------------------------------------------------------------

func (c *connection) ID() uint64 {
	return c.id
}

func (c *connection) ConnectionData() transport.ConnectionData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

func (c *connection) SendMessage(buffers [][]byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrConnectionClosed
	}
	if c.nc == nil {
		c.mu.Unlock()
		return transport.ErrNotConnected
	}
	c.pending = append(c.pending, buffers...)
	c.mu.Unlock()

	// wake up the write loop
	select {
	case c.signal <- struct{}{}:
	default:
	}
	return nil
}

func (c *connection) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	nc := c.nc
	started := c.started || c.data.Incoming
	c.mu.Unlock()

	c.once.Do(func() { close(c.done) })
	if nc != nil {
		_ = nc.Close()
	}

	// nobody runs the connection, report the end here
	if !started {
		c.parent.connections.Delete(c.id)
		if c.cb != nil {
			c.cb.Disconnected(c, false)
		}
	}
}

// --------------------------------------------------------------------------
// Connection loops
// --------------------------------------------------------------------------

// runIncoming serves an accepted socket until it is closed
func (c *connection) runIncoming(nc net.Conn) {
	defer c.parent.wg.Done()
	defer c.parent.connections.Delete(c.id)

	if c.attach(nc) {
		c.cb.Connected(c)
		err := c.serve(nc)
		c.logClosed(err)
		c.detach()
	}
	c.markClosed()
	c.cb.Disconnected(c, false)
}

// runOutgoing dials the socket and keeps it alive according to the reconnect options
func (c *connection) runOutgoing(connector IConnector) {
	defer c.parent.wg.Done()
	defer c.parent.connections.Delete(c.id)

	var reconnectStart time.Time
	for !c.isClosed() {
		c.setState(transport.StateConnecting)

		nc, err := c.dial(connector)
		wasConnected := false
		if err == nil {
			if !c.attach(nc) {
				break
			}
			reconnectStart = time.Time{}
			wasConnected = true
			c.cb.Connected(c)
			err = c.serve(nc)
			c.logClosed(err)
			c.detach()
		} else {
			Logger.Debugf("Dial %s://%s failed: %v", c.data.Transport, c.data.Address, err)
		}

		if c.isClosed() || c.parent.ctx.Err() != nil {
			break
		}
		if reconnectStart.IsZero() {
			reconnectStart = time.Now()
		}
		if !c.shouldReconnect(reconnectStart) {
			Logger.Infof("Giving up on %s://%s: %v", c.data.Transport, c.data.Address, err)
			break
		}
		if wasConnected {
			c.cb.Disconnected(c, true)
		}

		select {
		case <-time.After(c.opts.ReconnectInterval):
		case <-c.done:
		case <-c.parent.ctx.Done():
		}
	}

	c.markClosed()
	c.cb.Disconnected(c, false)
}

// serve runs the read and write loop of one socket until either fails
func (c *connection) serve(nc net.Conn) error {
	group, ctx := errgroup.WithContext(c.parent.ctx)

	group.Go(func() error {
		return c.readLoop(nc)
	})

	group.Go(func() error {
		return c.writeLoop(ctx, nc)
	})

	group.Go(func() error {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		// unblocks the read loop
		_ = nc.Close()
		return nil
	})

	return group.Wait()
}

func (c *connection) readLoop(nc net.Conn) error {
	buf := make([]byte, c.parent.readBufferSize())
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			if cbErr := c.cb.Received(c, buf[:n]); cbErr != nil {
				return cbErr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (c *connection) writeLoop(ctx context.Context, nc net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.signal:
		}

		c.mu.Lock()
		buffers := c.pending
		c.pending = nil
		c.mu.Unlock()

		if len(buffers) == 0 {
			continue
		}

		// writev where the platform supports it
		b := net.Buffers(buffers)
		if _, err := b.WriteTo(nc); err != nil {
			return err
		}
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *connection) dial(connector IConnector) (net.Conn, error) {
	timeout := c.opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(c.parent.ctx, timeout)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	nc, err := connector.Connect(ctx, c.data.Address)
	if err != nil {
		return nil, err
	}
	if err := connector.UpgradeConnection(nc, c.parent.socket); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return nc, nil
}

// attach makes nc the active socket; false if the connection was closed meanwhile
func (c *connection) attach(nc net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = nc.Close()
		return false
	}
	c.nc = nc
	c.pending = nil
	c.data.State = transport.StateConnected
	c.data.LocalAddr = nc.LocalAddr().String()
	c.data.RemoteAddr = nc.RemoteAddr().String()
	return true
}

func (c *connection) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.pending); n > 0 {
		Logger.Debugf("Connection %d dropped %d unsent buffers", c.id, n)
	}
	c.nc = nil
	c.pending = nil
	c.data.State = transport.StateDisconnected
}

func (c *connection) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.data.State = transport.StateDisconnected
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connection) setState(state transport.ConnectionState) {
	c.mu.Lock()
	c.data.State = state
	c.mu.Unlock()
}

func (c *connection) shouldReconnect(start time.Time) bool {
	if c.opts.ReconnectInterval <= 0 {
		return false
	}
	return c.opts.TotalReconnectDuration <= 0 || time.Since(start) < c.opts.TotalReconnectDuration
}

func (c *connection) logClosed(err error) {
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
		Logger.Debugf("Connection %s closed", c.ConnectionData())
	default:
		Logger.Infof("Connection %s closed with error: %v", c.ConnectionData(), err)
	}
}
