package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/protocol"
	"github.com/ValentinKolb/dMQ/rpc/transport"
	"github.com/ValentinKolb/dMQ/rpc/transport/base"
	"github.com/ValentinKolb/dMQ/rpc/transport/tcp"
	"github.com/ValentinKolb/dMQ/rpc/transport/unix"
	"github.com/ValentinKolb/dMQ/rpc/transport/ws"
)

// DefaultCycleTime is the interval of the cycle loop if Init got none
const DefaultCycleTime = 100 * time.Millisecond

// ErrLoopRunning is returned by Run if the cycle loop is already running
var ErrLoopRunning = errors.New("session: cycle loop already running")

// BindOptions configures the sessions created for inbound connections
type BindOptions struct {
	// ContentType of the entity messages on the accepted sessions
	ContentType common.ContentType
	// ActivityTimeout overrides the container default (0 = keep default)
	ActivityTimeout time.Duration
}

// ConnectOptions configures an outbound session
type ConnectOptions struct {
	ContentType            common.ContentType
	ReconnectInterval      time.Duration
	TotalReconnectDuration time.Duration
	DialTimeout            time.Duration
	// MaxConnections caps the connections of multi connection protocols (default 1)
	MaxConnections  int
	ActivityTimeout time.Duration
	// Callback overrides the container callback for this session
	Callback common.Handle[ISessionCallback]
}

func (o ConnectOptions) connectionOptions() transport.ConnectionOptions {
	return transport.ConnectionOptions{
		ReconnectInterval:      o.ReconnectInterval,
		TotalReconnectDuration: o.TotalReconnectDuration,
		DialTimeout:            o.DialTimeout,
	}
}

// Option configures a Container
type Option func(*Container)

// WithRegistry sets the protocol registry (default protocol.NewDefaultRegistry)
func WithRegistry(r *protocol.Registry) Option {
	return func(c *Container) {
		c.registry = r
	}
}

// WithConnectionContainer sets the connection container. The caller keeps
// ownership of the connectors registered on it.
func WithConnectionContainer(cc *base.ConnectionContainer) Option {
	return func(c *Container) {
		c.conns = cc
	}
}

// WithSocketConfig sets the socket tuning of the default connection container
func WithSocketConfig(cfg common.SocketConfig) Option {
	return func(c *Container) {
		c.socket = cfg
	}
}

// WithActivityTimeout sets the default inactivity timeout of all sessions
func WithActivityTimeout(d time.Duration) Option {
	return func(c *Container) {
		c.activityTimeout = d
	}
}

// Container is the top level owner of sessions. It binds endpoints, creates
// outbound sessions and drives every session's CycleTime from its cycle loop.
type Container struct {
	registry        *protocol.Registry
	conns           *base.ConnectionContainer
	socket          common.SocketConfig
	list            *SessionList
	metrics         *Metrics
	activityTimeout time.Duration
	bound           *xsync.MapOf[string, protocol.Endpoint]

	mu            sync.Mutex
	callback      common.Handle[ISessionCallback]
	cycleTime     time.Duration
	cycleCallback func(now time.Time)
	loopDone      chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// NewContainer creates a session container. Without options it uses the
// default protocol registry and a connection container with the tcp, unix
// and ws connectors.
func NewContainer(opts ...Option) *Container {
	c := &Container{
		socket:    common.DefaultSocketConfig(),
		list:      NewSessionList(),
		bound:     xsync.NewMapOf[string, protocol.Endpoint](),
		cycleTime: DefaultCycleTime,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = protocol.NewDefaultRegistry(protocol.DefaultMaxMessageSize)
	}
	if c.conns == nil {
		c.conns = base.NewConnectionContainer(c.socket, tcp.NewConnector(), unix.NewConnector(), ws.NewConnector())
	}
	c.metrics = newMetrics(c.list)
	return c
}

// Init sets the default session callback and the cycle loop parameters.
// It must be called before sessions are created.
func (c *Container) Init(callback common.Handle[ISessionCallback], cycleTime time.Duration, cycleCallback func(now time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = callback
	if cycleTime > 0 {
		c.cycleTime = cycleTime
	}
	c.cycleCallback = cycleCallback
}

// ----- Accessors -----

// Registry returns the protocol registry
func (c *Container) Registry() *protocol.Registry {
	return c.registry
}

// ConnectionContainer returns the underlying connection container
func (c *Container) ConnectionContainer() *base.ConnectionContainer {
	return c.conns
}

// Metrics returns the session metrics
func (c *Container) Metrics() *Metrics {
	return c.metrics
}

// ----- Session list -----

// GetSession returns a verified session by id
func (c *Container) GetSession(id int64) (*Session, bool) {
	return c.list.GetSession(id)
}

// GetAllSessions returns all verified sessions ordered by id
func (c *Container) GetAllSessions() []*Session {
	return c.list.GetAllSessions()
}

// FindSessionByName returns the verified session with the given name
func (c *Container) FindSessionByName(name string) (*Session, bool) {
	return c.list.FindSessionByName(name)
}

// SetSessionName names an unverified session, which makes it verified
func (c *Container) SetSessionName(id int64, name string) error {
	return c.list.SetSessionName(id, name)
}

// ----- Endpoints -----

// Bind listens on the endpoint. Every accepted connection gets a fresh
// protocol instance and a new session that is verified unless the protocol
// expects an in-band handshake.
func (c *Container) Bind(endpoint string, opts BindOptions) error {
	ep, err := c.registry.ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	factory, err := c.registry.Factory(ep.Protocol)
	if err != nil {
		return err
	}
	activity := c.activityTimeout
	if opts.ActivityTimeout > 0 {
		activity = opts.ActivityTimeout
	}

	accept := func(conn transport.IConnection) transport.IConnectionCallback {
		s := c.newSession(true, opts.ContentType, c.defaultCallback())
		s.endpoint = ep
		s.factory = factory
		s.proto = factory()
		s.conn = conn
		s.activityTimeout = activity
		s.lastActivity = time.Now()
		c.addSession(s, !s.proto.Flags().Has(protocol.FlagSupportsSession))
		Logger.Debugf("Accepted %s on %s", s, ep)
		return &connHandler{s: s}
	}

	if err := c.conns.Bind(ep.Transport, ep.Address, accept); err != nil {
		return fmt.Errorf("bind %s: %w", endpoint, err)
	}
	c.bound.Store(endpoint, ep)
	Logger.Infof("Listening on %s", ep)
	return nil
}

// Unbind stops listening on a bound endpoint. Accepted sessions stay alive.
func (c *Container) Unbind(endpoint string) error {
	ep, ok := c.bound.LoadAndDelete(endpoint)
	if !ok {
		return fmt.Errorf("endpoint %s is not bound", endpoint)
	}
	return c.conns.Unbind(ep.Transport, ep.Address)
}

// ListenAddr returns the actual address of a bound endpoint (e.g. after
// binding port 0)
func (c *Container) ListenAddr(endpoint string) (net.Addr, bool) {
	ep, ok := c.bound.Load(endpoint)
	if !ok {
		return nil, false
	}
	return c.conns.ListenAddr(ep.Transport, ep.Address)
}

// Connect creates an outbound session and starts connecting it. The session
// is returned at once; messages sent before the connection is up are buffered.
func (c *Container) Connect(endpoint string, opts ConnectOptions) (*Session, error) {
	cb := opts.Callback
	if cb.Kind() == common.HandleNone {
		cb = c.defaultCallback()
	}
	s := c.CreateSession(cb)
	s.contentType = opts.ContentType
	if err := s.Connect(endpoint, opts); err != nil {
		// the caller never sees the session, so no Disconnected callback
		c.list.RemoveSession(s.id)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		c.metrics.SessionsClosed.Inc()
		return nil, err
	}
	return s, nil
}

// CreateSession creates an unattached, unverified session. It is attached
// later with Session.Connect. A handle of kind none selects the container
// callback.
func (c *Container) CreateSession(cb common.Handle[ISessionCallback]) *Session {
	if cb.Kind() == common.HandleNone {
		cb = c.defaultCallback()
	}
	s := c.newSession(false, common.ContentTypeBinary, cb)
	s.activityTimeout = c.activityTimeout
	s.lastActivity = time.Now()
	c.addSession(s, false)
	return s
}

// CreateSessionForProtocol creates an inbound session that is driven by its
// owner instead of a managed connection, e.g. by an HTTP handler calling
// ReceiveData and PollRequest.
func (c *Container) CreateSessionForProtocol(name string, opts BindOptions) (*Session, error) {
	factory, err := c.registry.Factory(name)
	if err != nil {
		return nil, err
	}
	s := c.newSession(true, opts.ContentType, c.defaultCallback())
	s.factory = factory
	s.proto = factory()
	s.endpoint = protocol.Endpoint{Protocol: name}
	s.connected = true
	s.everConnected = true
	s.activityTimeout = c.activityTimeout
	if opts.ActivityTimeout > 0 {
		s.activityTimeout = opts.ActivityTimeout
	}
	s.lastActivity = time.Now()
	c.addSession(s, !s.proto.Flags().Has(protocol.FlagSupportsSession))
	return s, nil
}

// ----- Cycle loop -----

// Run drives the cycle loop until ctx is done or TerminatePollerLoop is called
func (c *Container) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.loopDone != nil {
		c.mu.Unlock()
		return ErrLoopRunning
	}
	done := make(chan struct{})
	c.loopDone = done
	interval := c.cycleTime
	c.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case now := <-ticker.C:
			c.Cycle(now)
		}
	}
}

// Cycle runs one housekeeping tick over all sessions and the cycle callback
func (c *Container) Cycle(now time.Time) {
	for _, s := range c.list.all() {
		s.CycleTime(now)
	}
	c.mu.Lock()
	cb := c.cycleCallback
	c.mu.Unlock()
	if cb != nil {
		cb(now)
	}
}

// TerminatePollerLoop disconnects all sessions, closes all listeners and
// connections and blocks until the cycle loop and every transport goroutine
// have exited
func (c *Container) TerminatePollerLoop() {
	c.stopOnce.Do(func() { close(c.stop) })

	for _, s := range c.list.all() {
		s.Disconnect()
	}
	c.bound.Clear()
	c.conns.Terminate()

	c.mu.Lock()
	done := c.loopDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}
	Logger.Infof("Session container terminated")
}

// ----- Helper Methods -----

func (c *Container) newSession(incoming bool, ct common.ContentType, cb common.Handle[ISessionCallback]) *Session {
	return &Session{
		container:   c,
		incoming:    incoming,
		contentType: ct,
		callback:    cb,
	}
}

func (c *Container) addSession(s *Session, verified bool) {
	c.list.AddSession(s, verified)
	c.metrics.SessionsOpened.Inc()
}

func (c *Container) defaultCallback() common.Handle[ISessionCallback] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback
}
