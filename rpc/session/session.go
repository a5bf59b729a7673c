package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/protocol"
	"github.com/ValentinKolb/dMQ/rpc/transport"
)

var Logger = logger.GetLogger(common.LoggerSession)

var (
	// ErrSessionClosed is returned when using a disconnected session
	ErrSessionClosed = errors.New("session: closed")
	// ErrSessionNotFound is returned for unknown session ids
	ErrSessionNotFound = errors.New("session: not found")
	// ErrAlreadyVerified is returned when naming a verified session
	ErrAlreadyVerified = errors.New("session: already verified")
	// ErrNameTaken is returned when a session name is in use
	ErrNameTaken = errors.New("session: name already in use")
	// ErrAlreadyAttached is returned when connecting a session that has a connection
	ErrAlreadyAttached = errors.New("session: already attached to a connection")
	// ErrNotPollBased is returned for poll requests on stream sessions
	ErrNotPollBased = errors.New("session: protocol is not poll based")
)

// ISessionCallback receives the events of sessions. It is invoked without any
// session lock held, so implementations may call back into the session.
type ISessionCallback interface {
	// Connected is called when the session got its first connection
	Connected(s *Session)
	// Disconnected is called once when the session is gone for good
	Disconnected(s *Session)
	// Received is called for every message received on the session
	Received(s *Session, msg *protocol.Message)
}

// Session binds one logical session to a framing protocol and one or more
// connections. Messages sent while no connection is attached are buffered and
// flushed in order once the connection is up.
type Session struct {
	id          int64
	container   *Container
	incoming    bool
	contentType common.ContentType
	callback    common.Handle[ISessionCallback]
	verified    atomic.Bool

	mu              sync.Mutex
	name            string
	endpoint        protocol.Endpoint
	factory         protocol.Factory
	proto           protocol.IProtocol
	conn            transport.IConnection
	connected       bool
	everConnected   bool
	closed          bool
	buffered        []*protocol.Message
	lastActivity    time.Time
	activityTimeout time.Duration

	// multi connection mode
	connOpts       transport.ConnectionOptions
	maxConnections int
	slots          map[uint64]*slot

	// poll mode
	pollQueue []*protocol.Message
	poll      *pollRequest
	pollSeq   uint64
}

// --------------------------------------------------------------------------
// Identity
// --------------------------------------------------------------------------

// ID returns the session id (1-based, never reused)
func (s *Session) ID() int64 {
	return s.id
}

// Name returns the session name ("" for unnamed sessions)
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// IsVerified reports whether the session is visible to lookups
func (s *Session) IsVerified() bool {
	return s.verified.Load()
}

// IsIncoming reports whether the session was created by an accepted connection
func (s *Session) IsIncoming() bool {
	return s.incoming
}

// IsConnected reports whether a connection is attached right now
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isMultiConnectionLocked() {
		for _, sl := range s.slots {
			if sl.connected {
				return true
			}
		}
		return false
	}
	return s.connected || s.isPollBasedLocked() && !s.closed
}

// IsClosed reports whether the session was disconnected
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ContentType returns the content type used for entity messages on this session
func (s *Session) ContentType() common.ContentType {
	return s.contentType
}

// Endpoint returns the bound or dialed endpoint
func (s *Session) Endpoint() protocol.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Protocol returns the active protocol or nil
func (s *Session) Protocol() protocol.IProtocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proto
}

// ConnectionData returns the data of the attached connection
func (s *Session) ConnectionData() (transport.ConnectionData, bool) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return transport.ConnectionData{}, false
	}
	return conn.ConnectionData(), true
}

// Buffered returns the number of messages waiting for a connection
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffered)
}

// String returns a short description used in log lines
func (s *Session) String() string {
	return fmt.Sprintf("session %d", s.id)
}

// --------------------------------------------------------------------------
// Sending
// --------------------------------------------------------------------------

// CreateMessage creates a message for the active protocol. Without protocol a
// neutral message is returned; it is rendered for the protocol on send.
func (s *Session) CreateMessage() *protocol.Message {
	s.mu.Lock()
	proto := s.proto
	s.mu.Unlock()
	if proto == nil {
		return protocol.NewMessage(protocol.IDNone, 0, 0)
	}
	return proto.NewMessage()
}

// SendMessage sends the message or buffers it until a connection is attached.
// Messages of one session reach the transport in call order.
func (s *Session) SendMessage(msg *protocol.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	switch {
	case s.isPollBasedLocked():
		answer := s.enqueuePollLocked(msg)
		s.mu.Unlock()
		answer.send()
		return nil

	case s.isMultiConnectionLocked():
		s.buffered = append(s.buffered, msg)
		s.pumpMultiLocked()
		s.mu.Unlock()
		return nil

	case !s.connected || s.conn == nil:
		s.buffered = append(s.buffered, msg)
		s.mu.Unlock()
		s.container.metrics.MessagesBuffered.Inc()
		return nil
	}

	err := s.sendLocked(s.conn, s.proto, msg)
	s.mu.Unlock()
	return err
}

// sendLocked renders, prepares and queues a message on conn. If the socket
// is gone meanwhile, the message is buffered for the next connection.
func (s *Session) sendLocked(conn transport.IConnection, proto protocol.IProtocol, msg *protocol.Message) error {
	m := render(msg, proto)
	proto.PrepareMessageToSend(m)
	err := conn.SendMessage(m.SendBuffers())
	if errors.Is(err, transport.ErrNotConnected) {
		s.buffered = append(s.buffered, msg)
		s.container.metrics.MessagesBuffered.Inc()
		return nil
	}
	if err != nil {
		return err
	}
	s.container.metrics.MessagesSent.Inc()
	s.container.metrics.BytesSent.Add(m.SendBufferSize())
	return nil
}

// flushLocked sends all buffered messages in FIFO order
func (s *Session) flushLocked() {
	pending := s.buffered
	s.buffered = nil
	for i, msg := range pending {
		if err := s.sendLocked(s.conn, s.proto, msg); err != nil {
			Logger.Warningf("%s: flushing buffered message failed: %v", s, err)
			s.buffered = append(s.buffered, pending[i+1:]...)
			return
		}
	}
	if len(pending) > 0 {
		Logger.Debugf("%s: flushed %d buffered messages", s, len(pending))
	}
}

// render returns the representation of msg for proto. A message created for
// another protocol is copied into a fresh protocol message once and cached.
func render(msg *protocol.Message, proto protocol.IProtocol) *protocol.Message {
	if msg.ProtocolID() == proto.ProtocolID() {
		return msg
	}
	if alt := msg.GetMessage(proto.ProtocolID()); alt != nil {
		return alt
	}
	alt := protocol.CopyPayload(msg, proto.NewMessage)
	msg.AddMessage(alt)
	return alt
}

// --------------------------------------------------------------------------
// Connecting
// --------------------------------------------------------------------------

// Connect attaches an unattached session to the endpoint. The connection is
// established asynchronously; messages sent meanwhile are buffered.
func (s *Session) Connect(endpoint string, opts ConnectOptions) error {
	ep, err := s.container.registry.ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	factory, err := s.container.registry.Factory(ep.Protocol)
	if err != nil {
		return err
	}

	proto := factory()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.conn != nil || len(s.slots) > 0 {
		s.mu.Unlock()
		return ErrAlreadyAttached
	}
	s.endpoint = ep
	s.factory = factory
	s.proto = proto
	s.connOpts = opts.connectionOptions()
	if opts.ActivityTimeout > 0 {
		s.activityTimeout = opts.ActivityTimeout
	}
	s.mu.Unlock()

	if !proto.Flags().Has(protocol.FlagSupportsSession) {
		s.container.list.markVerified(s.id)
	}
	return s.start(opts.MaxConnections)
}

// Reconnect replaces the connection of an outbound session by a fresh one to
// the same endpoint
func (s *Session) Reconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.incoming || s.factory == nil {
		s.mu.Unlock()
		return fmt.Errorf("%s cannot reconnect: no outbound endpoint", s)
	}
	if s.isMultiConnectionLocked() {
		s.mu.Unlock()
		return fmt.Errorf("%s: multi connection sessions reconnect per request", s)
	}
	old := s.conn
	s.conn = s.container.conns.CreateConnection(&connHandler{s: s})
	s.connected = false
	conn := s.conn
	ep := s.endpoint
	opts := s.connOpts
	s.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	Logger.Infof("%s: reconnecting to %s", s, ep)
	return s.container.conns.Connect(conn, ep.Transport, ep.Address, opts)
}

// start creates the first connection of an outbound session
func (s *Session) start(maxConnections int) error {
	s.mu.Lock()
	if s.proto.Flags().Has(protocol.FlagMultiConnection) {
		s.maxConnections = maxConnections
		if s.maxConnections <= 0 {
			s.maxConnections = 1
		}
		s.slots = make(map[uint64]*slot)
		ok := s.createRequestConnectionLocked()
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("%s: cannot open a connection to %s", s, s.endpoint)
		}
		return nil
	}

	s.conn = s.container.conns.CreateConnection(&connHandler{s: s})
	conn := s.conn
	ep := s.endpoint
	opts := s.connOpts
	s.mu.Unlock()

	if err := s.container.conns.Connect(conn, ep.Transport, ep.Address, opts); err != nil {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Disconnect()
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Receiving
// --------------------------------------------------------------------------

// ReceiveData feeds bytes that arrived outside of a managed connection (e.g.
// the body of an HTTP request) into the session's protocol
func (s *Session) ReceiveData(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	proto := s.proto
	s.lastActivity = time.Now()
	s.mu.Unlock()
	if proto == nil {
		return fmt.Errorf("%s has no protocol", s)
	}
	return s.receive(proto, data)
}

// DeliverMessage dispatches a message that was decoded outside of the
// session's protocol, e.g. an HTTP request body with its metainfo
func (s *Session) DeliverMessage(msg *protocol.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.container.metrics.BytesReceived.Add(len(msg.ReceiveBuffer()))
	s.dispatch(msg)
	return nil
}

func (s *Session) receive(proto protocol.IProtocol, data []byte) error {
	s.container.metrics.BytesReceived.Add(len(data))
	msgs, err := proto.Receive(data)
	if err != nil {
		s.container.metrics.FramingErrors.Inc()
		Logger.Warningf("%s: framing error, dropping connection: %v", s, err)
		return err
	}
	for _, msg := range msgs {
		s.dispatch(msg)
	}
	return nil
}

func (s *Session) dispatch(msg *protocol.Message) {
	s.container.metrics.MessagesReceived.Inc()
	if cb, ok := s.callback.Lock(); ok {
		cb.Received(s, msg)
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Disconnect closes the session for good. The callback sees Disconnected once.
func (s *Session) Disconnect() {
	s.terminate("disconnect requested")
}

func (s *Session) terminate(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connected = false
	conn := s.conn
	var slotConns []transport.IConnection
	for _, sl := range s.slots {
		slotConns = append(slotConns, sl.conn)
	}
	s.slots = nil
	dropped := len(s.buffered) + len(s.pollQueue)
	s.buffered = nil
	s.pollQueue = nil
	parked := s.poll
	s.poll = nil
	s.mu.Unlock()

	Logger.Infof("%s closed (%s)", s, reason)
	if dropped > 0 {
		Logger.Debugf("%s: dropped %d unsent messages", s, dropped)
	}

	if conn != nil {
		conn.Disconnect()
	}
	for _, c := range slotConns {
		c.Disconnect()
	}
	if parked != nil {
		parked.reply(nil, false)
	}

	s.container.list.RemoveSession(s.id)
	s.container.metrics.SessionsClosed.Inc()
	if cb, ok := s.callback.Lock(); ok {
		cb.Disconnected(s)
	}
}

// CycleTime is called periodically by the container. It expires parked poll
// requests, enforces the activity timeout and ticks the protocols.
func (s *Session) CycleTime(now time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var expired *pollRequest
	if s.poll != nil && !now.Before(s.poll.deadline) {
		expired = s.poll
		s.poll = nil
	}
	dead := s.activityTimeout > 0 && now.Sub(s.lastActivity) > s.activityTimeout
	protos := make([]protocol.IProtocol, 0, 1+len(s.slots))
	if s.proto != nil {
		protos = append(protos, s.proto)
	}
	for _, sl := range s.slots {
		protos = append(protos, sl.proto)
	}
	s.mu.Unlock()

	if expired != nil {
		s.container.metrics.PollExpired.Inc()
		expired.reply(nil, false)
	}
	if dead {
		s.terminate("activity timeout")
		return
	}
	for _, p := range protos {
		p.CycleTime()
	}
}

// --------------------------------------------------------------------------
// Connection events (single connection mode)
// --------------------------------------------------------------------------

// connHandler routes the events of one connection to its session
type connHandler struct {
	s    *Session
	slot *slot
}

func (h *connHandler) Connected(conn transport.IConnection) {
	if h.slot != nil {
		h.s.slotConnected(h.slot)
		return
	}
	s := h.s

	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		conn.Disconnect()
		return
	}
	if s.everConnected && s.factory != nil {
		// fresh protocol state for the new socket
		fresh := s.factory()
		fresh.MoveOldProtocolState(s.proto)
		s.proto = fresh
		s.container.metrics.Reconnects.Inc()
	}
	first := !s.everConnected
	s.everConnected = true
	s.connected = true
	s.lastActivity = time.Now()
	s.flushLocked()
	s.mu.Unlock()

	Logger.Debugf("%s connected (%s)", s, conn.ConnectionData())
	if first {
		if cb, ok := s.callback.Lock(); ok {
			cb.Connected(s)
		}
	}
}

func (h *connHandler) Disconnected(conn transport.IConnection, reconnecting bool) {
	if h.slot != nil {
		h.s.slotDisconnected(h.slot, reconnecting)
		return
	}
	s := h.s

	s.mu.Lock()
	stale := s.conn != conn
	if !stale {
		s.connected = false
	}
	s.mu.Unlock()

	if stale {
		return
	}
	if reconnecting {
		Logger.Infof("%s lost its connection, reconnecting", s)
		return
	}
	s.terminate("connection closed")
}

func (h *connHandler) Received(conn transport.IConnection, data []byte) error {
	s := h.s
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	var proto protocol.IProtocol
	if h.slot != nil {
		proto = h.slot.proto
	} else if s.conn == conn {
		proto = s.proto
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if proto == nil {
		return nil
	}
	if h.slot == nil {
		return s.receive(proto, data)
	}
	return s.slotReceive(h.slot, proto, data)
}
