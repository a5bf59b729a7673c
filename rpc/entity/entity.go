package entity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/serializer"
	"github.com/ValentinKolb/dMQ/rpc/session"
)

// ReplyFunc receives the outcome of a request. reply is never nil; for
// failures synthesized locally it carries the status and no payload.
type ReplyFunc func(status common.Status, reply *Message)

// CommandFunc handles a request or event of one type
type CommandFunc func(ctx *RequestContext)

// PeerEventFunc is called when a peer got connected or disconnected. For
// disconnects status tells the reason.
type PeerEventFunc func(peer Peer, status common.Status)

// Message is a received entity message whose payload is decoded on demand
type Message struct {
	Header  common.Header
	Session *session.Session
	PeerID  uint64
	payload []byte
	ser     serializer.IRPCSerializer
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m *Message) Decode(v interface{}) error {
	if len(m.payload) == 0 {
		return nil
	}
	if m.ser == nil {
		return fmt.Errorf("message has no serializer")
	}
	return m.ser.Unmarshal(m.payload, v)
}

// Payload returns the still encoded payload
func (m *Message) Payload() []byte {
	return m.payload
}

type pending struct {
	peerID   uint64
	fn       ReplyFunc
	started  time.Time
	typeName string
}

// RemoteEntity is a local endpoint of the request/reply/event model. It keeps
// the peers it talks to and correlates outstanding requests with replies.
type RemoteEntity struct {
	id        uint64
	name      string
	container *Container
	peers     *PeerManager

	nextCorrID  atomic.Uint64
	outstanding *xsync.MapOf[uint64, *pending]
	commands    *xsync.MapOf[string, CommandFunc]

	mu         sync.Mutex
	peerEvents []PeerEventFunc

	stats    gometrics.Registry
	latency  gometrics.Timer
	failures gometrics.Counter
	handled  gometrics.Meter
}

func newRemoteEntity(id uint64, name string, c *Container) *RemoteEntity {
	stats := gometrics.NewRegistry()
	return &RemoteEntity{
		id:          id,
		name:        name,
		container:   c,
		peers:       NewPeerManager(),
		outstanding: xsync.NewMapOf[uint64, *pending](),
		commands:    xsync.NewMapOf[string, CommandFunc](),
		stats:       stats,
		latency:     gometrics.GetOrRegisterTimer("request.latency", stats),
		failures:    gometrics.GetOrRegisterCounter("request.failures", stats),
		handled:     gometrics.GetOrRegisterMeter("command.handled", stats),
	}
}

// ID returns the entity id (1-based within its container)
func (e *RemoteEntity) ID() uint64 {
	return e.id
}

// Name returns the entity name ("" for anonymous entities)
func (e *RemoteEntity) Name() string {
	return e.name
}

// Peers returns the peer manager of the entity
func (e *RemoteEntity) Peers() *PeerManager {
	return e.peers
}

// Outstanding returns the number of requests waiting for a reply
func (e *RemoteEntity) Outstanding() int {
	return e.outstanding.Size()
}

func (e *RemoteEntity) String() string {
	if e.name == "" {
		return fmt.Sprintf("entity %d", e.id)
	}
	return fmt.Sprintf("entity %d (%s)", e.id, e.name)
}

// --------------------------------------------------------------------------
// Registration
// --------------------------------------------------------------------------

// RegisterCommand sets the handler for requests and events of a type
func (e *RemoteEntity) RegisterCommand(typeName string, fn CommandFunc) {
	e.commands.Store(typeName, fn)
}

// RegisterCommandFor registers a typed handler. The request is decoded before
// the handler runs; decoding failures are answered with StatusSyntaxError.
func RegisterCommandFor[T any, PT interface {
	*T
	Struct
}](e *RemoteEntity, fn func(ctx *RequestContext, req PT)) {
	typeName := PT(new(T)).TypeName()
	e.container.structs.Register(func() Struct { return PT(new(T)) })
	e.RegisterCommand(typeName, func(ctx *RequestContext) {
		req := PT(new(T))
		if err := ctx.Decode(req); err != nil {
			Logger.Warningf("%s: cannot decode %s: %v", e, typeName, err)
			if ctx.IsRequest() {
				_ = ctx.ReplyStatus(common.StatusSyntaxError, nil)
			}
			return
		}
		fn(ctx, req)
	})
}

// RegisterPeerEvent adds a callback for peer connects and disconnects
func (e *RemoteEntity) RegisterPeerEvent(fn PeerEventFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peerEvents = append(e.peerEvents, fn)
}

// --------------------------------------------------------------------------
// Connecting peers
// --------------------------------------------------------------------------

// Connect creates a peer for the entity with the given name on the session
// and sends the handshake. The peer id is valid at once; the peer is
// connected when the handshake reply arrives. Connecting twice to the same
// name returns the existing peer.
func (e *RemoteEntity) Connect(s *session.Session, name string) (uint64, error) {
	if p, ok := e.peers.FindPeerByName(s.ID(), name); ok {
		return p.ID, nil
	}
	p, err := e.peers.AddPeer(s, 0, name, PeerConnecting)
	if err != nil {
		return 0, err
	}
	e.handshake(p)
	return p.ID, nil
}

// ConnectByID is Connect for a remote entity whose id is known
func (e *RemoteEntity) ConnectByID(s *session.Session, remoteID uint64) (uint64, error) {
	if p, ok := e.peers.FindPeer(s.ID(), remoteID); ok {
		return p.ID, nil
	}
	p, err := e.peers.AddPeer(s, remoteID, "", PeerConnecting)
	if err != nil {
		return 0, err
	}
	e.handshake(p)
	return p.ID, nil
}

func (e *RemoteEntity) handshake(p Peer) {
	Logger.Debugf("%s: connecting %s", e, p)
	e.SendRequest(p.ID, &ConnectEntity{EntityName: e.name}, func(status common.Status, reply *Message) {
		if status != common.StatusOK {
			Logger.Infof("%s: handshake with %s failed: %s", e, p, status)
			e.removePeer(p.ID, status)
			return
		}
		var r ConnectEntityReply
		if err := reply.Decode(&r); err != nil || r.EntityID == 0 {
			Logger.Warningf("%s: invalid handshake reply from %s: %v", e, p, err)
			e.removePeer(p.ID, common.StatusWrongReplyType)
			return
		}
		updated, err := e.peers.UpdatePeer(p.ID, r.EntityID, PeerConnected)
		if err != nil {
			Logger.Warningf("%s: %v", e, err)
			e.removePeer(p.ID, common.StatusPeerDisconnected)
			return
		}
		Logger.Debugf("%s: %s connected", e, updated)
		e.firePeerEvent(updated, common.StatusOK)
	})
}

// Disconnect notifies the remote entity (best effort) and removes the peer.
// Outstanding requests of the peer are answered with StatusPeerDisconnected.
func (e *RemoteEntity) Disconnect(peerID uint64) error {
	p, ok := e.peers.GetPeer(peerID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrPeerNotFound, peerID)
	}
	h := e.requestHeader(p, TypeDisconnectEntity, 0)
	h.Mode = common.MsgModeEvent
	if err := e.container.send(p.Session, h, &DisconnectEntity{Reason: "disconnect"}); err != nil {
		Logger.Debugf("%s: disconnect notification to %s failed: %v", e, p, err)
	}
	e.removePeer(peerID, common.StatusPeerDisconnected)
	return nil
}

// --------------------------------------------------------------------------
// Sending
// --------------------------------------------------------------------------

// SendRequest sends a request to the peer; fn is called exactly once with the
// reply or the failure status. An unknown peer is reported synchronously with
// StatusPeerDisconnected.
func (e *RemoteEntity) SendRequest(peerID uint64, req Struct, fn ReplyFunc) {
	p, ok := e.peers.GetPeer(peerID)
	if !ok {
		e.failures.Inc(1)
		fn(common.StatusPeerDisconnected, statusMessage(common.StatusPeerDisconnected, peerID))
		return
	}

	corrID := e.nextCorrID.Add(1)
	e.outstanding.Store(corrID, &pending{peerID: peerID, fn: fn, started: time.Now(), typeName: req.TypeName()})
	if _, ok := e.peers.GetPeer(peerID); !ok {
		// removed after the lookup; its removal may have missed this entry
		if pd, ok := e.outstanding.LoadAndDelete(corrID); ok {
			e.failures.Inc(1)
			pd.fn(common.StatusPeerDisconnected, statusMessage(common.StatusPeerDisconnected, peerID))
		}
		return
	}
	e.container.metrics.requestsSent.Inc()

	h := e.requestHeader(p, req.TypeName(), corrID)
	if err := e.container.send(p.Session, h, req); err != nil {
		Logger.Warningf("%s: sending %s to %s failed: %v", e, req.TypeName(), p, err)
		if pd, ok := e.outstanding.LoadAndDelete(corrID); ok {
			e.failures.Inc(1)
			status := common.StatusPeerDisconnected
			if errors.Is(err, session.ErrSessionClosed) {
				status = common.StatusSessionDisconnected
			}
			pd.fn(status, statusMessage(status, peerID))
		}
	}
}

// Call sends a request and waits for its outcome. It must not be used from a
// handler or reply callback since those run on the session's read goroutine.
// When ctx is done first the request stays outstanding and its late reply is
// dropped.
func (e *RemoteEntity) Call(ctx context.Context, peerID uint64, req Struct) (common.Status, *Message, error) {
	type outcome struct {
		status common.Status
		reply  *Message
	}
	done := make(chan outcome, 1)
	e.SendRequest(peerID, req, func(status common.Status, reply *Message) {
		done <- outcome{status, reply}
	})
	select {
	case o := <-done:
		return o.status, o.reply, nil
	case <-ctx.Done():
		return common.StatusNoReply, nil, ctx.Err()
	}
}

// SendRequestWithCorrID sends a request without waiting for its reply. The
// correlation id is chosen by the caller; a reply, if any, is dropped.
func (e *RemoteEntity) SendRequestWithCorrID(peerID uint64, req Struct, corrID uint64) error {
	p, ok := e.peers.GetPeer(peerID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrPeerNotFound, peerID)
	}
	return e.container.send(p.Session, e.requestHeader(p, req.TypeName(), corrID), req)
}

// SendEvent sends a one-way message to the peer
func (e *RemoteEntity) SendEvent(peerID uint64, ev Struct) error {
	p, ok := e.peers.GetPeer(peerID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrPeerNotFound, peerID)
	}
	h := e.requestHeader(p, ev.TypeName(), 0)
	h.Mode = common.MsgModeEvent
	return e.container.send(p.Session, h, ev)
}

func (e *RemoteEntity) requestHeader(p Peer, typeName string, corrID uint64) common.Header {
	destName := ""
	if p.RemoteID == 0 {
		destName = p.RemoteName
	}
	return common.NewRequestHeader(p.RemoteID, destName, e.id, typeName, corrID)
}

// --------------------------------------------------------------------------
// Receiving
// --------------------------------------------------------------------------

// receive handles a message routed to this entity
func (e *RemoteEntity) receive(msg *Message) {
	switch msg.Header.Mode {
	case common.MsgModeReply:
		e.receiveReply(msg)
	default:
		e.receiveRequest(msg)
	}
}

func (e *RemoteEntity) receiveReply(msg *Message) {
	corrID := msg.Header.CorrID
	pd, ok := e.outstanding.Load(corrID)
	if !ok {
		Logger.Debugf("%s: dropping reply for unknown correlation id %d", e, corrID)
		return
	}
	// only the session the request went out on may answer it
	p, ok := e.peers.GetPeer(pd.peerID)
	if !ok || msg.Session == nil || p.Session.ID() != msg.Session.ID() {
		Logger.Debugf("%s: dropping reply for correlation id %d from foreign session", e, corrID)
		return
	}
	if pd, ok = e.outstanding.LoadAndDelete(corrID); !ok {
		return
	}
	e.latency.UpdateSince(pd.started)
	e.container.metrics.repliesReceived.Inc()
	msg.PeerID = pd.peerID

	status := msg.Header.Status
	if status != common.StatusOK {
		e.failures.Inc(1)
	}
	if status == common.StatusEntityNotFound {
		// the remote entity is gone
		e.removePeer(pd.peerID, common.StatusEntityNotFound)
	}
	pd.fn(status, msg)
}

func (e *RemoteEntity) receiveRequest(msg *Message) {
	h := msg.Header
	s := msg.Session

	switch h.Type {
	case TypeConnectEntity:
		e.acceptPeer(msg)
		return
	case TypeDisconnectEntity:
		if p, ok := e.peers.FindPeer(s.ID(), h.SrcID); ok {
			Logger.Debugf("%s: %s disconnected by remote", e, p)
			e.removePeer(p.ID, common.StatusPeerDisconnected)
		}
		return
	}

	p, ok := e.peers.FindPeer(s.ID(), h.SrcID)
	if !ok {
		// a request without handshake implicitly connects the sender
		added, err := e.peers.AddPeer(s, h.SrcID, "", PeerConnected)
		if err != nil {
			Logger.Warningf("%s: %v", e, err)
		} else {
			p = added
			e.firePeerEvent(p, common.StatusOK)
		}
	}
	msg.PeerID = p.ID

	fn, ok := e.commands.Load(h.Type)
	ctx := &RequestContext{entity: e, msg: msg}
	if !ok {
		Logger.Debugf("%s: no handler for %s", e, h.Type)
		if ctx.IsRequest() {
			_ = ctx.ReplyStatus(common.StatusRequestTypeNotKnown, nil)
		}
		return
	}

	e.handled.Mark(1)
	e.container.metrics.requestsReceived.Inc()
	fn(ctx)
	if ctx.IsRequest() && !ctx.deferred.Load() && !ctx.replied.Load() {
		_ = ctx.ReplyStatus(common.StatusNoReply, nil)
	}
}

// acceptPeer answers a handshake and connects the requesting entity
func (e *RemoteEntity) acceptPeer(msg *Message) {
	h := msg.Header
	s := msg.Session

	p, ok := e.peers.FindPeer(s.ID(), h.SrcID)
	if !ok {
		added, err := e.peers.AddPeer(s, h.SrcID, "", PeerConnected)
		if err != nil {
			Logger.Warningf("%s: %v", e, err)
		}
		p = added
	}
	msg.PeerID = p.ID

	var req ConnectEntity
	if err := msg.Decode(&req); err != nil {
		Logger.Debugf("%s: invalid handshake payload: %v", e, err)
	}
	Logger.Debugf("%s: accepted %q as %s", e, req.EntityName, p)

	ctx := &RequestContext{entity: e, msg: msg}
	if err := ctx.Reply(&ConnectEntityReply{EntityID: e.id, EntityName: e.name}); err != nil {
		Logger.Warningf("%s: handshake reply failed: %v", e, err)
	}
	if !ok && p.ID != 0 {
		e.firePeerEvent(p, common.StatusOK)
	}
}

// --------------------------------------------------------------------------
// Peer removal
// --------------------------------------------------------------------------

// removePeer erases the peer and resolves its outstanding requests
func (e *RemoteEntity) removePeer(peerID uint64, status common.Status) {
	p, ok := e.peers.RemovePeer(peerID)
	if !ok {
		return
	}
	e.resolveOutstanding(map[uint64]bool{peerID: true}, status)
	e.firePeerEvent(p, status)
}

// sessionLost removes all peers of a session
func (e *RemoteEntity) sessionLost(sessionID int64) {
	removed := e.peers.RemovePeersBySession(sessionID)
	if len(removed) == 0 {
		return
	}
	ids := make(map[uint64]bool, len(removed))
	for _, p := range removed {
		ids[p.ID] = true
	}
	e.resolveOutstanding(ids, common.StatusSessionDisconnected)
	for _, p := range removed {
		e.firePeerEvent(p, common.StatusSessionDisconnected)
	}
}

func (e *RemoteEntity) resolveOutstanding(peerIDs map[uint64]bool, status common.Status) {
	var resolved []*pending
	e.outstanding.Range(func(corrID uint64, pd *pending) bool {
		if peerIDs[pd.peerID] {
			if taken, ok := e.outstanding.LoadAndDelete(corrID); ok {
				resolved = append(resolved, taken)
			}
		}
		return true
	})
	for _, pd := range resolved {
		e.failures.Inc(1)
		pd.fn(status, statusMessage(status, pd.peerID))
	}
}

func (e *RemoteEntity) firePeerEvent(p Peer, status common.Status) {
	e.mu.Lock()
	handlers := append([]PeerEventFunc(nil), e.peerEvents...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(p, status)
	}
}

func statusMessage(status common.Status, peerID uint64) *Message {
	return &Message{
		Header: common.Header{Mode: common.MsgModeReply, Status: status},
		PeerID: peerID,
	}
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// Stats summarizes the request latency of an entity
type Stats struct {
	Requests int64
	Failures int64
	Handled  int64
	Mean     time.Duration
	P50      time.Duration
	P95      time.Duration
	P99      time.Duration
	Max      time.Duration
	Rate1    float64 // requests per second, one minute moving average
}

// Stats returns a snapshot of the request statistics
func (e *RemoteEntity) Stats() Stats {
	t := e.latency.Snapshot()
	ps := t.Percentiles([]float64{0.5, 0.95, 0.99})
	return Stats{
		Requests: t.Count(),
		Failures: e.failures.Count(),
		Handled:  e.handled.Snapshot().Count(),
		Mean:     time.Duration(t.Mean()),
		P50:      time.Duration(ps[0]),
		P95:      time.Duration(ps[1]),
		P99:      time.Duration(ps[2]),
		Max:      time.Duration(t.Max()),
		Rate1:    t.Rate1(),
	}
}

// StatsRegistry returns the go-metrics registry of the entity, e.g. for
// periodic reporting with gometrics.Log
func (e *RemoteEntity) StatsRegistry() gometrics.Registry {
	return e.stats
}
