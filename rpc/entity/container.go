package entity

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/protocol"
	"github.com/ValentinKolb/dMQ/rpc/serializer"
	"github.com/ValentinKolb/dMQ/rpc/session"
)

var Logger = logger.GetLogger(common.LoggerEntity)

var (
	// ErrEntityExists is returned when an entity name is in use
	ErrEntityExists = errors.New("entity: name already in use")
	// ErrEntityNotFound is returned for unknown entity ids
	ErrEntityNotFound = errors.New("entity: not found")
)

type containerMetrics struct {
	requestsSent     *metrics.Counter
	requestsReceived *metrics.Counter
	repliesReceived  *metrics.Counter
	entityNotFound   *metrics.Counter
	decodeErrors     *metrics.Counter
}

// Container hosts the entities of a process. It is the callback of a session
// container: received messages are routed by destination entity id or name
// and session losses are fanned out to all entities.
type Container struct {
	sessions *session.Container
	structs  *StructRegistry
	metrics  containerMetrics

	nextID   atomic.Uint64
	entities *xsync.MapOf[uint64, *RemoteEntity]
	names    *xsync.MapOf[string, *RemoteEntity]
}

// NewContainer creates an entity container on top of a session container and
// installs itself as the session callback. cycleTime is handed to the
// session container's cycle loop (0 = default).
func NewContainer(sessions *session.Container, structs *StructRegistry, cycleTime time.Duration) *Container {
	if structs == nil {
		structs = NewStructRegistry()
	}
	c := &Container{
		sessions: sessions,
		structs:  structs,
		entities: xsync.NewMapOf[uint64, *RemoteEntity](),
		names:    xsync.NewMapOf[string, *RemoteEntity](),
	}

	set := sessions.Metrics().Set()
	c.metrics = containerMetrics{
		requestsSent:     set.NewCounter("dmq_entity_requests_sent_total"),
		requestsReceived: set.NewCounter("dmq_entity_requests_received_total"),
		repliesReceived:  set.NewCounter("dmq_entity_replies_received_total"),
		entityNotFound:   set.NewCounter("dmq_entity_not_found_total"),
		decodeErrors:     set.NewCounter("dmq_entity_decode_errors_total"),
	}
	set.NewGauge("dmq_entity_peers", func() float64 {
		n := 0
		c.entities.Range(func(_ uint64, e *RemoteEntity) bool {
			n += e.peers.Len()
			return true
		})
		return float64(n)
	})

	sessions.Init(common.StrongHandle[session.ISessionCallback](c), cycleTime, nil)
	return c
}

// Sessions returns the underlying session container
func (c *Container) Sessions() *session.Container {
	return c.sessions
}

// Structs returns the struct registry
func (c *Container) Structs() *StructRegistry {
	return c.structs
}

// ----- Entities -----

// AddEntity creates an entity. Named entities can be reached by name; the
// name must be unique within the container.
func (c *Container) AddEntity(name string) (*RemoteEntity, error) {
	id := c.nextID.Add(1)
	e := newRemoteEntity(id, name, c)
	if name != "" {
		if _, loaded := c.names.LoadOrStore(name, e); loaded {
			return nil, fmt.Errorf("%w: %s", ErrEntityExists, name)
		}
	}
	c.entities.Store(id, e)
	Logger.Infof("Added %s", e)
	return e, nil
}

// RemoveEntity disconnects all peers of the entity and removes it
func (c *Container) RemoveEntity(id uint64) error {
	e, ok := c.entities.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrEntityNotFound, id)
	}
	if e.name != "" {
		c.names.Delete(e.name)
	}
	for _, p := range e.peers.GetAllPeers() {
		_ = e.Disconnect(p.ID)
	}
	Logger.Infof("Removed %s", e)
	return nil
}

// GetEntity returns an entity by id
func (c *Container) GetEntity(id uint64) (*RemoteEntity, bool) {
	return c.entities.Load(id)
}

// FindEntity returns an entity by name
func (c *Container) FindEntity(name string) (*RemoteEntity, bool) {
	return c.names.Load(name)
}

// ----- Interface Methods (docu see session.ISessionCallback) -----

func (c *Container) Connected(s *session.Session) {
	Logger.Debugf("%s connected", s)
}

func (c *Container) Disconnected(s *session.Session) {
	c.entities.Range(func(_ uint64, e *RemoteEntity) bool {
		e.sessionLost(s.ID())
		return true
	})
}

func (c *Container) Received(s *session.Session, msg *protocol.Message) {
	ser, err := serializer.ForContentType(s.ContentType())
	if err != nil {
		Logger.Errorf("%s: %v", s, err)
		return
	}

	var h common.Header
	payload, err := ser.Deserialize(msg.Payload(), &h)
	if err != nil {
		// without a header there is nobody to answer
		c.metrics.decodeErrors.Inc()
		Logger.Warningf("%s: dropping undecodable message: %v", s, err)
		return
	}

	e := c.route(h)
	if e == nil {
		c.metrics.entityNotFound.Inc()
		Logger.Debugf("%s: no entity for %d/%q (%s)", s, h.DestID, h.DestName, h.Type)
		if h.Mode == common.MsgModeRequest {
			reply := common.NewReplyHeader(h, 0, common.StatusEntityNotFound, "")
			if err := c.send(s, reply, nil); err != nil {
				Logger.Debugf("%s: entity not found reply failed: %v", s, err)
			}
		}
		return
	}

	e.receive(&Message{Header: h, Session: s, payload: payload, ser: ser})
}

// ----- Helper Methods -----

func (c *Container) route(h common.Header) *RemoteEntity {
	if h.DestID != 0 {
		e, _ := c.entities.Load(h.DestID)
		return e
	}
	if h.DestName != "" {
		e, _ := c.names.Load(h.DestName)
		return e
	}
	return nil
}

// send serializes header and payload with the session's content type and
// sends them as one message
func (c *Container) send(s *session.Session, h common.Header, payload Struct) error {
	ser, err := serializer.ForContentType(s.ContentType())
	if err != nil {
		return err
	}
	var body interface{}
	if payload != nil {
		body = payload
	}
	msg := s.CreateMessage()

	// the entity header travels as its own header layer in front of the payload
	if layered, ok := ser.(serializer.ILayeredSerializer); ok {
		data, err := layered.MarshalPayload(body)
		if err != nil {
			return fmt.Errorf("serialize %s: %w", h.Type, err)
		}
		if len(data) > 0 {
			copy(msg.AddSendPayload(len(data), 0), data)
		}
		layered.PutHeader(msg.AddSendHeader(layered.HeaderSize(h)), h)
		return s.SendMessage(msg)
	}

	data, err := ser.Serialize(h, body)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", h.Type, err)
	}
	copy(msg.AddSendPayload(len(data), 0), data)
	return s.SendMessage(msg)
}
