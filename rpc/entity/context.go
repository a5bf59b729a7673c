package entity

import (
	"errors"
	"sync/atomic"

	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/session"
)

// ErrAlreadyReplied is returned when a request is answered twice
var ErrAlreadyReplied = errors.New("entity: request already replied")

// RequestContext is handed to command handlers. A request must be answered
// with Reply or ReplyStatus, either before the handler returns or later
// after calling Defer. Requests left unanswered are replied with
// StatusNoReply.
type RequestContext struct {
	entity   *RemoteEntity
	msg      *Message
	replied  atomic.Bool
	deferred atomic.Bool
}

// Header returns the header of the received message
func (c *RequestContext) Header() common.Header {
	return c.msg.Header
}

// PeerID returns the peer that sent the message
func (c *RequestContext) PeerID() uint64 {
	return c.msg.PeerID
}

// Session returns the session the message arrived on
func (c *RequestContext) Session() *session.Session {
	return c.msg.Session
}

// Entity returns the receiving entity
func (c *RequestContext) Entity() *RemoteEntity {
	return c.entity
}

// IsRequest reports whether the sender waits for a reply
func (c *RequestContext) IsRequest() bool {
	return c.msg.Header.Mode == common.MsgModeRequest
}

// Decode unmarshals the payload into v
func (c *RequestContext) Decode(v interface{}) error {
	return c.msg.Decode(v)
}

// Request decodes the payload into a new instance of the type registered
// for the header's type name
func (c *RequestContext) Request() (Struct, error) {
	v, ok := c.entity.container.structs.Create(c.msg.Header.Type)
	if !ok {
		return nil, errors.New("entity: unknown type " + c.msg.Header.Type)
	}
	if err := c.msg.Decode(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Defer marks the request to be answered after the handler returned
func (c *RequestContext) Defer() {
	c.deferred.Store(true)
}

// Reply answers the request with StatusOK
func (c *RequestContext) Reply(reply Struct) error {
	return c.ReplyStatus(common.StatusOK, reply)
}

// ReplyStatus answers the request with a status and an optional payload
func (c *RequestContext) ReplyStatus(status common.Status, reply Struct) error {
	if !c.IsRequest() {
		return nil
	}
	if c.replied.Swap(true) {
		return ErrAlreadyReplied
	}
	typeName := ""
	if reply != nil {
		typeName = reply.TypeName()
	}
	h := common.NewReplyHeader(c.msg.Header, c.entity.id, status, typeName)
	return c.entity.container.send(c.msg.Session, h, reply)
}
