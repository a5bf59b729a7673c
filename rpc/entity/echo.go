package entity

import "time"

const (
	TypeEchoRequest = "dmq.EchoRequest"
	TypeEchoReply   = "dmq.EchoReply"
)

// EchoRequest asks the remote entity to send the payload back
type EchoRequest struct {
	Payload []byte    `json:"payload" cbor:"1,keyasint,omitempty"`
	SentAt  time.Time `json:"sent_at" cbor:"2,keyasint,omitempty"`
}

func (*EchoRequest) TypeName() string { return TypeEchoRequest }

// EchoReply carries the echoed payload
type EchoReply struct {
	Payload []byte    `json:"payload" cbor:"1,keyasint,omitempty"`
	SentAt  time.Time `json:"sent_at" cbor:"2,keyasint,omitempty"`
	// Server is the name of the answering entity
	Server string `json:"server" cbor:"3,keyasint,omitempty"`
}

func (*EchoReply) TypeName() string { return TypeEchoReply }

// ServeEcho makes the entity answer every dmq.EchoRequest with a dmq.EchoReply
func ServeEcho(e *RemoteEntity) {
	e.container.structs.Register(func() Struct { return &EchoReply{} })
	RegisterCommandFor(e, func(ctx *RequestContext, req *EchoRequest) {
		if err := ctx.Reply(&EchoReply{Payload: req.Payload, SentAt: req.SentAt, Server: e.name}); err != nil {
			Logger.Debugf("%s: echo reply failed: %v", e, err)
		}
	})
}
