package entity

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Struct is a payload that can be sent in an entity message. The type name
// travels in the message header and selects the handler on the receiver.
type Struct interface {
	TypeName() string
}

// StructFactory creates an empty instance of a payload type
type StructFactory func() Struct

// StructRegistry maps type names found in message headers to factories.
// One registry is created per process and shared by all entity containers.
type StructRegistry struct {
	factories *xsync.MapOf[string, StructFactory]
}

// NewStructRegistry creates a registry that knows the built-in handshake types
func NewStructRegistry() *StructRegistry {
	r := &StructRegistry{factories: xsync.NewMapOf[string, StructFactory]()}
	r.Register(func() Struct { return &ConnectEntity{} })
	r.Register(func() Struct { return &ConnectEntityReply{} })
	r.Register(func() Struct { return &DisconnectEntity{} })
	return r
}

// Register adds the factory under the type name of the structs it creates
func (r *StructRegistry) Register(factory StructFactory) {
	r.factories.Store(factory().TypeName(), factory)
}

// Create instantiates the type registered for name
func (r *StructRegistry) Create(name string) (Struct, bool) {
	f, ok := r.factories.Load(name)
	if !ok {
		return nil, false
	}
	return f(), true
}

// Names returns all registered type names in sorted order
func (r *StructRegistry) Names() []string {
	names := make([]string, 0, r.factories.Size())
	r.factories.Range(func(name string, _ StructFactory) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// --------------------------------------------------------------------------
// Handshake types
// --------------------------------------------------------------------------

const (
	TypeConnectEntity      = "dmq.ConnectEntity"
	TypeConnectEntityReply = "dmq.ConnectEntityReply"
	TypeDisconnectEntity   = "dmq.DisconnectEntity"
)

// ConnectEntity is the handshake request that creates a peer on both sides
type ConnectEntity struct {
	EntityName string `json:"entity_name" cbor:"1,keyasint,omitempty"`
}

func (*ConnectEntity) TypeName() string { return TypeConnectEntity }

// ConnectEntityReply tells the initiator the id of the remote entity
type ConnectEntityReply struct {
	EntityID   uint64 `json:"entity_id" cbor:"1,keyasint"`
	EntityName string `json:"entity_name" cbor:"2,keyasint,omitempty"`
}

func (*ConnectEntityReply) TypeName() string { return TypeConnectEntityReply }

// DisconnectEntity is the one-way notification sent when a peer is dropped
type DisconnectEntity struct {
	Reason string `json:"reason" cbor:"1,keyasint,omitempty"`
}

func (*DisconnectEntity) TypeName() string { return TypeDisconnectEntity }
