package serializer

import (
	"fmt"

	"github.com/ValentinKolb/dMQ/rpc/common"
)

// IRPCSerializer encodes the header and payload struct of an entity message
type IRPCSerializer interface {
	// ContentType returns the content type implemented by the serializer
	ContentType() common.ContentType
	// Serialize encodes the header and the payload struct (may be nil) into one buffer
	Serialize(h common.Header, payload interface{}) ([]byte, error)
	// Deserialize decodes the header into h and returns the still encoded payload
	Deserialize(b []byte, h *common.Header) ([]byte, error)
	// Unmarshal decodes a payload returned by Deserialize into v.
	// An empty payload leaves v untouched.
	Unmarshal(b []byte, v interface{}) error
}

// ILayeredSerializer is implemented by serializers whose encoded header is a
// plain prefix of the encoded message. Such a header can be written into its
// own send header layer in front of the payload buffer.
type ILayeredSerializer interface {
	IRPCSerializer
	// HeaderSize returns the number of bytes PutHeader writes for h
	HeaderSize(h common.Header) int
	// PutHeader encodes h into buf, which holds at least HeaderSize(h) bytes
	PutHeader(buf []byte, h common.Header)
	// MarshalPayload encodes the payload struct; nil gives an empty payload
	MarshalPayload(payload interface{}) ([]byte, error)
}

// ForContentType returns the serializer for a content type
func ForContentType(ct common.ContentType) (IRPCSerializer, error) {
	switch ct {
	case common.ContentTypeBinary:
		return NewBinarySerializer(), nil
	case common.ContentTypeJSON:
		return NewJSONSerializer(), nil
	case common.ContentTypeGob:
		return NewGOBSerializer(), nil
	default:
		return nil, fmt.Errorf("no serializer for content type %s", ct)
	}
}
