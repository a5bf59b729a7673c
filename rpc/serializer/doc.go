// Package serializer provides message serialization for the dMQ entity layer.
// Every entity message consists of a common.Header and an optional payload
// struct; a serializer turns both into the payload bytes of a protocol message
// and back.
//
// The package focuses on:
//   - Providing a consistent interface for different content types
//   - Decoding the header first, so routing can happen before the payload type is known
//   - Minimizing memory allocations and processing overhead
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//     Deserialize returns the still encoded payload, Unmarshal decodes it once the
//     receiver knows the target type.
//
//   - binarySerializerImpl: Custom binary header using a flag-based approach to
//     encode only present fields, followed by a CBOR payload.
//
//   - jsonSerializerImpl: Encodes [header, payload] as a JSON array on a single
//     line. Useful for debugging, HTTP poll clients and line based framing.
//
//   - gobSerializerImpl: Length prefixed gob header followed by a gob payload.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s := serializer.NewBinarySerializer()
//	data, err := s.Serialize(header, &EchoRequest{Text: "hi"})
//	// ... send data ...
//	var h common.Header
//	body, err := s.Deserialize(data, &h)
//	var req EchoRequest
//	err = s.Unmarshal(body, &req)
package serializer
