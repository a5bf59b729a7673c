// Package rpc provides the messaging layer of dMQ. Entities exchange requests,
// replies and events over sessions; sessions carry framed messages over
// pluggable connections.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures shared across the layers, including the
//     entity message header, status codes, configuration, logging and handles.
//
//   - protocol: The Message buffer model and the framing protocols (header
//     size prefixed, delimiter based) with their registry and endpoint parser.
//
//   - transport: Network connections with pluggable connectors (TCP, Unix
//     sockets, WebSocket) and the HTTP long-poll transport.
//
//   - serializer: Header and payload serialization with multiple formats
//     (Binary, JSON, GOB).
//
//   - session: Sessions that survive reconnects, buffer messages while
//     disconnected and fan out over multiple connections, plus the session
//     container that owns them.
//
//   - entity: Remote entities, their peers and the request/reply correlation.
package rpc
