// Package base provides the connection container of dMQ, implementing the
// socket handling independent of the specific network (TCP, Unix sockets,
// websockets). It is extended with transport-specific connectors.
//
// The package focuses on:
//   - Listening on bound endpoints and accepting inbound connections
//   - Asynchronous dialing of outbound connections with a reconnect timer
//   - One read and one write goroutine per socket, supervised by an errgroup
//   - Non-blocking sends: buffers are queued and written by the write loop
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for network-specific
//     operations that allow extending the container with different transports.
//
//   - ConnectionContainer: owns listeners and connections. Bind/Unbind manage
//     listeners, CreateConnection/Connect manage outbound connections and
//     Terminate stops everything and waits for all goroutines.
//
//   - connection: implements transport.IConnection. An outbound connection
//     survives socket loss as long as the reconnect options allow it; the
//     callback sees Disconnected(conn, true) followed by a new Connected.
//
// Performance Optimizations:
//
//   - Frame Batching: all buffers queued since the last write are written with
//     net.Buffers, which uses writev on TCP and Unix sockets.
//
//   - Read Buffer Reuse: every connection reads into one buffer that is handed
//     to the callback; the protocol layer copies what it keeps.
//
// Thread Safety:
//
//	All public methods are thread-safe. The callbacks of one connection are
//	never invoked concurrently.
package base
