// Package transport defines the connection abstractions of dMQ. A connection
// moves opaque bytes; framing is done by the protocol package on top of it.
//
// Key Components:
//
//   - IConnection: a physical connection that queues outgoing buffers and
//     can be disconnected.
//
//   - IConnectionCallback: receives Connected, Disconnected and Received
//     events of one connection.
//
//   - ConnectionOptions: reconnect interval and reconnect budget of outbound
//     connections.
//
// The base package implements the connection container (listeners, dialing,
// reconnect timer, read and write loops). The tcp, unix and ws packages
// provide connectors for the respective networks, and the http package
// implements the long poll transport.
package transport
