// Package session implements the session layer of dMQ. A session binds one
// logical conversation to a framing protocol and one or more connections of
// the transport layer and survives reconnects of those connections.
//
// Key Components:
//
//   - Session: buffers messages while no connection is attached and flushes
//     them in FIFO order once it is. Messages created for another protocol are
//     re-rendered (payload copy or cached alternate) before sending. Protocols
//     flagged multi connection fan requests out over up to MaxConnections
//     sockets; poll based protocols queue outbound messages for PollRequest.
//
//   - SessionList: the registry of sessions by id and name. Ids start at 1
//     and are never reused. Only verified sessions are visible to lookups; a
//     session becomes verified once named or when its protocol needs no
//     handshake.
//
//   - Container: binds endpoints of the form transport://address:protocol,
//     connects outbound sessions and runs the cycle loop that expires poll
//     requests, enforces activity timeouts and ticks the protocols.
//
// Thread Safety:
//
//	All exported methods are safe for concurrent use. Callbacks are invoked
//	without any session lock held and may call back into the session.
package session
