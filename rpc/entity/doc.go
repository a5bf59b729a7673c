// Package entity implements the request/reply/event layer of dMQ on top of
// sessions. Entities are addressable endpoints inside a process; they talk to
// remote entities through peers.
//
// A peer is created by Connect (by remote name) or ConnectByID and is usable
// at once: requests sent while the handshake is in flight are addressed by
// name and buffered by the session like any other message. The accepting
// side creates its peer when the dmq.ConnectEntity handshake (or any first
// request) arrives.
//
// Every request gets a correlation id. The reply callback is called exactly
// once: with the reply, or with a synthesized status when the peer or session
// goes away (StatusPeerDisconnected, StatusSessionDisconnected) or the remote
// entity does not exist (StatusEntityNotFound, which also drops the peer).
// Requests still outstanding when the process shuts down are not resolved.
//
// Handlers, reply callbacks and peer events run on the goroutine that read
// the message and must not block waiting for another reply on the same
// session.
package entity
