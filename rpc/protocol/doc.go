// Package protocol implements the framing layer of dMQ: the Message buffer
// model and the protocols that cut a byte stream into messages and back.
//
// Key Components:
//
//   - Message: header, payload and trailer regions of one message. Payload is
//     appended in blocks (with optional reserve for later downsizing), the
//     protocol header lives in front of the first chunk and the trailer behind
//     the last one, so SendBuffers can be written with a single writev.
//
//   - IProtocol: per-connection framing state. HeaderSizeProtocol prefixes each
//     payload with a 4 byte little endian length, DelimiterProtocol terminates it
//     with a byte sequence. Receive accepts arbitrarily chunked input and returns
//     every completed message.
//
//   - Registry: protocol name to factory lookup and endpoint parsing
//     ("tcp://localhost:7777:headersize", "ipc://my.sock:delimiter_nl").
//
// Framing errors (frames above the size limit, no delimiter within the limit)
// are returned by Receive and must close the connection.
package protocol
