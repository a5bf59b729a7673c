package protocol

import (
	"errors"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/dMQ/rpc/common"
)

var Logger = logger.GetLogger(common.LoggerProtocol)

// Well known protocol ids. Ids distinguish wire formats and never change.
const (
	IDNone          uint32 = 0
	IDHeaderSize    uint32 = 2
	IDDelimiterNL   uint32 = 3
	IDDelimiterCRLF uint32 = 4
	IDHeaderSizeRR  uint32 = 5
	IDDelimiterNull uint32 = 6
	IDHTTPPoll      uint32 = 7
)

// DefaultMaxMessageSize bounds a single frame when nothing else is configured
const DefaultMaxMessageSize = 64 * 1024 * 1024

var (
	// ErrMessageTooLarge is returned by Receive when a frame exceeds the size limit
	ErrMessageTooLarge = errors.New("protocol: message exceeds maximum size")
	// ErrUnknownProtocol is returned when a protocol name cannot be resolved
	ErrUnknownProtocol = errors.New("protocol: unknown protocol")
	// ErrInvalidEndpoint is returned for malformed endpoint strings
	ErrInvalidEndpoint = errors.New("protocol: invalid endpoint")
)

// Flags describe the capabilities of a protocol
type Flags uint32

const (
	// FlagResendable marks payload bytes as reusable verbatim by another protocol instance
	FlagResendable Flags = 1 << iota
	// FlagSupportsMetainfo marks protocols that fill Message.Metainfo
	FlagSupportsMetainfo
	// FlagSupportsSession marks protocols with an in-band session handshake
	FlagSupportsSession
	// FlagNeedsReply marks protocols where every request occupies its connection until answered
	FlagNeedsReply
	// FlagMultiConnection marks protocols that open several sockets per session
	FlagMultiConnection
	// FlagPollBased marks protocols whose outbound messages are fetched by poll requests
	FlagPollBased
	// FlagSupportsFileTransfer marks protocols able to stream files
	FlagSupportsFileTransfer
)

// Has reports whether all bits of f2 are set
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// IProtocol is a framing protocol bound to exactly one connection.
// Instances keep partial decode state and must never be shared between connections.
type IProtocol interface {
	// ProtocolID returns the stable id of the wire format
	ProtocolID() uint32
	// Name returns the registry name of the protocol
	Name() string
	// Flags returns the capability flags
	Flags() Flags
	// NewMessage creates a send message with the header and trailer regions of this protocol
	NewMessage() *Message
	// PrepareMessageToSend writes header and trailer in place and freezes the
	// message. Calling it on a prepared message has no effect.
	PrepareMessageToSend(msg *Message)
	// Receive consumes the next bytes of the stream and returns all messages
	// completed by them in arrival order. An error is a framing error and is
	// fatal to the connection; no partial message is returned with it.
	Receive(data []byte) ([]*Message, error)
	// MoveOldProtocolState takes over state from the instance used before a reconnect
	MoveOldProtocolState(old IProtocol)
	// CycleTime is called periodically for protocol housekeeping
	CycleTime()
}

// Factory creates a fresh protocol instance
type Factory func() IProtocol
