package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderSizeLength is the size of the little endian length prefix
const HeaderSizeLength = 4

type headerSizeState uint8

const (
	waitForHeader headerSizeState = iota
	waitForPayload
)

// HeaderSizeProtocol frames every message with a 4 byte little endian length
// covering the header layers and the payload.
type HeaderSizeProtocol struct {
	id      uint32
	name    string
	flags   Flags
	maxSize int

	state      headerSizeState
	header     [HeaderSizeLength]byte
	headerFill int
	current    *Message
	remaining  int
}

// NewHeaderSizeProtocol creates the plain length prefixed protocol (headersize)
func NewHeaderSizeProtocol(maxSize int) *HeaderSizeProtocol {
	return newHeaderSize(IDHeaderSize, "headersize", FlagResendable, maxSize)
}

// NewHeaderSizeRRProtocol creates the request/reply variant (headersize_rr) which
// opens one connection per outstanding request.
func NewHeaderSizeRRProtocol(maxSize int) *HeaderSizeProtocol {
	return newHeaderSize(IDHeaderSizeRR, "headersize_rr", FlagResendable|FlagNeedsReply|FlagMultiConnection, maxSize)
}

func newHeaderSize(id uint32, name string, flags Flags, maxSize int) *HeaderSizeProtocol {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &HeaderSizeProtocol{id: id, name: name, flags: flags, maxSize: maxSize}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see protocol.IProtocol)
// --------------------------------------------------------------------------

func (p *HeaderSizeProtocol) ProtocolID() uint32 { return p.id }

func (p *HeaderSizeProtocol) Name() string { return p.name }

func (p *HeaderSizeProtocol) Flags() Flags { return p.flags }

func (p *HeaderSizeProtocol) NewMessage() *Message {
	return NewMessage(p.id, HeaderSizeLength, 0)
}

func (p *HeaderSizeProtocol) PrepareMessageToSend(msg *Message) {
	if msg.WasPrepared() {
		return
	}
	binary.LittleEndian.PutUint32(msg.SendHeader(), uint32(msg.SendContentSize()))
	msg.PrepareMessageToSend()
}

func (p *HeaderSizeProtocol) Receive(data []byte) ([]*Message, error) {
	var out []*Message
	for len(data) > 0 {
		switch p.state {
		case waitForHeader:
			n := copy(p.header[p.headerFill:], data)
			p.headerFill += n
			data = data[n:]
			if p.headerFill < HeaderSizeLength {
				return out, nil
			}
			size := int(binary.LittleEndian.Uint32(p.header[:]))
			if size > p.maxSize {
				p.reset()
				return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, size, p.maxSize)
			}
			p.current = NewMessage(p.id, HeaderSizeLength, 0)
			buf := p.current.ResizeReceiveBuffer(HeaderSizeLength + size)
			copy(buf, p.header[:])
			p.headerFill = 0
			p.remaining = size
			if size == 0 {
				out = append(out, p.current)
				p.current = nil
				continue
			}
			p.state = waitForPayload

		case waitForPayload:
			buf := p.current.ReceiveBuffer()
			offset := len(buf) - p.remaining
			n := copy(buf[offset:], data)
			p.remaining -= n
			data = data[n:]
			if p.remaining == 0 {
				out = append(out, p.current)
				p.current = nil
				p.state = waitForHeader
			}
		}
	}
	return out, nil
}

func (p *HeaderSizeProtocol) MoveOldProtocolState(old IProtocol) {
	// framing state belongs to the old socket, nothing to take over
	Logger.Debugf("%s: moved state from %s", p.name, old.Name())
}

func (p *HeaderSizeProtocol) CycleTime() {}

func (p *HeaderSizeProtocol) reset() {
	p.state = waitForHeader
	p.headerFill = 0
	p.current = nil
	p.remaining = 0
}
