package protocol

import (
	"bytes"
	"fmt"
)

// DelimiterProtocol terminates every message with a fixed byte sequence.
// An empty delimiter turns every received buffer into one message.
type DelimiterProtocol struct {
	id        uint32
	name      string
	flags     Flags
	delimiter []byte
	maxSize   int

	// undelimited bytes of the current message, scanning resumes at scanFrom
	acc      []byte
	scanFrom int
}

// NewDelimiterProtocol creates a delimiter protocol with the given identity
func NewDelimiterProtocol(id uint32, name string, delimiter []byte, flags Flags, maxSize int) *DelimiterProtocol {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &DelimiterProtocol{
		id:        id,
		name:      name,
		flags:     flags,
		delimiter: append([]byte(nil), delimiter...),
		maxSize:   maxSize,
	}
}

// NewDelimiterNLProtocol creates the newline protocol (delimiter_nl)
func NewDelimiterNLProtocol(maxSize int) *DelimiterProtocol {
	return NewDelimiterProtocol(IDDelimiterNL, "delimiter_nl", []byte("\n"), FlagResendable, maxSize)
}

// NewDelimiterCRLFProtocol creates the CRLF protocol (delimiter_crlf)
func NewDelimiterCRLFProtocol(maxSize int) *DelimiterProtocol {
	return NewDelimiterProtocol(IDDelimiterCRLF, "delimiter_crlf", []byte("\r\n"), FlagResendable, maxSize)
}

// NewDelimiterNullProtocol creates the zero byte protocol (delimiter_null)
func NewDelimiterNullProtocol(maxSize int) *DelimiterProtocol {
	return NewDelimiterProtocol(IDDelimiterNull, "delimiter_null", []byte{0}, FlagResendable, maxSize)
}

// Delimiter returns the configured delimiter sequence
func (p *DelimiterProtocol) Delimiter() []byte {
	return p.delimiter
}

// Buffered returns the number of received bytes waiting for a delimiter
func (p *DelimiterProtocol) Buffered() int {
	return len(p.acc)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see protocol.IProtocol)
// --------------------------------------------------------------------------

func (p *DelimiterProtocol) ProtocolID() uint32 { return p.id }

func (p *DelimiterProtocol) Name() string { return p.name }

func (p *DelimiterProtocol) Flags() Flags { return p.flags }

func (p *DelimiterProtocol) NewMessage() *Message {
	return NewMessage(p.id, 0, len(p.delimiter))
}

func (p *DelimiterProtocol) PrepareMessageToSend(msg *Message) {
	if msg.WasPrepared() {
		return
	}
	if len(p.delimiter) > 0 {
		copy(msg.SendTrailer(), p.delimiter)
	}
	msg.PrepareMessageToSend()
}

func (p *DelimiterProtocol) Receive(data []byte) ([]*Message, error) {
	if len(p.delimiter) == 0 {
		if len(data) == 0 {
			return nil, nil
		}
		if len(data) > p.maxSize {
			return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), p.maxSize)
		}
		return []*Message{p.newReceived(data)}, nil
	}

	p.acc = append(p.acc, data...)

	var out []*Message
	start := 0
	for {
		idx := bytes.Index(p.acc[p.scanFrom:], p.delimiter)
		if idx < 0 {
			break
		}
		end := p.scanFrom + idx
		out = append(out, p.newReceived(p.acc[start:end]))
		start = end + len(p.delimiter)
		p.scanFrom = start
	}

	// keep the undelimited tail
	if start > 0 {
		p.acc = append(p.acc[:0], p.acc[start:]...)
	}
	if len(p.acc) > p.maxSize {
		p.acc = nil
		p.scanFrom = 0
		return nil, fmt.Errorf("%w: no delimiter within %d bytes", ErrMessageTooLarge, p.maxSize)
	}

	// a delimiter may straddle the next buffer: rescan its possible prefix
	p.scanFrom = len(p.acc) - (len(p.delimiter) - 1)
	if p.scanFrom < 0 {
		p.scanFrom = 0
	}
	return out, nil
}

func (p *DelimiterProtocol) MoveOldProtocolState(old IProtocol) {
	Logger.Debugf("%s: moved state from %s", p.name, old.Name())
}

func (p *DelimiterProtocol) CycleTime() {}

func (p *DelimiterProtocol) newReceived(payload []byte) *Message {
	msg := NewMessage(p.id, 0, 0)
	copy(msg.ResizeReceiveBuffer(len(payload)), payload)
	return msg
}
