package protocol

import (
	"sync"
)

// chunk is one payload buffer of a send message. The protocol header lives in
// front of the payload of the first chunk, the trailer behind the payload of
// the last chunk. Every chunk keeps trailer capacity so that the trailer can
// follow whichever chunk ends up being the last one.
type chunk struct {
	buf        []byte
	off        int // start of the payload inside buf
	n          int // payload bytes in use
	capacity   int // payload capacity (excluding header and trailer space)
	lastOffset int // payload offset of the most recently added block
}

// Message is one message of a framing protocol. On the send side it is built
// by appending payload blocks, on the receive side it owns the received bytes.
//
// A Message is not safe for concurrent mutation; ownership is handed from the
// producer to the send pipeline.
type Message struct {
	protocolID  uint32
	headerSize  int
	trailerSize int

	headers []headerLayer
	chunks  []chunk

	prepared    bool
	sendBuffers [][]byte

	receiveBuffer []byte
	receiveSize   int

	metainfo map[string]string

	altMu        sync.Mutex
	alternatives map[uint32]*Message
}

type headerLayer struct {
	buf []byte
	n   int
}

// NewMessage creates a message whose header and trailer sizes are fixed for its lifetime
func NewMessage(protocolID uint32, headerSize, trailerSize int) *Message {
	return &Message{
		protocolID:  protocolID,
		headerSize:  headerSize,
		trailerSize: trailerSize,
	}
}

// ProtocolID returns the id of the protocol the message was created for
func (m *Message) ProtocolID() uint32 {
	return m.protocolID
}

// HeaderSize returns the size of the protocol header region
func (m *Message) HeaderSize() int {
	return m.headerSize
}

// TrailerSize returns the size of the protocol trailer region
func (m *Message) TrailerSize() int {
	return m.trailerSize
}

func (m *Message) mustBeMutable() {
	if m.prepared {
		panic("protocol: message modified after PrepareMessageToSend")
	}
}

// --------------------------------------------------------------------------
// Send payload
// --------------------------------------------------------------------------

// AddSendPayload appends a payload block of size bytes and returns it for writing.
// With reserve > size the block keeps spare capacity: later blocks are appended
// into the same buffer as long as they fit, and the block can be downsized
// without moving previously written bytes.
func (m *Message) AddSendPayload(size int, reserve int) []byte {
	m.mustBeMutable()
	if size < 0 {
		panic("protocol: negative payload size")
	}

	if last := len(m.chunks) - 1; last >= 0 && size > 0 {
		c := &m.chunks[last]
		if c.capacity-c.n >= size {
			c.lastOffset = c.n
			c.n += size
			return c.buf[c.off+c.lastOffset : c.off+c.n]
		}
	}

	capacity := size
	if reserve > capacity {
		capacity = reserve
	}
	lead := 0
	if len(m.chunks) == 0 {
		lead = m.headerSize
	}
	c := chunk{
		buf:      make([]byte, lead+capacity+m.trailerSize),
		off:      lead,
		n:        size,
		capacity: capacity,
	}
	m.chunks = append(m.chunks, c)
	return c.buf[c.off : c.off+size]
}

// DownsizeLastSendPayload shrinks the most recently added payload block to newSize.
// Downsizing to 0 removes the block; a chunk that becomes empty is dropped.
func (m *Message) DownsizeLastSendPayload(newSize int) {
	m.mustBeMutable()
	last := len(m.chunks) - 1
	if last < 0 {
		return
	}
	c := &m.chunks[last]
	blockSize := c.n - c.lastOffset
	if newSize > blockSize || newSize < 0 {
		panic("protocol: DownsizeLastSendPayload can only shrink the last block")
	}
	c.n = c.lastOffset + newSize
	if c.n == 0 {
		m.chunks = m.chunks[:last]
	}
}

// SendPayloadSize returns the number of payload bytes
func (m *Message) SendPayloadSize() int {
	size := 0
	for i := range m.chunks {
		size += m.chunks[i].n
	}
	return size
}

// SendPayloads returns the payload-only views of all chunks
func (m *Message) SendPayloads() [][]byte {
	payloads := make([][]byte, 0, len(m.chunks))
	for i := range m.chunks {
		c := &m.chunks[i]
		if c.n > 0 {
			payloads = append(payloads, c.buf[c.off:c.off+c.n])
		}
	}
	return payloads
}

// --------------------------------------------------------------------------
// Send header layers
// --------------------------------------------------------------------------

// AddSendHeader adds a header layer in front of all payload buffers.
// Layers are sent in the order they were added, so the most recent layer is
// the one closest to the payload.
func (m *Message) AddSendHeader(size int) []byte {
	m.mustBeMutable()
	h := headerLayer{buf: make([]byte, size), n: size}
	m.headers = append(m.headers, h)
	return h.buf
}

// SendHeadersSize returns the number of bytes in all header layers
func (m *Message) SendHeadersSize() int {
	size := 0
	for _, h := range m.headers {
		size += h.n
	}
	return size
}

// SendContentSize returns the bytes between protocol header and trailer: the
// header layers plus the payload. Length prefixes must cover this size.
func (m *Message) SendContentSize() int {
	return m.SendHeadersSize() + m.SendPayloadSize()
}

// DownsizeLastSendHeader shrinks the most recently added header layer; 0 removes it
func (m *Message) DownsizeLastSendHeader(newSize int) {
	m.mustBeMutable()
	last := len(m.headers) - 1
	if last < 0 {
		return
	}
	if newSize > m.headers[last].n || newSize < 0 {
		panic("protocol: DownsizeLastSendHeader can only shrink the last header")
	}
	if newSize == 0 {
		m.headers = m.headers[:last]
		return
	}
	m.headers[last].n = newSize
}

// --------------------------------------------------------------------------
// Protocol header / trailer
// --------------------------------------------------------------------------

// ensureChunk makes sure header and trailer have a home even without payload
func (m *Message) ensureChunk() {
	if len(m.chunks) == 0 && (m.headerSize > 0 || m.trailerSize > 0) {
		m.chunks = append(m.chunks, chunk{
			buf: make([]byte, m.headerSize+m.trailerSize),
			off: m.headerSize,
		})
	}
}

// SendHeader returns the protocol header region (inside the first chunk)
func (m *Message) SendHeader() []byte {
	if m.headerSize == 0 {
		return nil
	}
	m.ensureChunk()
	c := &m.chunks[0]
	return c.buf[c.off-m.headerSize : c.off]
}

// SendTrailer returns the protocol trailer region (behind the last chunk's payload)
func (m *Message) SendTrailer() []byte {
	if m.trailerSize == 0 {
		return nil
	}
	m.ensureChunk()
	c := &m.chunks[len(m.chunks)-1]
	end := c.off + c.n
	return c.buf[end : end+m.trailerSize]
}

// --------------------------------------------------------------------------
// Send buffers
// --------------------------------------------------------------------------

// SendBuffers returns the ordered byte ranges to hand to the transport: the
// protocol header, the header layers, the payload chunks and the trailer.
func (m *Message) SendBuffers() [][]byte {
	if m.prepared {
		return m.sendBuffers
	}
	return m.buildSendBuffers()
}

func (m *Message) buildSendBuffers() [][]byte {
	buffers := make([][]byte, 0, len(m.headers)+len(m.chunks)+1)
	last := len(m.chunks) - 1
	if last < 0 {
		return m.appendHeaderLayers(buffers)
	}
	for i := range m.chunks {
		c := &m.chunks[i]
		start := c.off
		if i == 0 {
			// protocol header, then the header layers, then the payload
			if m.headerSize > 0 && len(m.headers) > 0 {
				buffers = append(buffers, c.buf[c.off-m.headerSize:c.off])
			} else {
				start -= m.headerSize
			}
			buffers = m.appendHeaderLayers(buffers)
		}
		end := c.off + c.n
		if i == last {
			end += m.trailerSize
		}
		buffers = append(buffers, c.buf[start:end])
	}
	return buffers
}

func (m *Message) appendHeaderLayers(buffers [][]byte) [][]byte {
	for _, h := range m.headers {
		buffers = append(buffers, h.buf[:h.n])
	}
	return buffers
}

// SendBufferSize returns the total number of bytes written to the wire
func (m *Message) SendBufferSize() int {
	size := 0
	for _, b := range m.SendBuffers() {
		size += len(b)
	}
	return size
}

// PrepareMessageToSend freezes the message and trims empty ranges from the
// send buffers. Calling it again has no effect.
func (m *Message) PrepareMessageToSend() {
	if m.prepared {
		return
	}
	m.ensureChunk()
	buffers := m.buildSendBuffers()
	trimmed := buffers[:0]
	for _, b := range buffers {
		if len(b) > 0 {
			trimmed = append(trimmed, b)
		}
	}
	m.sendBuffers = trimmed
	m.prepared = true
}

// WasPrepared reports whether PrepareMessageToSend was called
func (m *Message) WasPrepared() bool {
	return m.prepared
}

// --------------------------------------------------------------------------
// Alternative representations
// --------------------------------------------------------------------------

// AddMessage stores an alternative rendering of this message for another protocol
func (m *Message) AddMessage(other *Message) {
	if other == nil || other == m {
		return
	}
	m.altMu.Lock()
	defer m.altMu.Unlock()
	if m.alternatives == nil {
		m.alternatives = make(map[uint32]*Message)
	}
	m.alternatives[other.protocolID] = other
}

// GetMessage returns the rendering of this message for the given protocol or nil
func (m *Message) GetMessage(protocolID uint32) *Message {
	if protocolID == m.protocolID {
		return m
	}
	m.altMu.Lock()
	defer m.altMu.Unlock()
	return m.alternatives[protocolID]
}

// --------------------------------------------------------------------------
// Receive side
// --------------------------------------------------------------------------

// ResizeReceiveBuffer grows (never shrinks) the receive buffer and returns the
// first size bytes of it for writing.
func (m *Message) ResizeReceiveBuffer(size int) []byte {
	if size > len(m.receiveBuffer) {
		buf := make([]byte, size)
		copy(buf, m.receiveBuffer[:m.receiveSize])
		m.receiveBuffer = buf
	}
	m.receiveSize = size
	return m.receiveBuffer[:size]
}

// ReceiveBuffer returns the received bytes including the protocol header
func (m *Message) ReceiveBuffer() []byte {
	return m.receiveBuffer[:m.receiveSize]
}

// ReceivePayload returns the received bytes behind the protocol header
func (m *Message) ReceivePayload() []byte {
	if m.receiveSize <= m.headerSize {
		return m.receiveBuffer[m.receiveSize:m.receiveSize]
	}
	return m.receiveBuffer[m.headerSize:m.receiveSize]
}

// Payload returns the application payload of the message: the receive payload
// for received messages, the concatenated header layers and send payload
// otherwise. Both views contain the same bytes for a message sent and received.
func (m *Message) Payload() []byte {
	if m.receiveSize > 0 || (len(m.chunks) == 0 && len(m.headers) == 0) {
		return m.ReceivePayload()
	}
	payloads := m.SendPayloads()
	if len(payloads) == 1 && len(m.headers) == 0 {
		return payloads[0]
	}
	out := make([]byte, 0, m.SendContentSize())
	for _, h := range m.headers {
		out = append(out, h.buf[:h.n]...)
	}
	for _, p := range payloads {
		out = append(out, p...)
	}
	return out
}

// --------------------------------------------------------------------------
// Metainfo
// --------------------------------------------------------------------------

// Metainfo returns the (lazily created) key/value side information of the
// message, filled by protocols that support metainfo.
func (m *Message) Metainfo() map[string]string {
	if m.metainfo == nil {
		m.metainfo = make(map[string]string)
	}
	return m.metainfo
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// CopyPayload renders the content of src (header layers and payload) into a
// fresh message created by factory. Used when a message has to be resent over
// a protocol it was not created for.
func CopyPayload(src *Message, factory func() *Message) *Message {
	dst := factory()
	size := src.SendContentSize()
	if size > 0 {
		buf := dst.AddSendPayload(size, 0)
		pos := 0
		for _, h := range src.headers {
			pos += copy(buf[pos:], h.buf[:h.n])
		}
		for _, p := range src.SendPayloads() {
			pos += copy(buf[pos:], p)
		}
	} else if payload := src.ReceivePayload(); len(payload) > 0 {
		copy(dst.AddSendPayload(len(payload), 0), payload)
	}
	for k, v := range src.metainfo {
		dst.Metainfo()[k] = v
	}
	return dst
}
