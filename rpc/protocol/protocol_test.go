package protocol

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Message
// --------------------------------------------------------------------------

func TestMessageSizes(t *testing.T) {
	msg := NewMessage(1, 12, 8)
	copy(msg.AddSendPayload(4, 0), "abcd")
	copy(msg.AddSendPayload(4, 0), "efgh")

	assert.Equal(t, 28, msg.SendBufferSize())
	assert.Equal(t, 8, msg.SendPayloadSize())
	assert.Len(t, msg.SendBuffers(), 2)
	assert.Equal(t, []byte("efgh"), msg.SendPayloads()[1])
}

func TestMessageReserveAppendsInPlace(t *testing.T) {
	msg := NewMessage(1, 4, 0)
	copy(msg.AddSendPayload(3, 64), "abc")
	copy(msg.AddSendPayload(3, 0), "def")

	require.Len(t, msg.SendPayloads(), 1)
	assert.Equal(t, []byte("abcdef"), msg.SendPayloads()[0])

	msg.DownsizeLastSendPayload(1)
	assert.Equal(t, []byte("abcd"), msg.Payload())
}

func TestMessageDownsizeToZeroRemovesBlock(t *testing.T) {
	msg := NewMessage(1, 0, 0)
	msg.AddSendPayload(4, 0)
	before := len(msg.SendBuffers())
	msg.AddSendPayload(16, 0)
	require.Len(t, msg.SendBuffers(), before+1)

	msg.DownsizeLastSendPayload(0)
	assert.Len(t, msg.SendBuffers(), before)
	assert.Equal(t, 4, msg.SendPayloadSize())

	msg.DownsizeLastSendPayload(0)
	assert.Empty(t, msg.SendPayloads())
	assert.Equal(t, 0, msg.SendPayloadSize())
}

func TestMessageDownsizeCannotGrow(t *testing.T) {
	msg := NewMessage(1, 0, 0)
	msg.AddSendPayload(4, 0)
	assert.Panics(t, func() { msg.DownsizeLastSendPayload(5) })
}

func TestMessageHeaderLayers(t *testing.T) {
	msg := NewMessage(1, 0, 0)
	copy(msg.AddSendPayload(2, 0), "pp")
	copy(msg.AddSendHeader(2), "h1")
	copy(msg.AddSendHeader(4), "h2xx")
	msg.DownsizeLastSendHeader(2)

	bufs := msg.SendBuffers()
	require.Len(t, bufs, 3)
	assert.Equal(t, "h1", string(bufs[0]))
	assert.Equal(t, "h2", string(bufs[1]))
	assert.Equal(t, "pp", string(bufs[2]))

	msg.DownsizeLastSendHeader(0)
	assert.Len(t, msg.SendBuffers(), 2)
}

func TestPrepareIsIdempotentAndFreezes(t *testing.T) {
	p := NewHeaderSizeProtocol(0)
	msg := p.NewMessage()
	copy(msg.AddSendPayload(5, 0), "hello")

	p.PrepareMessageToSend(msg)
	first := bytes.Join(msg.SendBuffers(), nil)
	p.PrepareMessageToSend(msg)
	second := bytes.Join(msg.SendBuffers(), nil)

	assert.True(t, msg.WasPrepared())
	assert.Equal(t, first, second)
	assert.Equal(t, []byte{5, 0, 0, 0, 'h', 'e', 'l', 'l', 'o'}, first)
	assert.Panics(t, func() { msg.AddSendPayload(1, 0) })
}

func TestPrepareEmptyMessage(t *testing.T) {
	p := NewDelimiterNLProtocol(0)
	msg := p.NewMessage()
	p.PrepareMessageToSend(msg)
	assert.Equal(t, []byte("\n"), bytes.Join(msg.SendBuffers(), nil))

	hs := NewHeaderSizeProtocol(0)
	msg = hs.NewMessage()
	hs.PrepareMessageToSend(msg)
	assert.Equal(t, []byte{0, 0, 0, 0}, bytes.Join(msg.SendBuffers(), nil))
}

func TestAlternativeMessages(t *testing.T) {
	msg := NewMessage(IDHeaderSize, 4, 0)
	alt := NewMessage(IDDelimiterNL, 0, 1)
	msg.AddMessage(alt)

	assert.Same(t, msg, msg.GetMessage(IDHeaderSize))
	assert.Same(t, alt, msg.GetMessage(IDDelimiterNL))
	assert.Nil(t, msg.GetMessage(IDDelimiterCRLF))
}

func TestReceiveBuffer(t *testing.T) {
	msg := NewMessage(1, 2, 0)
	copy(msg.ResizeReceiveBuffer(2), "hh")
	buf := msg.ResizeReceiveBuffer(5)
	copy(buf[2:], "abc")
	assert.Equal(t, "hhabc", string(msg.ReceiveBuffer()))
	assert.Equal(t, "abc", string(msg.ReceivePayload()))
}

func TestCopyPayload(t *testing.T) {
	src := NewHeaderSizeProtocol(0).NewMessage()
	copy(src.AddSendPayload(2, 0), "ab")
	copy(src.AddSendPayload(2, 0), "cd")
	src.Metainfo()["k"] = "v"

	nl := NewDelimiterNLProtocol(0)
	dst := CopyPayload(src, nl.NewMessage)
	nl.PrepareMessageToSend(dst)
	assert.Equal(t, "abcd\n", string(bytes.Join(dst.SendBuffers(), nil)))
	assert.Equal(t, "v", dst.Metainfo()["k"])

	copy(src.AddSendHeader(2), "h:")
	dst = CopyPayload(src, nl.NewMessage)
	nl.PrepareMessageToSend(dst)
	assert.Equal(t, "h:abcd\n", string(bytes.Join(dst.SendBuffers(), nil)))
}

// --------------------------------------------------------------------------
// Framing
// --------------------------------------------------------------------------

func encode(t *testing.T, p IProtocol, payloads ...string) []byte {
	t.Helper()
	var stream []byte
	for _, payload := range payloads {
		msg := p.NewMessage()
		if len(payload) > 0 {
			copy(msg.AddSendPayload(len(payload), 0), payload)
		}
		p.PrepareMessageToSend(msg)
		stream = append(stream, bytes.Join(msg.SendBuffers(), nil)...)
	}
	return stream
}

func feed(t *testing.T, p IProtocol, chunks ...[]byte) []string {
	t.Helper()
	var out []string
	for _, c := range chunks {
		msgs, err := p.Receive(c)
		require.NoError(t, err)
		for _, m := range msgs {
			out = append(out, string(m.ReceivePayload()))
		}
	}
	return out
}

func randomChunks(r *rand.Rand, stream []byte) [][]byte {
	var chunks [][]byte
	for len(stream) > 0 {
		n := 1 + r.Intn(7)
		if n > len(stream) {
			n = len(stream)
		}
		chunks = append(chunks, stream[:n])
		stream = stream[n:]
	}
	return chunks
}

func TestHeaderSizeRoundTrip(t *testing.T) {
	payloads := []string{"hello", "", "world", string(make([]byte, 300))}
	stream := encode(t, NewHeaderSizeProtocol(0), payloads...)

	assert.Equal(t, payloads, feed(t, NewHeaderSizeProtocol(0), stream))
}

func TestHeaderSizeChunkingInvariance(t *testing.T) {
	payloads := []string{"a", "bc", "", "defghijklmnop", "q"}
	stream := encode(t, NewHeaderSizeProtocol(0), payloads...)

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		got := feed(t, NewHeaderSizeProtocol(0), randomChunks(r, stream)...)
		require.Equal(t, payloads, got)
	}
}

func TestHeaderLayersAreFramed(t *testing.T) {
	factories := map[string]func() IProtocol{
		"headersize":   func() IProtocol { return NewHeaderSizeProtocol(0) },
		"delimiter_nl": func() IProtocol { return NewDelimiterNLProtocol(0) },
	}
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			p := factory()
			msg := p.NewMessage()
			copy(msg.AddSendPayload(5, 0), "hello")
			copy(msg.AddSendHeader(3), "HDR")
			assert.Equal(t, 8, msg.SendContentSize())
			assert.Equal(t, "HDRhello", string(msg.Payload()))

			headerOnly := p.NewMessage()
			copy(headerOnly.AddSendHeader(2), "HH")

			var stream []byte
			for _, m := range []*Message{msg, headerOnly} {
				p.PrepareMessageToSend(m)
				stream = append(stream, bytes.Join(m.SendBuffers(), nil)...)
			}
			assert.Equal(t, []string{"HDRhello", "HH"}, feed(t, factory(), stream))
		})
	}

	hs := NewHeaderSizeProtocol(0)
	msg := hs.NewMessage()
	copy(msg.AddSendPayload(2, 0), "pp")
	copy(msg.AddSendHeader(1), "h")
	hs.PrepareMessageToSend(msg)
	assert.Equal(t, []byte{3, 0, 0, 0, 'h', 'p', 'p'}, bytes.Join(msg.SendBuffers(), nil))
}

func TestHeaderSizeZeroLengthEmittedImmediately(t *testing.T) {
	p := NewHeaderSizeProtocol(0)
	msgs, err := p.Receive([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].ReceivePayload())
}

func TestHeaderSizeTooLarge(t *testing.T) {
	p := NewHeaderSizeProtocol(16)
	msgs, err := p.Receive([]byte{17, 0, 0, 0, 'x'})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Empty(t, msgs)
}

func TestDelimiterScenarios(t *testing.T) {
	p := NewDelimiterNLProtocol(0)
	assert.Equal(t, []string{"AB"}, feed(t, p, []byte("AB\nCD")))
	assert.Equal(t, 2, p.Buffered())
	assert.Equal(t, []string{"CD"}, feed(t, p, []byte("\n")))

	split := feed(t, NewDelimiterNLProtocol(0), []byte("AB\n"), []byte("CD\n"))
	whole := feed(t, NewDelimiterNLProtocol(0), []byte("AB\nCD\n"))
	assert.Equal(t, []string{"AB", "CD"}, split)
	assert.Equal(t, whole, split)
}

func TestDelimiterStraddlesChunks(t *testing.T) {
	p := NewDelimiterCRLFProtocol(0)
	got := feed(t, p, []byte("one\r"), []byte("\ntwo\r"), []byte("x\r"), []byte("\n"))
	assert.Equal(t, []string{"one", "two\rx"}, got)
}

func TestDelimiterChunkingInvariance(t *testing.T) {
	payloads := []string{"alpha", "", "be\rta", "gamma\r"}
	stream := encode(t, NewDelimiterCRLFProtocol(0), payloads...)

	r := rand.New(rand.NewSource(2))
	for i := 0; i < 50; i++ {
		got := feed(t, NewDelimiterCRLFProtocol(0), randomChunks(r, stream)...)
		require.Equal(t, payloads, got)
		for _, g := range got {
			assert.NotContains(t, g, "\r\n")
		}
	}
}

func TestDelimiterEmpty(t *testing.T) {
	p := NewDelimiterProtocol(99, "raw", nil, 0, 0)
	assert.Equal(t, []string{"a\nb"}, feed(t, p, []byte("a\nb")))
}

func TestDelimiterGrowthLimit(t *testing.T) {
	p := NewDelimiterNLProtocol(8)
	_, err := p.Receive([]byte("0123456789"))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Equal(t, 0, p.Buffered())
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry(0)
	assert.Equal(t, []string{"delimiter_crlf", "delimiter_nl", "delimiter_null", "headersize", "headersize_rr"}, r.Names())

	p, err := r.Create("headersize_rr")
	require.NoError(t, err)
	assert.True(t, p.Flags().Has(FlagMultiConnection|FlagNeedsReply))

	name, ok := r.NameOf(IDDelimiterNL)
	assert.True(t, ok)
	assert.Equal(t, "delimiter_nl", name)

	_, err = r.Create("nope")
	assert.ErrorIs(t, err, ErrUnknownProtocol)
}

func TestParseEndpoint(t *testing.T) {
	r := NewDefaultRegistry(0)

	ep, err := r.ParseEndpoint("tcp://localhost:7777:headersize")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Transport: "tcp", Address: "localhost:7777", Protocol: "headersize"}, ep)

	ep, err = r.ParseEndpoint("ipc://mysocket:delimiter_nl")
	require.NoError(t, err)
	assert.Equal(t, "unix", ep.Transport)
	assert.Equal(t, "mysocket", ep.Address)

	_, err = r.ParseEndpoint("tcp://localhost:7777:unknown")
	assert.ErrorIs(t, err, ErrUnknownProtocol)

	_, err = r.ParseEndpoint("localhost:7777")
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}
