package session_test

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/protocol"
	"github.com/ValentinKolb/dMQ/rpc/session"
)

// recorder collects the events of all sessions of a container
type recorder struct {
	echo         bool
	connected    chan *session.Session
	disconnected chan *session.Session
	received     chan string
}

func newRecorder(echo bool) *recorder {
	return &recorder{
		echo:         echo,
		connected:    make(chan *session.Session, 16),
		disconnected: make(chan *session.Session, 16),
		received:     make(chan string, 64),
	}
}

func (r *recorder) handle() common.Handle[session.ISessionCallback] {
	return common.StrongHandle[session.ISessionCallback](r)
}

func (r *recorder) Connected(s *session.Session) {
	r.connected <- s
}

func (r *recorder) Disconnected(s *session.Session) {
	r.disconnected <- s
}

func (r *recorder) Received(s *session.Session, msg *protocol.Message) {
	text := string(msg.Payload())
	r.received <- text
	if r.echo {
		_ = s.SendMessage(textMessage(s, text))
	}
}

func textMessage(s *session.Session, text string) *protocol.Message {
	msg := s.CreateMessage()
	copy(msg.AddSendPayload(len(text), 0), text)
	return msg
}

func expectText(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func expectSession(t *testing.T, ch <-chan *session.Session) *session.Session {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for session event")
		return nil
	}
}

// startEchoServer binds an echo container on a unix socket
func startEchoServer(t *testing.T, proto string, opts ...session.Option) (*session.Container, *recorder, string) {
	t.Helper()
	server := session.NewContainer(opts...)
	rec := newRecorder(true)
	server.Init(rec.handle(), 10*time.Millisecond, nil)
	endpoint := fmt.Sprintf("unix://%s:%s", filepath.Join(t.TempDir(), "echo.sock"), proto)
	require.NoError(t, server.Bind(endpoint, session.BindOptions{}))
	t.Cleanup(server.TerminatePollerLoop)
	return server, rec, endpoint
}

func newClient(t *testing.T) (*session.Container, *recorder) {
	t.Helper()
	client := session.NewContainer()
	rec := newRecorder(false)
	client.Init(rec.handle(), 10*time.Millisecond, nil)
	t.Cleanup(client.TerminatePollerLoop)
	return client, rec
}

func TestEchoInOrder(t *testing.T) {
	for _, proto := range []string{"headersize", "delimiter_nl", "delimiter_null"} {
		t.Run(proto, func(t *testing.T) {
			_, _, endpoint := startEchoServer(t, proto)
			client, rec := newClient(t)

			s, err := client.Connect(endpoint, session.ConnectOptions{})
			require.NoError(t, err)
			assert.True(t, s.IsVerified())

			texts := []string{"one", "two", "three"}
			for _, text := range texts {
				require.NoError(t, s.SendMessage(textMessage(s, text)))
			}
			expectSession(t, rec.connected)
			for _, text := range texts {
				expectText(t, rec.received, text)
			}

			found, ok := client.GetSession(s.ID())
			require.True(t, ok)
			assert.Same(t, s, found)
			assert.Equal(t, uint64(3), client.Metrics().MessagesSent.Get())
		})
	}
}

func TestBufferedUntilConnected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.sock")
	endpoint := "unix://" + path + ":headersize"
	client, rec := newClient(t)

	s, err := client.Connect(endpoint, session.ConnectOptions{ReconnectInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, s.SendMessage(textMessage(s, text)))
	}
	assert.Equal(t, 3, s.Buffered())
	assert.False(t, s.IsConnected())

	server := session.NewContainer()
	server.Init(newRecorder(true).handle(), 0, nil)
	require.NoError(t, server.Bind(endpoint, session.BindOptions{}))
	defer server.TerminatePollerLoop()

	expectSession(t, rec.connected)
	expectText(t, rec.received, "a")
	expectText(t, rec.received, "b")
	expectText(t, rec.received, "c")
	assert.Equal(t, 0, s.Buffered())
}

func TestForeignProtocolMessageIsRendered(t *testing.T) {
	_, _, endpoint := startEchoServer(t, "headersize")
	client, rec := newClient(t)

	s, err := client.Connect(endpoint, session.ConnectOptions{})
	require.NoError(t, err)

	foreign := protocol.NewDelimiterNLProtocol(0).NewMessage()
	copy(foreign.AddSendPayload(7, 0), "foreign")
	require.NoError(t, s.SendMessage(foreign))

	expectText(t, rec.received, "foreign")
	alt := foreign.GetMessage(protocol.IDHeaderSize)
	require.NotNil(t, alt)
	assert.Equal(t, "foreign", string(alt.Payload()))
}

func TestUnattachedSessionCreatesNeutralMessages(t *testing.T) {
	c := session.NewContainer()
	defer c.TerminatePollerLoop()

	s := c.CreateSession(common.Handle[session.ISessionCallback]{})
	msg := s.CreateMessage()
	assert.Equal(t, uint32(protocol.IDNone), msg.ProtocolID())

	require.NoError(t, s.SendMessage(msg))
	assert.Equal(t, 1, s.Buffered())
	assert.False(t, s.IsVerified())
	_, ok := c.GetSession(s.ID())
	assert.False(t, ok)
}

func TestRemoteDisconnectIsTerminal(t *testing.T) {
	_, srvRec, endpoint := startEchoServer(t, "headersize")
	client, rec := newClient(t)

	s, err := client.Connect(endpoint, session.ConnectOptions{})
	require.NoError(t, err)
	expectSession(t, rec.connected)

	remote := expectSession(t, srvRec.connected)
	remote.Disconnect()
	expectSession(t, srvRec.disconnected)

	assert.Same(t, s, expectSession(t, rec.disconnected))
	assert.True(t, s.IsClosed())
	_, ok := client.GetSession(s.ID())
	assert.False(t, ok)
	assert.ErrorIs(t, s.SendMessage(textMessage(s, "late")), session.ErrSessionClosed)
}

func TestMultiConnectionFanOut(t *testing.T) {
	server, _, endpoint := startEchoServer(t, "headersize_rr")
	client, rec := newClient(t)

	s, err := client.Connect(endpoint, session.ConnectOptions{MaxConnections: 2})
	require.NoError(t, err)

	var want []string
	for i := 0; i < 6; i++ {
		text := fmt.Sprintf("req-%d", i)
		want = append(want, text)
		require.NoError(t, s.SendMessage(textMessage(s, text)))
	}

	var got []string
	for range want {
		select {
		case text := <-rec.received:
			got = append(got, text)
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout, got %v", got)
		}
	}
	assert.ElementsMatch(t, want, got)
	assert.LessOrEqual(t, len(server.GetAllSessions()), 2)
	assert.True(t, s.IsConnected())
}

func TestFramingErrorDropsConnection(t *testing.T) {
	registry := protocol.NewDefaultRegistry(0)
	registry.Register(func() protocol.IProtocol {
		return protocol.NewDelimiterProtocol(protocol.IDDelimiterNL, "delimiter_nl", []byte("\n"), protocol.FlagResendable, 8)
	})
	server, srvRec, endpoint := startEchoServer(t, "delimiter_nl", session.WithRegistry(registry))
	client, rec := newClient(t)

	// the zero byte trailer never matches the newline delimiter of the server
	s, err := client.Connect(endpoint[:len(endpoint)-len("delimiter_nl")]+"delimiter_null", session.ConnectOptions{})
	require.NoError(t, err)
	require.NoError(t, s.SendMessage(textMessage(s, "far too long for the server")))

	expectSession(t, srvRec.disconnected)
	expectSession(t, rec.disconnected)
	assert.Equal(t, uint64(1), server.Metrics().FramingErrors.Get())
	assert.Empty(t, srvRec.received)
}

func TestConnectErrors(t *testing.T) {
	c := session.NewContainer()
	defer c.TerminatePollerLoop()

	_, err := c.Connect("tcp://127.0.0.1:1:nope", session.ConnectOptions{})
	assert.ErrorIs(t, err, protocol.ErrUnknownProtocol)

	_, err = c.Connect("carrier-pigeon://coop:headersize", session.ConnectOptions{})
	assert.Error(t, err)
	assert.Empty(t, c.GetAllSessions())

	// failed connects leave no open session behind in the counters
	assert.Equal(t, uint64(2), c.Metrics().SessionsOpened.Get())
	assert.Equal(t, c.Metrics().SessionsOpened.Get(), c.Metrics().SessionsClosed.Get())
}

func TestBindTCPAndUnbind(t *testing.T) {
	server := session.NewContainer()
	server.Init(newRecorder(true).handle(), 0, nil)
	defer server.TerminatePollerLoop()

	require.NoError(t, server.Bind("tcp://127.0.0.1:0:headersize", session.BindOptions{}))
	addr, ok := server.ListenAddr("tcp://127.0.0.1:0:headersize")
	require.True(t, ok)

	client, rec := newClient(t)
	s, err := client.Connect("tcp://"+addr.String()+":headersize", session.ConnectOptions{})
	require.NoError(t, err)
	require.NoError(t, s.SendMessage(textMessage(s, "over tcp")))
	expectText(t, rec.received, "over tcp")

	require.NoError(t, server.Unbind("tcp://127.0.0.1:0:headersize"))
	assert.Error(t, server.Unbind("tcp://127.0.0.1:0:headersize"))
}

func TestCycleLoop(t *testing.T) {
	c := session.NewContainer()
	var mu sync.Mutex
	ticks := 0
	c.Init(common.Handle[session.ISessionCallback]{}, 5*time.Millisecond, func(time.Time) {
		mu.Lock()
		ticks++
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(t.Context()) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks >= 3
	}, 5*time.Second, 5*time.Millisecond)

	c.TerminatePollerLoop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cycle loop did not stop")
	}
}
