package entity_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/entity"
	"github.com/ValentinKolb/dMQ/rpc/session"
)

type echoRequest struct {
	Text string `json:"text"`
}

func (*echoRequest) TypeName() string { return "test.EchoRequest" }

type echoReply struct {
	Text string `json:"text"`
}

func (*echoReply) TypeName() string { return "test.EchoReply" }

type silentRequest struct {
	Defer bool `json:"defer"`
}

func (*silentRequest) TypeName() string { return "test.SilentRequest" }

type parkedRequest struct{}

func (*parkedRequest) TypeName() string { return "test.ParkedRequest" }

type notice struct {
	Text string `json:"text"`
}

func (*notice) TypeName() string { return "test.Notice" }

type peerEvent struct {
	peer   entity.Peer
	status common.Status
}

type result struct {
	status common.Status
	reply  *entity.Message
}

// pair is a server with an "echo" entity and a client entity connected over
// a unix socket session
type pair struct {
	server, client *entity.Container
	echo, caller   *entity.RemoteEntity
	session        *session.Session
	serverEvents   chan peerEvent
	clientEvents   chan peerEvent
	notices        chan string
	deferred       chan *entity.RequestContext
}

func newPair(t *testing.T, ct common.ContentType) *pair {
	t.Helper()
	p := &pair{
		serverEvents: make(chan peerEvent, 16),
		clientEvents: make(chan peerEvent, 16),
		notices:      make(chan string, 16),
		deferred:     make(chan *entity.RequestContext, 16),
	}

	serverSessions := session.NewContainer()
	t.Cleanup(serverSessions.TerminatePollerLoop)
	p.server = entity.NewContainer(serverSessions, nil, 10*time.Millisecond)
	echo, err := p.server.AddEntity("echo")
	require.NoError(t, err)
	p.echo = echo

	entity.RegisterCommandFor(echo, func(ctx *entity.RequestContext, req *echoRequest) {
		_ = ctx.Reply(&echoReply{Text: req.Text})
	})
	entity.RegisterCommandFor(echo, func(ctx *entity.RequestContext, req *silentRequest) {
		if req.Defer {
			ctx.Defer()
			p.deferred <- ctx
		}
	})
	entity.RegisterCommandFor(echo, func(ctx *entity.RequestContext, _ *parkedRequest) {
		ctx.Defer()
	})
	entity.RegisterCommandFor(echo, func(ctx *entity.RequestContext, ev *notice) {
		p.notices <- ev.Text
	})
	echo.RegisterPeerEvent(func(peer entity.Peer, status common.Status) {
		p.serverEvents <- peerEvent{peer, status}
	})

	endpoint := "unix://" + filepath.Join(t.TempDir(), "entity.sock") + ":headersize"
	require.NoError(t, serverSessions.Bind(endpoint, session.BindOptions{ContentType: ct}))

	clientSessions := session.NewContainer()
	t.Cleanup(clientSessions.TerminatePollerLoop)
	p.client = entity.NewContainer(clientSessions, nil, 10*time.Millisecond)
	caller, err := p.client.AddEntity("")
	require.NoError(t, err)
	p.caller = caller
	caller.RegisterPeerEvent(func(peer entity.Peer, status common.Status) {
		p.clientEvents <- peerEvent{peer, status}
	})

	s, err := clientSessions.Connect(endpoint, session.ConnectOptions{ContentType: ct})
	require.NoError(t, err)
	p.session = s
	return p
}

func nextEvent(t *testing.T, ch <-chan peerEvent) peerEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for peer event")
		return peerEvent{}
	}
}

func (p *pair) connect(t *testing.T) uint64 {
	t.Helper()
	peerID, err := p.caller.Connect(p.session, "echo")
	require.NoError(t, err)
	ev := nextEvent(t, p.clientEvents)
	require.Equal(t, common.StatusOK, ev.status)
	require.Equal(t, peerID, ev.peer.ID)
	require.Equal(t, entity.PeerConnected, ev.peer.State)
	return peerID
}

func call(t *testing.T, e *entity.RemoteEntity, peerID uint64, req entity.Struct) result {
	t.Helper()
	results := make(chan result, 1)
	e.SendRequest(peerID, req, func(status common.Status, reply *entity.Message) {
		results <- result{status, reply}
	})
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reply")
		return result{}
	}
}

func TestRequestReply(t *testing.T) {
	for _, ct := range []common.ContentType{common.ContentTypeBinary, common.ContentTypeJSON, common.ContentTypeGob} {
		t.Run(ct.String(), func(t *testing.T) {
			p := newPair(t, ct)
			peerID := p.connect(t)

			peer, ok := p.caller.Peers().GetPeer(peerID)
			require.True(t, ok)
			assert.Equal(t, p.echo.ID(), peer.RemoteID)
			assert.Equal(t, "echo", peer.RemoteName)

			accepted := nextEvent(t, p.serverEvents)
			assert.Equal(t, p.caller.ID(), accepted.peer.RemoteID)
			assert.Equal(t, entity.PeerConnected, accepted.peer.State)

			r := call(t, p.caller, peerID, &echoRequest{Text: "hello"})
			require.Equal(t, common.StatusOK, r.status)
			assert.Equal(t, "test.EchoReply", r.reply.Header.Type)
			assert.Equal(t, peerID, r.reply.PeerID)
			var reply echoReply
			require.NoError(t, r.reply.Decode(&reply))
			assert.Equal(t, "hello", reply.Text)

			assert.Equal(t, 0, p.caller.Outstanding())
			stats := p.caller.Stats()
			assert.Equal(t, int64(2), stats.Requests, "handshake and echo")
			assert.Zero(t, stats.Failures)
		})
	}
}

func TestRequestBeforeHandshakeCompletes(t *testing.T) {
	p := newPair(t, common.ContentTypeBinary)
	peerID, err := p.caller.Connect(p.session, "echo")
	require.NoError(t, err)

	// addressed by name until the handshake reply arrives
	r := call(t, p.caller, peerID, &echoRequest{Text: "early"})
	require.Equal(t, common.StatusOK, r.status)

	again, err := p.caller.Connect(p.session, "echo")
	require.NoError(t, err)
	assert.Equal(t, peerID, again)
}

func TestUnknownPeerFailsSynchronously(t *testing.T) {
	p := newPair(t, common.ContentTypeBinary)

	called := false
	p.caller.SendRequest(42, &echoRequest{}, func(status common.Status, reply *entity.Message) {
		called = true
		assert.Equal(t, common.StatusPeerDisconnected, status)
		assert.NotNil(t, reply)
	})
	assert.True(t, called)
	assert.Equal(t, 0, p.caller.Outstanding())

	assert.ErrorIs(t, p.caller.SendEvent(42, &notice{}), entity.ErrPeerNotFound)
	assert.ErrorIs(t, p.caller.Disconnect(42), entity.ErrPeerNotFound)
}

func TestEntityNotFoundRemovesPeer(t *testing.T) {
	p := newPair(t, common.ContentTypeBinary)

	peerID, err := p.caller.Connect(p.session, "nobody")
	require.NoError(t, err)

	ev := nextEvent(t, p.clientEvents)
	assert.Equal(t, peerID, ev.peer.ID)
	assert.Equal(t, common.StatusEntityNotFound, ev.status)
	assert.Equal(t, entity.PeerDisconnected, ev.peer.State)
	_, ok := p.caller.Peers().GetPeer(peerID)
	assert.False(t, ok)
}

func TestStatusReplies(t *testing.T) {
	p := newPair(t, common.ContentTypeJSON)
	peerID := p.connect(t)

	r := call(t, p.caller, peerID, &silentRequest{})
	assert.Equal(t, common.StatusNoReply, r.status)

	r = call(t, p.caller, peerID, &notice{Text: "as request"})
	assert.Equal(t, common.StatusNoReply, r.status)
	assert.Equal(t, "as request", <-p.notices)

	r = call(t, p.caller, peerID, &unknownRequest{})
	assert.Equal(t, common.StatusRequestTypeNotKnown, r.status)
}

type unknownRequest struct {
	Value int `json:"value"`
}

func (*unknownRequest) TypeName() string { return "test.Unknown" }

func TestDeferredReply(t *testing.T) {
	p := newPair(t, common.ContentTypeBinary)
	peerID := p.connect(t)

	results := make(chan result, 1)
	p.caller.SendRequest(peerID, &silentRequest{Defer: true}, func(status common.Status, reply *entity.Message) {
		results <- result{status, reply}
	})

	var ctx *entity.RequestContext
	select {
	case ctx = <-p.deferred:
	case <-time.After(5 * time.Second):
		t.Fatal("request did not arrive")
	}
	assert.Equal(t, 1, p.caller.Outstanding())

	go func() { _ = ctx.Reply(&echoReply{Text: "later"}) }()
	select {
	case r := <-results:
		require.Equal(t, common.StatusOK, r.status)
		var reply echoReply
		require.NoError(t, r.reply.Decode(&reply))
		assert.Equal(t, "later", reply.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("deferred reply did not arrive")
	}
	assert.ErrorIs(t, ctx.Reply(&echoReply{}), entity.ErrAlreadyReplied)
}

func TestEvents(t *testing.T) {
	p := newPair(t, common.ContentTypeGob)
	peerID := p.connect(t)

	require.NoError(t, p.caller.SendEvent(peerID, &notice{Text: "fyi"}))
	select {
	case text := <-p.notices:
		assert.Equal(t, "fyi", text)
	case <-time.After(5 * time.Second):
		t.Fatal("event did not arrive")
	}
	assert.Equal(t, 0, p.caller.Outstanding())
}

func TestDisconnectPeer(t *testing.T) {
	p := newPair(t, common.ContentTypeBinary)
	peerID := p.connect(t)
	nextEvent(t, p.serverEvents)

	// an outstanding request is resolved by the disconnect
	results := make(chan result, 1)
	p.caller.SendRequest(peerID, &silentRequest{Defer: true}, func(status common.Status, reply *entity.Message) {
		results <- result{status, reply}
	})
	<-p.deferred

	require.NoError(t, p.caller.Disconnect(peerID))
	r := <-results
	assert.Equal(t, common.StatusPeerDisconnected, r.status)

	ev := nextEvent(t, p.clientEvents)
	assert.Equal(t, common.StatusPeerDisconnected, ev.status)

	remote := nextEvent(t, p.serverEvents)
	assert.Equal(t, common.StatusPeerDisconnected, remote.status)
	assert.Equal(t, p.caller.ID(), remote.peer.RemoteID)
	assert.Equal(t, 0, p.echo.Peers().Len())
}

func TestRequestsRacingDisconnectResolveOnce(t *testing.T) {
	p := newPair(t, common.ContentTypeBinary)
	peerID := p.connect(t)

	const senders, perSender = 4, 50
	var wg sync.WaitGroup
	wg.Add(senders * perSender)
	var failed atomic.Int64
	for range senders {
		go func() {
			for range perSender {
				p.caller.SendRequest(peerID, &parkedRequest{}, func(status common.Status, _ *entity.Message) {
					if status != common.StatusOK {
						failed.Add(1)
					}
					wg.Done()
				})
			}
		}()
	}
	time.Sleep(time.Millisecond)
	require.NoError(t, p.caller.Disconnect(peerID))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("requests racing the disconnect were never resolved")
	}
	assert.Equal(t, int64(senders*perSender), failed.Load())
	assert.Equal(t, 0, p.caller.Outstanding())
}

func TestSessionLossResolvesRequests(t *testing.T) {
	p := newPair(t, common.ContentTypeBinary)
	peerID := p.connect(t)
	nextEvent(t, p.serverEvents)

	results := make(chan result, 1)
	p.caller.SendRequest(peerID, &silentRequest{Defer: true}, func(status common.Status, reply *entity.Message) {
		results <- result{status, reply}
	})
	ctx := <-p.deferred

	// the server drops the session instead of answering
	ctx.Session().Disconnect()

	select {
	case r := <-results:
		assert.Equal(t, common.StatusSessionDisconnected, r.status)
	case <-time.After(5 * time.Second):
		t.Fatal("request was not resolved")
	}
	ev := nextEvent(t, p.clientEvents)
	assert.Equal(t, common.StatusSessionDisconnected, ev.status)
	assert.Equal(t, 0, p.caller.Peers().Len())

	remote := nextEvent(t, p.serverEvents)
	assert.Equal(t, common.StatusSessionDisconnected, remote.status)

	// the session is gone, new requests fail at once
	r := call(t, p.caller, peerID, &echoRequest{})
	assert.Equal(t, common.StatusPeerDisconnected, r.status)
}

func TestEntityRegistry(t *testing.T) {
	c := entity.NewContainer(session.NewContainer(), entity.NewStructRegistry(), 0)
	defer c.Sessions().TerminatePollerLoop()

	a, err := c.AddEntity("a")
	require.NoError(t, err)
	b, err := c.AddEntity("")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.ID())
	assert.Equal(t, uint64(2), b.ID())

	_, err = c.AddEntity("a")
	assert.ErrorIs(t, err, entity.ErrEntityExists)

	found, ok := c.FindEntity("a")
	require.True(t, ok)
	assert.Same(t, a, found)

	require.NoError(t, c.RemoveEntity(a.ID()))
	_, ok = c.GetEntity(a.ID())
	assert.False(t, ok)
	assert.ErrorIs(t, c.RemoveEntity(a.ID()), entity.ErrEntityNotFound)

	assert.Contains(t, c.Structs().Names(), entity.TypeConnectEntity)
}

func TestServeEchoCall(t *testing.T) {
	p := newPair(t, common.ContentTypeBinary)
	entity.ServeEcho(p.echo)
	peerID := p.connect(t)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	status, msg, err := p.caller.Call(ctx, peerID, &entity.EchoRequest{Payload: []byte("ping")})
	require.NoError(t, err)
	require.Equal(t, common.StatusOK, status)
	assert.Equal(t, entity.TypeEchoReply, msg.Header.Type)

	var reply entity.EchoReply
	require.NoError(t, msg.Decode(&reply))
	assert.Equal(t, []byte("ping"), reply.Payload)
	assert.Equal(t, "echo", reply.Server)

	// a deferred request never answers, so the call gives up with ctx
	short, cancelShort := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancelShort()
	_, _, err = p.caller.Call(short, peerID, &silentRequest{Defer: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, p.caller.Outstanding())
}
