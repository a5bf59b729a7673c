package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/protocol"
	"github.com/ValentinKolb/dMQ/rpc/session"
)

type pollResult struct {
	texts []string
	more  bool
}

type poller struct {
	results chan pollResult
}

func newPoller() *poller {
	return &poller{results: make(chan pollResult, 8)}
}

func (p *poller) reply(msgs []*protocol.Message, more bool) {
	r := pollResult{more: more}
	for _, m := range msgs {
		r.texts = append(r.texts, string(m.Payload()))
	}
	p.results <- r
}

func (p *poller) next(t *testing.T) pollResult {
	t.Helper()
	select {
	case r := <-p.results:
		return r
	default:
		t.Fatal("poll request was not answered")
		return pollResult{}
	}
}

func newPollContainer(t *testing.T, opts ...session.Option) *session.Container {
	t.Helper()
	registry := protocol.NewDefaultRegistry(0)
	registry.Register(func() protocol.IProtocol {
		return protocol.NewDelimiterProtocol(protocol.IDHTTPPoll, "poll", nil,
			protocol.FlagPollBased|protocol.FlagSupportsSession, 0)
	})
	c := session.NewContainer(append([]session.Option{session.WithRegistry(registry)}, opts...)...)
	t.Cleanup(c.TerminatePollerLoop)
	return c
}

func TestPollSessionNeedsName(t *testing.T) {
	c := newPollContainer(t)
	s, err := c.CreateSessionForProtocol("poll", session.BindOptions{})
	require.NoError(t, err)

	assert.True(t, s.IsIncoming())
	assert.True(t, s.IsPollBased())
	assert.False(t, s.IsVerified())
	_, ok := c.GetSession(s.ID())
	assert.False(t, ok)

	require.NoError(t, c.SetSessionName(s.ID(), "browser-1"))
	found, ok := c.FindSessionByName("browser-1")
	require.True(t, ok)
	assert.Same(t, s, found)
	assert.ErrorIs(t, c.SetSessionName(s.ID(), "browser-2"), session.ErrAlreadyVerified)

	_, err = c.CreateSessionForProtocol("nope", session.BindOptions{})
	assert.ErrorIs(t, err, protocol.ErrUnknownProtocol)
}

func TestPollParkedRequestAnsweredBySend(t *testing.T) {
	c := newPollContainer(t)
	s, err := c.CreateSessionForProtocol("poll", session.BindOptions{})
	require.NoError(t, err)
	p := newPoller()

	_, err = s.PollRequest(time.Minute, 0, p.reply)
	require.NoError(t, err)
	assert.Empty(t, p.results)

	require.NoError(t, s.SendMessage(textMessage(s, "a")))
	assert.Equal(t, pollResult{texts: []string{"a"}}, p.next(t))
	assert.Equal(t, 0, s.PollQueueLen())
}

func TestPollQueuedMessagesWithMaxCount(t *testing.T) {
	c := newPollContainer(t)
	s, err := c.CreateSessionForProtocol("poll", session.BindOptions{})
	require.NoError(t, err)
	p := newPoller()

	for _, text := range []string{"b", "c", "d"} {
		require.NoError(t, s.SendMessage(textMessage(s, text)))
	}
	assert.Equal(t, 3, s.PollQueueLen())

	_, err = s.PollRequest(time.Minute, 2, p.reply)
	require.NoError(t, err)
	assert.Equal(t, pollResult{texts: []string{"b", "c"}, more: true}, p.next(t))

	_, err = s.PollRequest(time.Minute, 2, p.reply)
	require.NoError(t, err)
	assert.Equal(t, pollResult{texts: []string{"d"}}, p.next(t))
}

func TestPollExpiryAnswersEmpty(t *testing.T) {
	c := newPollContainer(t)
	s, err := c.CreateSessionForProtocol("poll", session.BindOptions{})
	require.NoError(t, err)
	p := newPoller()

	_, err = s.PollRequest(50*time.Millisecond, 0, p.reply)
	require.NoError(t, err)
	c.Cycle(time.Now())
	assert.Empty(t, p.results)

	c.Cycle(time.Now().Add(time.Second))
	assert.Equal(t, pollResult{}, p.next(t))
	assert.Equal(t, uint64(1), c.Metrics().PollExpired.Get())

	// zero timeout never parks
	_, err = s.PollRequest(0, 0, p.reply)
	require.NoError(t, err)
	assert.Equal(t, pollResult{}, p.next(t))
}

func TestPollReplacedAndDisconnected(t *testing.T) {
	c := newPollContainer(t)
	s, err := c.CreateSessionForProtocol("poll", session.BindOptions{})
	require.NoError(t, err)
	first, second := newPoller(), newPoller()

	_, err = s.PollRequest(time.Minute, 0, first.reply)
	require.NoError(t, err)
	_, err = s.PollRequest(time.Minute, 0, second.reply)
	require.NoError(t, err)
	assert.Equal(t, pollResult{}, first.next(t))
	assert.Empty(t, second.results)

	s.Disconnect()
	assert.Equal(t, pollResult{}, second.next(t))
	_, err = s.PollRequest(time.Minute, 0, first.reply)
	assert.ErrorIs(t, err, session.ErrSessionClosed)
}

func TestPollCancelOnlyOwnRequest(t *testing.T) {
	c := newPollContainer(t)
	s, err := c.CreateSessionForProtocol("poll", session.BindOptions{})
	require.NoError(t, err)
	first, second := newPoller(), newPoller()

	firstTicket, err := s.PollRequest(time.Minute, 0, first.reply)
	require.NoError(t, err)
	secondTicket, err := s.PollRequest(time.Minute, 0, second.reply)
	require.NoError(t, err)
	assert.NotEqual(t, firstTicket, secondTicket)
	assert.Equal(t, pollResult{}, first.next(t))

	// the replaced requester goes away late and must not drop the newer request
	s.CancelPollRequest(firstTicket)
	require.NoError(t, s.SendMessage(textMessage(s, "kept")))
	assert.Equal(t, pollResult{texts: []string{"kept"}}, second.next(t))
	assert.Equal(t, 0, s.PollQueueLen())

	// cancelling the parked request itself leaves the next message queued
	thirdTicket, err := s.PollRequest(time.Minute, 0, second.reply)
	require.NoError(t, err)
	s.CancelPollRequest(thirdTicket)
	require.NoError(t, s.SendMessage(textMessage(s, "queued")))
	assert.Empty(t, second.results)
	assert.Equal(t, 1, s.PollQueueLen())
}

func TestPollRequestOnStreamSession(t *testing.T) {
	c := newPollContainer(t)
	s := c.CreateSession(common.Handle[session.ISessionCallback]{})
	_, err := s.PollRequest(time.Second, 0, newPoller().reply)
	assert.ErrorIs(t, err, session.ErrNotPollBased)
}

func TestReceiveDataDispatches(t *testing.T) {
	c := newPollContainer(t)
	rec := newRecorder(false)
	c.Init(rec.handle(), 0, nil)
	s, err := c.CreateSessionForProtocol("poll", session.BindOptions{})
	require.NoError(t, err)

	require.NoError(t, s.ReceiveData([]byte("hello")))
	expectText(t, rec.received, "hello")
	assert.Equal(t, uint64(1), c.Metrics().MessagesReceived.Get())
}

func TestActivityTimeout(t *testing.T) {
	c := newPollContainer(t, session.WithActivityTimeout(time.Second))
	rec := newRecorder(false)
	c.Init(rec.handle(), 0, nil)
	s, err := c.CreateSessionForProtocol("poll", session.BindOptions{})
	require.NoError(t, err)
	require.NoError(t, c.SetSessionName(s.ID(), "idle"))

	c.Cycle(time.Now())
	assert.False(t, s.IsClosed())

	c.Cycle(time.Now().Add(2 * time.Second))
	assert.Same(t, s, expectSession(t, rec.disconnected))
	assert.True(t, s.IsClosed())
	_, ok := c.FindSessionByName("idle")
	assert.False(t, ok)
}
