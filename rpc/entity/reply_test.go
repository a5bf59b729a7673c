package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/session"
)

func TestReplyFromForeignSessionIsDropped(t *testing.T) {
	sessions := session.NewContainer()
	t.Cleanup(sessions.TerminatePollerLoop)
	e, err := NewContainer(sessions, nil, 0).AddEntity("")
	require.NoError(t, err)

	own := sessions.CreateSession(common.Handle[session.ISessionCallback]{})
	foreign := sessions.CreateSession(common.Handle[session.ISessionCallback]{})
	p, err := e.peers.AddPeer(own, 7, "", PeerConnected)
	require.NoError(t, err)

	var got []common.Status
	e.outstanding.Store(5, &pending{peerID: p.ID, started: time.Now(), fn: func(status common.Status, _ *Message) {
		got = append(got, status)
	}})
	reply := func(s *session.Session) *Message {
		return &Message{
			Header:  common.Header{Mode: common.MsgModeReply, SrcID: 7, CorrID: 5, Status: common.StatusNoReply},
			Session: s,
		}
	}

	// a guessed correlation id on another session neither resolves nor consumes the request
	e.receiveReply(reply(foreign))
	assert.Empty(t, got)
	assert.Equal(t, 1, e.Outstanding())

	e.receiveReply(reply(own))
	assert.Equal(t, []common.Status{common.StatusNoReply}, got)
	assert.Equal(t, 0, e.Outstanding())

	// a duplicate is dropped
	e.receiveReply(reply(own))
	assert.Len(t, got, 1)
}
