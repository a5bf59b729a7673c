package entity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/entity"
	"github.com/ValentinKolb/dMQ/rpc/session"
)

func newSessions(t *testing.T, n int) []*session.Session {
	t.Helper()
	c := session.NewContainer()
	t.Cleanup(c.TerminatePollerLoop)
	out := make([]*session.Session, n)
	for i := range out {
		out[i] = c.CreateSession(common.Handle[session.ISessionCallback]{})
	}
	return out
}

func TestPeerManagerAddAndFind(t *testing.T) {
	ss := newSessions(t, 2)
	m := entity.NewPeerManager()

	byName, err := m.AddPeer(ss[0], 0, "echo", entity.PeerConnecting)
	require.NoError(t, err)
	byID, err := m.AddPeer(ss[0], 7, "", entity.PeerConnected)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), byName.ID)
	assert.Equal(t, uint64(2), byID.ID)

	// the same remote on another session is a different peer
	other, err := m.AddPeer(ss[1], 7, "echo", entity.PeerConnected)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), other.ID)

	_, err = m.AddPeer(ss[0], 7, "", entity.PeerConnected)
	assert.ErrorIs(t, err, entity.ErrPeerExists)
	_, err = m.AddPeer(ss[0], 0, "echo", entity.PeerConnected)
	assert.ErrorIs(t, err, entity.ErrPeerExists)

	p, ok := m.FindPeer(ss[0].ID(), 7)
	require.True(t, ok)
	assert.Equal(t, byID.ID, p.ID)
	p, ok = m.FindPeerByName(ss[1].ID(), "echo")
	require.True(t, ok)
	assert.Equal(t, other.ID, p.ID)
	_, ok = m.FindPeer(ss[1].ID(), 8)
	assert.False(t, ok)

	assert.Equal(t, 3, m.Len())
	all := m.GetAllPeers()
	require.Len(t, all, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{all[0].ID, all[1].ID, all[2].ID})
}

func TestPeerManagerUpdate(t *testing.T) {
	ss := newSessions(t, 1)
	m := entity.NewPeerManager()

	p, err := m.AddPeer(ss[0], 0, "echo", entity.PeerConnecting)
	require.NoError(t, err)
	taken, err := m.AddPeer(ss[0], 5, "", entity.PeerConnected)
	require.NoError(t, err)

	_, err = m.UpdatePeer(p.ID, 5, entity.PeerConnected)
	assert.ErrorIs(t, err, entity.ErrPeerExists)

	updated, err := m.UpdatePeer(p.ID, 9, entity.PeerConnected)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), updated.RemoteID)
	assert.Equal(t, entity.PeerConnected, updated.State)

	found, ok := m.FindPeer(ss[0].ID(), 9)
	require.True(t, ok)
	assert.Equal(t, p.ID, found.ID)
	found, ok = m.FindPeerByName(ss[0].ID(), "echo")
	require.True(t, ok)
	assert.Equal(t, p.ID, found.ID)

	_, err = m.UpdatePeer(taken.ID+10, 1, entity.PeerConnected)
	assert.ErrorIs(t, err, entity.ErrPeerNotFound)
}

func TestPeerManagerRemove(t *testing.T) {
	ss := newSessions(t, 2)
	m := entity.NewPeerManager()

	a, _ := m.AddPeer(ss[0], 1, "a", entity.PeerConnected)
	b, _ := m.AddPeer(ss[0], 2, "", entity.PeerConnected)
	c, _ := m.AddPeer(ss[1], 1, "a", entity.PeerConnected)

	removed, ok := m.RemovePeer(a.ID)
	require.True(t, ok)
	assert.Equal(t, entity.PeerDisconnected, removed.State)
	_, ok = m.RemovePeer(a.ID)
	assert.False(t, ok)
	_, ok = m.FindPeerByName(ss[0].ID(), "a")
	assert.False(t, ok)

	// ids are not reused and the freed keys can be taken again
	again, err := m.AddPeer(ss[0], 1, "a", entity.PeerConnected)
	require.NoError(t, err)
	assert.Greater(t, again.ID, c.ID)

	gone := m.RemovePeersBySession(ss[0].ID())
	require.Len(t, gone, 2)
	assert.Equal(t, b.ID, gone[0].ID)
	assert.Equal(t, again.ID, gone[1].ID)
	for _, p := range gone {
		assert.Equal(t, entity.PeerDisconnected, p.State)
	}

	assert.Equal(t, 1, m.Len())
	_, ok = m.GetPeer(c.ID)
	assert.True(t, ok)
}

func TestPeerStateString(t *testing.T) {
	assert.Equal(t, "connecting", entity.PeerConnecting.String())
	assert.Equal(t, "connected", entity.PeerConnected.String())
	assert.Equal(t, "disconnected", entity.PeerDisconnected.String())
}
