package entity

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ValentinKolb/dMQ/rpc/session"
)

var (
	// ErrPeerNotFound is returned for unknown peer ids
	ErrPeerNotFound = errors.New("entity: peer not found")
	// ErrPeerExists is returned when a peer for the same remote entity exists
	ErrPeerExists = errors.New("entity: peer already exists")
)

// PeerState is the lifecycle state of a peer
type PeerState uint8

const (
	PeerConnecting PeerState = iota
	PeerConnected
	PeerDisconnected
)

// String returns the string representation of a PeerState.
func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Peer is a remote entity reachable over a session. The peer manager hands
// out copies; changes go through UpdatePeer.
type Peer struct {
	ID         uint64
	Session    *session.Session
	RemoteID   uint64 // 0 while connecting by name
	RemoteName string // name used to connect, empty on the accepting side
	State      PeerState
}

func (p Peer) String() string {
	target := p.RemoteName
	if p.RemoteID != 0 {
		target = fmt.Sprintf("%s#%d", p.RemoteName, p.RemoteID)
	}
	return fmt.Sprintf("peer %d (%s via session %d, %s)", p.ID, target, p.Session.ID(), p.State)
}

type peerKey struct {
	session int64
	id      uint64
}

type peerNameKey struct {
	session int64
	name    string
}

// PeerManager maps (session, remote entity) pairs to local peer ids. Peer ids
// start at 1 and are never reused.
type PeerManager struct {
	mu     sync.Mutex
	nextID uint64
	peers  map[uint64]*Peer
	byID   map[peerKey]uint64
	byName map[peerNameKey]uint64
}

// NewPeerManager creates an empty peer manager
func NewPeerManager() *PeerManager {
	return &PeerManager{
		peers:  make(map[uint64]*Peer),
		byID:   make(map[peerKey]uint64),
		byName: make(map[peerNameKey]uint64),
	}
}

// AddPeer registers a peer for the remote entity given by id, name or both
func (m *PeerManager) AddPeer(s *session.Session, remoteID uint64, remoteName string, state PeerState) (Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idKey := peerKey{session: s.ID(), id: remoteID}
	nameKey := peerNameKey{session: s.ID(), name: remoteName}
	if _, ok := m.byID[idKey]; ok && remoteID != 0 {
		return Peer{}, fmt.Errorf("%w: entity %d on session %d", ErrPeerExists, remoteID, s.ID())
	}
	if _, ok := m.byName[nameKey]; ok && remoteName != "" {
		return Peer{}, fmt.Errorf("%w: entity %q on session %d", ErrPeerExists, remoteName, s.ID())
	}

	m.nextID++
	p := &Peer{ID: m.nextID, Session: s, RemoteID: remoteID, RemoteName: remoteName, State: state}
	m.peers[p.ID] = p
	if remoteID != 0 {
		m.byID[idKey] = p.ID
	}
	if remoteName != "" {
		m.byName[nameKey] = p.ID
	}
	return *p, nil
}

// UpdatePeer sets the remote id and state of a peer, e.g. when the handshake
// reply arrives
func (m *PeerManager) UpdatePeer(id uint64, remoteID uint64, state PeerState) (Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[id]
	if !ok {
		return Peer{}, fmt.Errorf("%w: %d", ErrPeerNotFound, id)
	}
	if remoteID != p.RemoteID {
		key := peerKey{session: p.Session.ID(), id: remoteID}
		if other, taken := m.byID[key]; taken && other != id {
			return Peer{}, fmt.Errorf("%w: entity %d on session %d", ErrPeerExists, remoteID, p.Session.ID())
		}
		if p.RemoteID != 0 {
			delete(m.byID, peerKey{session: p.Session.ID(), id: p.RemoteID})
		}
		if remoteID != 0 {
			m.byID[key] = id
		}
		p.RemoteID = remoteID
	}
	p.State = state
	return *p, nil
}

// RemovePeer erases a peer; the returned copy is marked disconnected
func (m *PeerManager) RemovePeer(id uint64) (Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	if !ok {
		return Peer{}, false
	}
	m.removeLocked(p)
	return *p, true
}

// RemovePeersBySession erases all peers bound to a session
func (m *PeerManager) RemovePeersBySession(sessionID int64) []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []Peer
	for _, p := range m.peers {
		if p.Session.ID() == sessionID {
			m.removeLocked(p)
			removed = append(removed, *p)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return removed
}

// GetPeer returns a peer by id
func (m *PeerManager) GetPeer(id uint64) (Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// FindPeer returns the peer of the remote entity id on a session
func (m *PeerManager) FindPeer(sessionID int64, remoteID uint64) (Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byID[peerKey{session: sessionID, id: remoteID}]
	if !ok {
		return Peer{}, false
	}
	return *m.peers[id], true
}

// FindPeerByName returns the peer connected by name on a session
func (m *PeerManager) FindPeerByName(sessionID int64, name string) (Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[peerNameKey{session: sessionID, name: name}]
	if !ok {
		return Peer{}, false
	}
	return *m.peers[id], true
}

// GetAllPeers returns all peers ordered by id
func (m *PeerManager) GetAllPeers() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of peers
func (m *PeerManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

func (m *PeerManager) removeLocked(p *Peer) {
	delete(m.peers, p.ID)
	if p.RemoteID != 0 {
		delete(m.byID, peerKey{session: p.Session.ID(), id: p.RemoteID})
	}
	if p.RemoteName != "" {
		delete(m.byName, peerNameKey{session: p.Session.ID(), name: p.RemoteName})
	}
	p.State = PeerDisconnected
}
