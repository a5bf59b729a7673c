package session

import (
	"errors"
	"time"

	"github.com/ValentinKolb/dMQ/rpc/protocol"
	"github.com/ValentinKolb/dMQ/rpc/transport"
)

// slot is one connection of a multi connection session. Request/reply
// protocols carry at most one outstanding request per slot.
type slot struct {
	conn          transport.IConnection
	proto         protocol.IProtocol
	connected     bool
	everConnected bool
	busy          bool
}

func (s *Session) isMultiConnectionLocked() bool {
	return s.slots != nil
}

// pumpMultiLocked hands buffered messages to idle slots and opens new slots
// for the rest, up to maxConnections
func (s *Session) pumpMultiLocked() {
	if s.closed {
		return
	}
	for len(s.buffered) > 0 {
		sl := s.allocateRequestConnectionLocked()
		if sl == nil {
			break
		}
		msg := s.buffered[0]
		s.buffered = s.buffered[1:]
		if err := s.sendSlotLocked(sl, msg); err != nil {
			Logger.Warningf("%s: sending on connection %d failed: %v", s, sl.conn.ID(), err)
		}
	}

	waiting := len(s.buffered) - s.connectingSlotsLocked()
	for waiting > 0 && len(s.slots) < s.maxConnections {
		if !s.createRequestConnectionLocked() {
			return
		}
		waiting--
	}
}

// allocateRequestConnectionLocked returns an idle connected slot or nil
func (s *Session) allocateRequestConnectionLocked() *slot {
	for _, sl := range s.slots {
		if sl.connected && !sl.busy {
			return sl
		}
	}
	return nil
}

// createRequestConnectionLocked opens one more connection to the endpoint
func (s *Session) createRequestConnectionLocked() bool {
	sl := &slot{proto: s.factory()}
	sl.conn = s.container.conns.CreateConnection(&connHandler{s: s, slot: sl})
	s.slots[sl.conn.ID()] = sl

	err := s.container.conns.Connect(sl.conn, s.endpoint.Transport, s.endpoint.Address, s.connOpts)
	if err != nil {
		Logger.Errorf("%s: opening request connection failed: %v", s, err)
		delete(s.slots, sl.conn.ID())
		// the handler ignores the removed slot, the callback runs outside our lock
		go sl.conn.Disconnect()
		return false
	}
	Logger.Debugf("%s: opened request connection %d (%d/%d)", s, sl.conn.ID(), len(s.slots), s.maxConnections)
	return true
}

func (s *Session) connectingSlotsLocked() int {
	n := 0
	for _, sl := range s.slots {
		if !sl.connected {
			n++
		}
	}
	return n
}

// cleanupMultiConnectionLocked drops the slot of a connection that is gone for
// good. It reports whether the session lost its last usable connection.
func (s *Session) cleanupMultiConnectionLocked(sl *slot) bool {
	delete(s.slots, sl.conn.ID())
	if len(s.slots) > 0 {
		return false
	}
	// a slot that never came up means the endpoint is unreachable
	return !sl.everConnected
}

func (s *Session) sendSlotLocked(sl *slot, msg *protocol.Message) error {
	m := render(msg, sl.proto)
	sl.proto.PrepareMessageToSend(m)
	err := sl.conn.SendMessage(m.SendBuffers())
	if errors.Is(err, transport.ErrNotConnected) {
		sl.connected = false
		s.buffered = append([]*protocol.Message{msg}, s.buffered...)
		return nil
	}
	if err != nil {
		return err
	}
	if sl.proto.Flags().Has(protocol.FlagNeedsReply) {
		sl.busy = true
	}
	s.container.metrics.MessagesSent.Inc()
	s.container.metrics.BytesSent.Add(m.SendBufferSize())
	return nil
}

// --------------------------------------------------------------------------
// Slot connection events
// --------------------------------------------------------------------------

func (s *Session) slotConnected(sl *slot) {
	s.mu.Lock()
	if s.closed || s.slots[sl.conn.ID()] != sl {
		s.mu.Unlock()
		sl.conn.Disconnect()
		return
	}
	if sl.everConnected {
		fresh := s.factory()
		fresh.MoveOldProtocolState(sl.proto)
		sl.proto = fresh
		s.container.metrics.Reconnects.Inc()
	}
	sl.everConnected = true
	sl.connected = true
	sl.busy = false
	first := !s.everConnected
	s.everConnected = true
	s.connected = true
	s.lastActivity = time.Now()
	s.pumpMultiLocked()
	s.mu.Unlock()

	if first {
		if cb, ok := s.callback.Lock(); ok {
			cb.Connected(s)
		}
	}
}

func (s *Session) slotDisconnected(sl *slot, reconnecting bool) {
	s.mu.Lock()
	if s.closed || s.slots[sl.conn.ID()] != sl {
		s.mu.Unlock()
		return
	}
	sl.connected = false
	sl.busy = false

	if reconnecting {
		s.mu.Unlock()
		return
	}
	unreachable := s.cleanupMultiConnectionLocked(sl)
	if !unreachable {
		s.pumpMultiLocked()
	}
	s.mu.Unlock()

	if unreachable {
		s.terminate("endpoint unreachable")
	}
}

func (s *Session) slotReceive(sl *slot, proto protocol.IProtocol, data []byte) error {
	s.container.metrics.BytesReceived.Add(len(data))
	msgs, err := proto.Receive(data)
	if err != nil {
		s.container.metrics.FramingErrors.Inc()
		Logger.Warningf("%s: framing error on connection %d, dropping it: %v", s, sl.conn.ID(), err)
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if proto.Flags().Has(protocol.FlagNeedsReply) {
		s.mu.Lock()
		sl.busy = false
		s.pumpMultiLocked()
		s.mu.Unlock()
	}
	for _, msg := range msgs {
		s.dispatch(msg)
	}
	return nil
}
