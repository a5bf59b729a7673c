package session

import (
	"time"

	"github.com/ValentinKolb/dMQ/rpc/protocol"
)

// PollReply receives the answer of a poll request: the oldest queued messages
// in FIFO order and whether more are waiting. An empty answer means "no data".
type PollReply func(msgs []*protocol.Message, more bool)

// PollTicket identifies one poll request. It is passed to CancelPollRequest so
// that a requester can only withdraw its own parked request.
type PollTicket uint64

type pollRequest struct {
	ticket   PollTicket
	deadline time.Time
	maxCount int
	reply    PollReply
}

// pollAnswer is a reply computed under the session lock and sent after it
type pollAnswer struct {
	reply PollReply
	msgs  []*protocol.Message
	more  bool
}

func (a pollAnswer) send() {
	if a.reply != nil {
		a.reply(a.msgs, a.more)
	}
}

func (s *Session) isPollBasedLocked() bool {
	return s.proto != nil && s.proto.Flags().Has(protocol.FlagPollBased)
}

// IsPollBased reports whether outbound messages are fetched by poll requests
func (s *Session) IsPollBased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPollBasedLocked()
}

// PollQueueLen returns the number of messages waiting for a poll request
func (s *Session) PollQueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pollQueue)
}

// PollRequest asks for queued outbound messages. If messages are queued the
// reply is sent before PollRequest returns. Otherwise the request is parked
// until a message is sent on the session or the timeout expires on a cycle
// tick; expiry answers with an empty reply. maxCount <= 0 takes all queued
// messages. A parked request is answered empty when a newer one replaces it.
// The returned ticket identifies the request for CancelPollRequest.
func (s *Session) PollRequest(timeout time.Duration, maxCount int, reply PollReply) (PollTicket, error) {
	now := time.Now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	if !s.isPollBasedLocked() {
		s.mu.Unlock()
		return 0, ErrNotPollBased
	}
	s.container.metrics.PollRequests.Inc()
	s.lastActivity = now
	s.pollSeq++
	ticket := PollTicket(s.pollSeq)

	var replaced pollAnswer
	if s.poll != nil {
		replaced.reply = s.poll.reply
		s.poll = nil
	}

	var answer pollAnswer
	switch {
	case len(s.pollQueue) > 0:
		answer = s.takePollLocked(reply, maxCount)
	case timeout <= 0:
		answer = pollAnswer{reply: reply}
	default:
		s.poll = &pollRequest{ticket: ticket, deadline: now.Add(timeout), maxCount: maxCount, reply: reply}
	}
	s.mu.Unlock()

	replaced.send()
	answer.send()
	return ticket, nil
}

// enqueuePollLocked queues msg for the next poll and answers a parked request
func (s *Session) enqueuePollLocked(msg *protocol.Message) pollAnswer {
	m := render(msg, s.proto)
	s.proto.PrepareMessageToSend(m)
	s.pollQueue = append(s.pollQueue, m)
	s.container.metrics.MessagesSent.Inc()
	s.container.metrics.BytesSent.Add(m.SendBufferSize())

	if s.poll == nil {
		return pollAnswer{}
	}
	parked := s.poll
	s.poll = nil
	return s.takePollLocked(parked.reply, parked.maxCount)
}

func (s *Session) takePollLocked(reply PollReply, maxCount int) pollAnswer {
	n := len(s.pollQueue)
	if maxCount > 0 && maxCount < n {
		n = maxCount
	}
	msgs := make([]*protocol.Message, n)
	copy(msgs, s.pollQueue[:n])
	s.pollQueue = s.pollQueue[n:]
	if len(s.pollQueue) == 0 {
		s.pollQueue = nil
	}
	return pollAnswer{reply: reply, msgs: msgs, more: len(s.pollQueue) > 0}
}

// CancelPollRequest drops the parked poll request identified by ticket without
// answering it. It is used when the requester went away before an answer was
// available. A request that was already answered or replaced is left alone.
func (s *Session) CancelPollRequest(ticket PollTicket) {
	s.mu.Lock()
	if s.poll != nil && s.poll.ticket == ticket {
		s.poll = nil
	}
	s.mu.Unlock()
}
