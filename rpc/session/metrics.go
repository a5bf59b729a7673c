package session

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics holds the counters of one session container
type Metrics struct {
	set *metrics.Set

	SessionsOpened   *metrics.Counter
	SessionsClosed   *metrics.Counter
	Reconnects       *metrics.Counter
	MessagesSent     *metrics.Counter
	MessagesReceived *metrics.Counter
	BytesSent        *metrics.Counter
	BytesReceived    *metrics.Counter
	MessagesBuffered *metrics.Counter
	FramingErrors    *metrics.Counter
	PollRequests     *metrics.Counter
	PollExpired      *metrics.Counter
}

func newMetrics(list *SessionList) *Metrics {
	set := metrics.NewSet()
	m := &Metrics{
		set:              set,
		SessionsOpened:   set.NewCounter("dmq_sessions_opened_total"),
		SessionsClosed:   set.NewCounter("dmq_sessions_closed_total"),
		Reconnects:       set.NewCounter("dmq_session_reconnects_total"),
		MessagesSent:     set.NewCounter("dmq_messages_sent_total"),
		MessagesReceived: set.NewCounter("dmq_messages_received_total"),
		BytesSent:        set.NewCounter("dmq_bytes_sent_total"),
		BytesReceived:    set.NewCounter("dmq_bytes_received_total"),
		MessagesBuffered: set.NewCounter("dmq_messages_buffered_total"),
		FramingErrors:    set.NewCounter("dmq_framing_errors_total"),
		PollRequests:     set.NewCounter("dmq_poll_requests_total"),
		PollExpired:      set.NewCounter("dmq_poll_expired_total"),
	}
	set.NewGauge("dmq_sessions_active", func() float64 {
		return float64(list.Len())
	})
	return m
}

// Set returns the underlying metrics set, e.g. to register further metrics
func (m *Metrics) Set() *metrics.Set {
	return m.set
}

// WritePrometheus writes the session metrics in Prometheus text format
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
