package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/protocol"
	"github.com/ValentinKolb/dMQ/rpc/session"
)

var Logger = logger.GetLogger(common.LoggerHTTP)

const (
	// ProtocolName is the name of the poll protocol in the protocol registry
	ProtocolName = "httppoll"
	// MoreHeader tells the poller that more messages are queued
	MoreHeader = "X-Dmq-More"
	// DefaultPollTimeout is used when a poll request has no timeout parameter
	DefaultPollTimeout = 25 * time.Second
	// MaxPollTimeout caps the timeout requested by a poller
	MaxPollTimeout = 2 * time.Minute
)

// NewPollProtocol creates the protocol of HTTP poll sessions: every request
// body is one message and outbound messages are fetched by poll requests
func NewPollProtocol(maxSize int) protocol.IProtocol {
	return protocol.NewDelimiterProtocol(protocol.IDHTTPPoll, ProtocolName, nil,
		protocol.FlagPollBased|protocol.FlagSupportsSession|protocol.FlagSupportsMetainfo, maxSize)
}

// RegisterProtocol adds the poll protocol to a registry
func RegisterProtocol(r *protocol.Registry, maxSize int) {
	r.Register(func() protocol.IProtocol { return NewPollProtocol(maxSize) })
}

// SessionInfo is returned when a poll session is created
type SessionInfo struct {
	Session     string `json:"session"`
	ID          int64  `json:"id"`
	ContentType string `json:"content_type"`
}

// PollServer exposes poll based sessions of a session container over HTTP
type PollServer struct {
	container *session.Container
	bind      session.BindOptions
	maxSize   int
	debug     bool
	server    *http.Server
}

// NewPollServer creates a poll server for the container and registers the
// poll protocol in the container's registry
func NewPollServer(container *session.Container, bind session.BindOptions, maxSize int, debug bool) *PollServer {
	if maxSize <= 0 {
		maxSize = protocol.DefaultMaxMessageSize
	}
	RegisterProtocol(container.Registry(), maxSize)
	return &PollServer{
		container: container,
		bind:      bind,
		maxSize:   maxSize,
		debug:     debug,
	}
}

// Handler returns the HTTP handler with all session routes
func (t *PollServer) Handler() http.Handler {
	mux := http.NewServeMux()

	routes := map[string]http.HandlerFunc{
		"POST /session":            t.handleCreate,
		"POST /session/{name}":     t.handleSend,
		"GET /session/{name}/poll": t.handlePoll,
		"DELETE /session/{name}":   t.handleDelete,
	}
	for pattern, handler := range routes {
		// Register handler
		if t.debug {
			mux.HandleFunc(pattern, loggerMiddleware(handler))
		} else {
			mux.HandleFunc(pattern, handler)
		}
	}
	return mux
}

// Serve accepts HTTP connections on the listener until Shutdown is called
func (t *PollServer) Serve(ln net.Listener) error {
	t.server = &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	Logger.Infof("Starting HTTP poll server on %s", ln.Addr())
	err := t.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the TCP address and serves poll sessions
func (t *PollServer) ListenAndServe(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return t.Serve(ln)
}

// Shutdown stops the HTTP server gracefully
func (t *PollServer) Shutdown(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

// handleCreate creates a poll session named by a fresh uuid
func (t *PollServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	bind := t.bind
	if ct := r.URL.Query().Get("content_type"); ct != "" {
		parsed, err := common.ParseContentType(ct)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bind.ContentType = parsed
	}

	s, err := t.container.CreateSessionForProtocol(ProtocolName, bind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	name := uuid.NewString()
	if err := t.container.SetSessionName(s.ID(), name); err != nil {
		s.Disconnect()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(SessionInfo{Session: name, ID: s.ID(), ContentType: bind.ContentType.String()}); err != nil {
		Logger.Warningf("Failed to write session info: %v", err)
	}
}

// handleSend delivers the request body as one message to the session
func (t *PollServer) handleSend(w http.ResponseWriter, r *http.Request) {
	s, ok := t.lookup(w, r)
	if !ok {
		return
	}

	// Read request body
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(t.maxSize)))
	defer r.Body.Close()

	// Check if body could be read
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Message too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	msg := protocol.NewMessage(protocol.IDHTTPPoll, 0, 0)
	copy(msg.ResizeReceiveBuffer(len(body)), body)
	meta := msg.Metainfo()
	meta["method"] = r.Method
	meta["path"] = r.URL.Path
	meta["remote"] = r.RemoteAddr
	for key := range r.URL.Query() {
		meta["query."+key] = r.URL.Query().Get(key)
	}

	if err := s.DeliverMessage(msg); err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handlePoll waits for outbound messages of the session and writes them as
// length prefixed frames
func (t *PollServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	s, ok := t.lookup(w, r)
	if !ok {
		return
	}

	timeout := DefaultPollTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			http.Error(w, "Invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = min(d, MaxPollTimeout)
	}
	count := 0
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid count", http.StatusBadRequest)
			return
		}
		count = n
	}

	type answer struct {
		msgs []*protocol.Message
		more bool
	}
	answers := make(chan answer, 1)
	ticket, err := s.PollRequest(timeout, count, func(msgs []*protocol.Message, more bool) {
		answers <- answer{msgs: msgs, more: more}
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}

	var a answer
	select {
	case a = <-answers:
	case <-r.Context().Done():
		s.CancelPollRequest(ticket)
		return
	}

	if len(a.msgs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	framing := protocol.NewHeaderSizeProtocol(0)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(MoreHeader, strconv.FormatBool(a.more))
	w.WriteHeader(http.StatusOK)
	for _, m := range a.msgs {
		frame := protocol.CopyPayload(m, framing.NewMessage)
		framing.PrepareMessageToSend(frame)
		for _, buf := range frame.SendBuffers() {
			if _, err := w.Write(buf); err != nil {
				Logger.Warningf("Failed to write poll response for session %s: %v", s.Name(), err)
				return
			}
		}
	}
}

// handleDelete disconnects the session
func (t *PollServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	s, ok := t.lookup(w, r)
	if !ok {
		return
	}
	s.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

func (t *PollServer) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, ok := t.container.FindSessionByName(r.PathValue("name"))
	if !ok {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return nil, false
	}
	return s, true
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create custom response writer to capture status code
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		// Process request
		next.ServeHTTP(rw, r)

		// Log the request
		duration := time.Since(start)
		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, duration)
	}
}
