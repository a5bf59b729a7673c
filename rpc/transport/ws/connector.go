package ws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/transport/base"
)

const handshakeTimeout = 10 * time.Second

// connector implements base.IConnector for websockets. Addresses have the form
// host:port/path ("ws://localhost:8080/dmq:headersize").
type connector struct{}

// NewConnector creates the websocket connector
func NewConnector() base.IConnector {
	return &connector{}
}

// splitAddress splits "host:port/path" into host:port and /path
func splitAddress(address string) (string, string) {
	host, path, found := strings.Cut(address, "/")
	if !found {
		return host, "/"
	}
	return host, "/" + path
}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IConnector)
// --------------------------------------------------------------------------

func (c *connector) GetName() string {
	return "ws"
}

func (c *connector) Connect(ctx context.Context, address string) (net.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	host, path := splitAddress(address)
	conn, _, err := dialer.DialContext(ctx, "ws://"+host+path, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}

func (c *connector) UpgradeConnection(net.Conn, common.SocketConfig) error {
	return nil
}

func (c *connector) Listen(address string, config common.SocketConfig) (net.Listener, error) {
	host, path := splitAddress(address)
	l, err := net.Listen("tcp", host)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket listener: %v", err)
	}

	wl := &listener{
		inner:  l,
		accept: make(chan net.Conn),
		closed: make(chan struct{}),
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		CheckOrigin: func(_ *http.Request) bool {
			return true
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			base.Logger.Warningf("Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}
		select {
		case wl.accept <- newWSConn(conn):
		case <-wl.closed:
			_ = conn.Close()
		}
	})
	wl.server = &http.Server{Handler: mux, ReadHeaderTimeout: handshakeTimeout}

	go func() {
		if err := wl.server.Serve(l); err != nil && err != http.ErrServerClosed {
			base.Logger.Errorf("Websocket server on %s stopped: %v", address, err)
		}
	}()
	return wl, nil
}

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// listener hands upgraded websocket connections to the accept loop of the container
type listener struct {
	inner     net.Listener
	server    *http.Server
	accept    chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.accept:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.server.Close()
	})
	return err
}

func (l *listener) Addr() net.Addr {
	return l.inner.Addr()
}
