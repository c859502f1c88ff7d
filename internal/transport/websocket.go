package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	closeWriteTimeout       = time.Second
)

// WSDialer dials websocket connections.
type WSDialer struct {
	dialer       websocket.Dialer
	writeTimeout time.Duration
}

func NewWSDialer(handshakeTimeout, writeTimeout time.Duration) *WSDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &WSDialer{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		writeTimeout: writeTimeout,
	}
}

func (d *WSDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return newWSConn(conn, d.writeTimeout), nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	frames       chan string

	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	closure Closure
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	ws := &wsConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		frames:       make(chan string, 256),
	}
	go ws.readLoop()
	return ws
}

func (ws *wsConn) readLoop() {
	defer close(ws.frames)
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			ws.finish(closureFromError(err))
			_ = ws.conn.Close()
			return
		}
		ws.frames <- string(data)
	}
}

func closureFromError(err error) Closure {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return Closure{Code: ce.Code, Reason: ce.Text, Err: err}
	}
	return Closure{Code: CloseAbnormal, Reason: err.Error(), Err: err}
}

func (ws *wsConn) finish(c Closure) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed && ws.closure.Code != 0 {
		return
	}
	ws.closed = true
	ws.closure = c
}

func (ws *wsConn) Frames() <-chan string { return ws.frames }

func (ws *wsConn) Send(frame string) error {
	ws.mu.Lock()
	closed := ws.closed
	ws.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if ws.writeTimeout > 0 {
		_ = ws.conn.SetWriteDeadline(time.Now().Add(ws.writeTimeout))
		defer ws.conn.SetWriteDeadline(time.Time{})
	}
	return ws.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Close sends a normal close frame and tears the socket down. The reader
// goroutine records the closure.
func (ws *wsConn) Close() error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil
	}
	ws.closed = true
	ws.closure = Closure{Code: CloseNormal, Reason: "closed by client"}
	ws.mu.Unlock()

	ws.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	ws.writeMu.Unlock()
	return ws.conn.Close()
}

func (ws *wsConn) Closure() Closure {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.closure
}
