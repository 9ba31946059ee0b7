package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/liveview/internal/core"
)

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens the transport for one connection attempt.
type DialFunc func(ctx context.Context, url string, header http.Header) (WSConn, error)

// GorillaDialer dials with gorilla/websocket and caps inbound frame size.
func GorillaDialer(readLimit int64) DialFunc {
	d := &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	return func(ctx context.Context, url string, header http.Header) (WSConn, error) {
		conn, resp, err := d.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		if readLimit > 0 {
			conn.SetReadLimit(readLimit)
		}
		return conn, nil
	}
}

// wsConnection is one transport connection of the channel. It is closed
// exactly once, by whichever pump exits first or by the channel.
type wsConnection struct {
	conn WSConn
	send chan core.Frame
	once sync.Once
	done chan struct{}
}

func newWSConnection(conn WSConn) *wsConnection {
	return &wsConnection{
		conn: conn,
		send: make(chan core.Frame, 64),
		done: make(chan struct{}),
	}
}

func (c *wsConnection) TrySend(f core.Frame) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *wsConnection) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writeLoop pumps frames and keepalive pings to the network.
func (c *wsConnection) writeLoop(pingPeriod time.Duration) {
	defer c.Close()
	var tick <-chan time.Time
	if pingPeriod > 0 {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-tick:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop hands every inbound frame to fn until the transport fails.
func (c *wsConnection) readLoop(fn func([]byte)) error {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		fn(data)
	}
}
