package rtc

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/liveview/internal/core"
)

const writeWait = 5 * time.Second

var errSignalClosed = errors.New("signal connection closed")

// signalMessage is the JSON frame exchanged with the media server.
type signalMessage struct {
	Type          string  `json:"type"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        string  `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	TrackID       string  `json:"trackId,omitempty"`
}

func candidateMessage(ci webrtc.ICECandidateInit) signalMessage {
	msg := signalMessage{Type: "candidate", Candidate: ci.Candidate, SDPMLineIndex: ci.SDPMLineIndex}
	if ci.SDPMid != nil {
		msg.SDPMid = *ci.SDPMid
	}
	return msg
}

func (m signalMessage) candidate() webrtc.ICECandidateInit {
	ci := webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMLineIndex: m.SDPMLineIndex}
	if m.SDPMid != "" {
		mid := m.SDPMid
		ci.SDPMid = &mid
	}
	return ci
}

// wsSignalConn owns the signaling socket of one room generation.
type wsSignalConn struct {
	conn   *websocket.Conn
	send   chan core.Frame
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*wsSignalConn)(nil)

func newSignalConn(conn *websocket.Conn, logger zerolog.Logger) *wsSignalConn {
	return &wsSignalConn{conn: conn, send: make(chan core.Frame, 32), logger: logger}
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errSignalClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		c.logger.Warn().Err(err).Msg("signal send dropped")
	}
}

// Close stops accepting frames. The write pump flushes what is queued and
// then closes the socket.
func (c *wsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsSignalConn) writePump() {
	defer func() { _ = c.conn.Close() }()
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			c.logger.Error().Err(err).Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Error().Err(err).Msg("writePump write error")
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// readPump delivers decoded frames to handle until the socket fails.
func (c *wsSignalConn) readPump(handle func(signalMessage)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg signalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error().Err(err).Msg("bad json")
			continue
		}
		handle(msg)
	}
}
