package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 60 * time.Second
)

// stateFeed pushes a full view state to each WebSocket client whenever the
// viewer signals a change.
type stateFeed struct {
	viewer     Viewer
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
	logger     zerolog.Logger
}

func newStateFeed(v Viewer, pingPeriod time.Duration) *stateFeed {
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = pongWait * 9 / 10
	}
	return &stateFeed{
		viewer: v,
		upgrader: websocket.Upgrader{
			// local control API, any origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pingPeriod: pingPeriod,
		logger:     log.With().Str("module", "adapters.http").Str("feed", "state").Logger(),
	}
}

func (f *stateFeed) serve(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	changes, stop := f.viewer.Subscribe()
	defer stop()

	gone := make(chan struct{})
	go f.readPump(conn, gone)

	ping := time.NewTicker(f.pingPeriod)
	defer ping.Stop()

	push := func() bool {
		b, err := json.Marshal(f.viewer.State())
		if err != nil {
			f.logger.Error().Err(err).Msg("marshal state")
			return false
		}
		return f.write(conn, websocket.TextMessage, b) == nil
	}

	if !push() {
		return
	}
	f.logger.Info().Str("remote", r.RemoteAddr).Msg("state feed client connected")
	for {
		select {
		case <-ctx.Done():
			_ = f.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-gone:
			return
		case _, ok := <-changes:
			if !ok {
				_ = f.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "viewer closed"))
				return
			}
			if !push() {
				return
			}
		case <-ping.C:
			if f.write(conn, websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (f *stateFeed) write(conn *websocket.Conn, mt int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(mt, data)
}

// readPump only handles control frames and notices the client leaving.
func (f *stateFeed) readPump(conn *websocket.Conn, gone chan struct{}) {
	defer close(gone)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
