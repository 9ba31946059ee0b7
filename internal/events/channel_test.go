package events

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

type roomFrame struct {
	Event string `json:"event"`
	Data  struct {
		LiveSessionID string `json:"liveSessionId"`
	} `json:"data"`
}

// liveServer records join frames per connection and runs script on each.
type liveServer struct {
	*httptest.Server
	mu     sync.Mutex
	joins  []string
	conns  int
	auth   string
	script func(n int, c *websocket.Conn)
}

func newLiveServer(t *testing.T, script func(n int, c *websocket.Conn)) *liveServer {
	t.Helper()
	s := &liveServer{script: script}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		s.mu.Lock()
		n := s.conns
		s.conns++
		s.auth = r.Header.Get("Authorization")
		s.mu.Unlock()

		var f roomFrame
		if err := c.ReadJSON(&f); err != nil {
			return
		}
		s.mu.Lock()
		s.joins = append(s.joins, f.Event+":"+f.Data.LiveSessionID)
		s.mu.Unlock()
		s.script(n, c)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *liveServer) seenJoins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.joins...)
}

func (s *liveServer) url() string { return "ws" + strings.TrimPrefix(s.URL, "http") }

func newTestChannel(url string) *Channel {
	return NewChannel(Options{
		URL:           url,
		AuthToken:     "secret",
		ReconnectBase: 10 * time.Millisecond,
		ReconnectCap:  50 * time.Millisecond,
	}, nil)
}

func TestJoinIsReplayedAfterReconnect(t *testing.T) {
	srv := newLiveServer(t, func(n int, c *websocket.Conn) {
		if n == 0 {
			return // drop the first connection right after the join
		}
		_ = c.WriteJSON(map[string]any{
			"event": EventReactionAdded,
			"data":  map[string]string{"_id": "r1", "type": "love"},
		})
		_, _, _ = c.ReadMessage()
	})

	ch := newTestChannel(srv.url())
	defer ch.Close()
	got := make(chan Event, 1)
	ch.On(EventReactionAdded, func(ev Event) { got <- ev })
	if err := ch.Join("live-1"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case ev := <-got:
		r, err := ParseReaction(ev.Data)
		if err != nil || r.ID != "r1" {
			t.Fatalf("ParseReaction() = %+v, %v", r, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no event after reconnect")
	}

	want := []string{"join-live:live-1", "join-live:live-1"}
	if joins := srv.seenJoins(); len(joins) != 2 || joins[0] != want[0] || joins[1] != want[1] {
		t.Fatalf("joins = %v, want %v", joins, want)
	}
	srv.mu.Lock()
	auth := srv.auth
	srv.mu.Unlock()
	if auth != "Bearer secret" {
		t.Fatalf("Authorization = %q", auth)
	}
}

func TestJoinTwiceSendsOneFrame(t *testing.T) {
	extra := make(chan string, 1)
	srv := newLiveServer(t, func(n int, c *websocket.Conn) {
		_ = c.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		_, data, err := c.ReadMessage()
		if err == nil {
			extra <- string(data)
		}
	})

	ch := newTestChannel(srv.url())
	defer ch.Close()
	_ = ch.Join("live-1")
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitConnected(t, ch)
	_ = ch.Join("live-1")

	select {
	case f := <-extra:
		t.Fatalf("unexpected second frame %s", f)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestStartTwiceIsRejected(t *testing.T) {
	ch := newTestChannel("ws://127.0.0.1:1/unused")
	defer ch.Close()
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := ch.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestCloseDropsHandlersAndIsIdempotent(t *testing.T) {
	ch := newTestChannel("ws://127.0.0.1:1/unused")
	called := false
	ch.On(EventLiveEnded, func(Event) { called = true })
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ch.Close()
	ch.Close()

	ch.dispatch([]byte(`{"event":"live:ended","data":null}`))
	if called {
		t.Fatalf("handler ran after Close")
	}
	if err := ch.Join("live-1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Join() after Close error = %v, want ErrClosed", err)
	}
	if err := ch.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start() after Close error = %v, want ErrClosed", err)
	}
}

func TestDispatchIgnoresBadFrames(t *testing.T) {
	ch := newTestChannel("ws://unused")
	var got []string
	ch.On(EventViewerCount, func(ev Event) { got = append(got, string(ev.Data)) })

	ch.dispatch([]byte(`not json`))
	ch.dispatch([]byte(`{"data":1}`))
	ch.dispatch([]byte(`{"event":"viewer:count","data":12}`))

	if len(got) != 1 || got[0] != "12" {
		t.Fatalf("dispatched = %v, want [12]", got)
	}
}

func TestLeaveSendsLeaveFrame(t *testing.T) {
	frames := make(chan roomFrame, 1)
	srv := newLiveServer(t, func(n int, c *websocket.Conn) {
		var f roomFrame
		if err := c.ReadJSON(&f); err == nil {
			frames <- f
		}
	})
	ch := newTestChannel(srv.url())
	defer ch.Close()
	_ = ch.Join("live-9")
	_ = ch.Start(context.Background())
	waitConnected(t, ch)

	if err := ch.Leave("live-9"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	select {
	case f := <-frames:
		if f.Event != "leave-live" || f.Data.LiveSessionID != "live-9" {
			t.Fatalf("frame = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no leave frame")
	}
}

func waitConnected(t *testing.T, ch *Channel) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !ch.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("channel never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type closedConn struct{}

func (closedConn) ReadMessage() (int, []byte, error) { return 0, nil, errors.New("closed") }
func (closedConn) WriteMessage(int, []byte) error    { return errors.New("closed") }
func (closedConn) SetWriteDeadline(time.Time) error  { return nil }
func (closedConn) Close() error                      { return nil }

func TestJoinOnDroppedConnectionIsQueued(t *testing.T) {
	c := newTestChannel("ws://127.0.0.1:1/live")
	dropped := newWSConnection(closedConn{})
	dropped.Close()
	c.mu.Lock()
	c.conn = dropped
	c.mu.Unlock()

	if err := c.Join("s1"); err != nil {
		t.Fatalf("Join() error = %v, want nil", err)
	}
	c.mu.Lock()
	_, ok := c.joined["s1"]
	c.mu.Unlock()
	if !ok {
		t.Fatalf("Join() did not record s1 for replay")
	}
}
