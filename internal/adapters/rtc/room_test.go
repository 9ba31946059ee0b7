package rtc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/liveview/internal/core"
)

const token = "eyJhbGciOiJIUzI1NiJ9.viewer.signature"

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	f, err := NewFactory(nil, time.Second)
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	room, err := f.NewRoom()
	if err != nil {
		t.Fatalf("NewRoom() error = %v", err)
	}
	r := room.(*Room)
	t.Cleanup(func() { _ = r.Disconnect(context.Background()) })
	return r
}

func TestSignalURL(t *testing.T) {
	got, err := signalURL("wss://media.example.com/", "abc")
	if err != nil {
		t.Fatalf("signalURL() error = %v", err)
	}
	if want := "wss://media.example.com/rtc?access_token=abc"; got != want {
		t.Fatalf("signalURL() = %q, want %q", got, want)
	}
	if _, err := signalURL("https://media.example.com", "abc"); !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("signalURL(https) error = %v, want ErrConfiguration", err)
	}
}

func TestConnectUnauthorizedIsInvalidToken(t *testing.T) {
	var gotPath, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotToken = r.URL.Path, r.URL.Query().Get("access_token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := newTestRoom(t).Connect(context.Background(), wsURL(srv), token)
	if !errors.Is(err, core.ErrInvalidToken) {
		t.Fatalf("Connect() error = %v, want ErrInvalidToken", err)
	}
	if gotPath != "/rtc" || gotToken != token {
		t.Fatalf("handshake path = %q token = %q", gotPath, gotToken)
	}
}

func TestConnectServerErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newTestRoom(t).Connect(context.Background(), wsURL(srv), token)
	if !errors.Is(err, core.ErrNetwork) {
		t.Fatalf("Connect() error = %v, want ErrNetwork", err)
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func TestLeaveBeforeConnectedEndsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteJSON(map[string]string{"type": "leave", "reason": "ROOM_DELETED"})
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	err := newTestRoom(t).Connect(context.Background(), wsURL(srv), token)
	if !errors.Is(err, core.ErrEndOfStream) {
		t.Fatalf("Connect() error = %v, want ErrEndOfStream", err)
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	pong := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteJSON(map[string]string{"type": "ping"})
		for {
			var msg signalMessage
			if err := c.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == "pong" {
				close(pong)
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	room := newTestRoom(t)
	go func() { _ = room.Connect(ctx, wsURL(srv), token) }()

	select {
	case <-pong:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received pong")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	room := newTestRoom(t)
	if room.IsClosed() {
		t.Fatalf("IsClosed() = true before Disconnect")
	}
	if err := room.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := room.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}
	if !room.IsClosed() {
		t.Fatalf("IsClosed() = false after Disconnect")
	}
}

func TestParseLeaveReason(t *testing.T) {
	cases := map[string]core.DisconnectReason{
		"room_deleted":       core.ReasonRoomDeleted,
		"SERVER_SHUTDOWN":    core.ReasonServerShutdown,
		"client_initiated":   core.ReasonClientInitiated,
		"":                   core.ReasonUnknown,
		"duplicate_identity": core.ReasonUnknown,
	}
	for in, want := range cases {
		if got := ParseLeaveReason(in); got != want {
			t.Fatalf("ParseLeaveReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRemoveTrackNotifiesOnce(t *testing.T) {
	room := newTestRoom(t)
	room.tracks = []core.RemoteTrack{stubTrack("a"), stubTrack("b")}
	var removed []string
	room.OnTrackUnsubscribed(func(t core.RemoteTrack) { removed = append(removed, t.ID()) })

	room.removeTrack("a")
	room.removeTrack("missing")

	if len(removed) != 1 || removed[0] != "a" {
		t.Fatalf("removed = %v, want [a]", removed)
	}
	if got := room.RemoteTracks(); len(got) != 1 || got[0].ID() != "b" {
		t.Fatalf("RemoteTracks() = %v", got)
	}
}

type stubTrack string

func (s stubTrack) ID() string           { return string(s) }
func (s stubTrack) Kind() core.TrackKind { return core.TrackKindVideo }
func (s stubTrack) Participant() string  { return "host" }
func (s stubTrack) MimeType() string     { return "video/VP8" }
