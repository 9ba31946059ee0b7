package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveview/internal/core"
)

var errPeerFailed = errors.New("peer connection failed")

// Factory creates subscriber rooms against one media server.
type Factory struct {
	api    *webrtc.API
	cfg    webrtc.Configuration
	dialer *websocket.Dialer
}

var _ core.RoomFactory = (*Factory)(nil)

func NewFactory(iceServers []string, handshakeTimeout time.Duration) (*Factory, error) {
	api, err := NewAPI()
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Factory{
		api:    api,
		cfg:    DefaultWebRTCConfig(iceServers),
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
	}, nil
}

func (f *Factory) NewRoom() (core.RoomConnection, error) {
	return &Room{
		api:    f.api,
		cfg:    f.cfg,
		dialer: f.dialer,
		logger: log.With().Str("module", "rtc").Logger(),
		ready:  make(chan struct{}),
		fail:   make(chan error, 1),
	}, nil
}

// Room is one generation of a subscriber connection: a signaling socket plus
// a receive-only peer connection.
type Room struct {
	api    *webrtc.API
	cfg    webrtc.Configuration
	dialer *websocket.Dialer
	logger zerolog.Logger

	ready chan struct{}
	fail  chan error

	mu        sync.Mutex
	sig       *wsSignalConn
	peer      *WebRTCConnection
	tracks    []core.RemoteTrack
	connected bool
	closed    bool
	lost      bool

	onSub   func(core.RemoteTrack)
	onUnsub func(core.RemoteTrack)
	onDisc  func(core.DisconnectReason)
}

var _ core.RoomConnection = (*Room)(nil)

func signalURL(server, token string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrConfiguration, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("%w: scheme %q", core.ErrConfiguration, u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/rtc"
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the signaling socket and returns once the peer connection is
// up, the server refuses us, or ctx is done.
func (r *Room) Connect(ctx context.Context, server, token string) error {
	target, err := signalURL(server, token)
	if err != nil {
		return err
	}
	ws, resp, err := r.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: handshake status %d", core.ErrInvalidToken, resp.StatusCode)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: dial signal: %v", core.ErrNetwork, err)
	}

	peer, err := NewWebRTCConnection(r.api, r.cfg, r.logger)
	if err != nil {
		_ = ws.Close()
		return fmt.Errorf("%w: peer connection: %v", core.ErrNetwork, err)
	}
	sig := newSignalConn(ws, r.logger)

	peer.OnICECandidate(func(ci webrtc.ICECandidateInit) { sig.sendJSON(candidateMessage(ci)) })
	peer.OnTrack(r.handleTrack)
	peer.OnStateChange(r.handlePeerState)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = peer.Close()
		_ = ws.Close()
		return fmt.Errorf("%w: room closed", core.ErrNetwork)
	}
	r.sig, r.peer = sig, peer
	r.mu.Unlock()

	peer.Start()
	go sig.writePump()
	go func() {
		err := sig.readPump(func(msg signalMessage) { r.handleSignal(sig, peer, msg) })
		r.markLost(core.ReasonSignalClosed, fmt.Errorf("%w: signal closed: %v", core.ErrNetwork, err))
	}()

	select {
	case <-r.ready:
		r.logger.Info().Msg("room connected")
		return nil
	case err := <-r.fail:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) handleSignal(sig *wsSignalConn, peer *WebRTCConnection, msg signalMessage) {
	switch msg.Type {
	case "offer":
		answer, err := peer.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP})
		if err != nil {
			r.logger.Error().Err(err).Msg("webrtc apply offer")
			r.markLost(core.ReasonPeerFailed, fmt.Errorf("%w: apply offer: %v", core.ErrNetwork, err))
			return
		}
		sig.sendJSON(signalMessage{Type: "answer", SDP: answer.SDP})
	case "candidate":
		if err := peer.AddICECandidate(msg.candidate()); err != nil {
			r.logger.Warn().Err(err).Msg("add ice candidate")
		}
	case "ping":
		sig.sendJSON(signalMessage{Type: "pong"})
	case "pong":
	case "leave":
		reason := ParseLeaveReason(msg.Reason)
		err := fmt.Errorf("%w: server left (%s)", core.ErrNetwork, reason)
		if reason.IsEndOfStream() {
			err = fmt.Errorf("%w: %s", core.ErrEndOfStream, reason)
		}
		r.markLost(reason, err)
	case "track_unpublished":
		r.removeTrack(msg.TrackID)
	default:
		r.logger.Warn().Str("type", msg.Type).Msg("unknown signal")
	}
}

// ParseLeaveReason maps the server's leave reason onto a DisconnectReason.
func ParseLeaveReason(s string) core.DisconnectReason {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "room_deleted":
		return core.ReasonRoomDeleted
	case "server_shutdown":
		return core.ReasonServerShutdown
	case "client_initiated":
		return core.ReasonClientInitiated
	case "signal_closed":
		return core.ReasonSignalClosed
	default:
		return core.ReasonUnknown
	}
}

func (r *Room) handlePeerState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		r.mu.Lock()
		if r.connected || r.closed || r.lost {
			r.mu.Unlock()
			return
		}
		r.connected = true
		close(r.ready)
		r.mu.Unlock()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		r.markLost(core.ReasonPeerFailed, fmt.Errorf("%w: %v", core.ErrNetwork, errPeerFailed))
	}
}

// markLost reports the first failure: before the room is up it fails Connect,
// afterwards it fires OnDisconnected. Failures after the owner's Disconnect
// are dropped.
func (r *Room) markLost(reason core.DisconnectReason, err error) {
	r.mu.Lock()
	if r.closed || r.lost {
		r.mu.Unlock()
		return
	}
	r.lost = true
	connected := r.connected
	fn := r.onDisc
	r.mu.Unlock()

	if !connected {
		select {
		case r.fail <- err:
		default:
		}
		return
	}
	r.logger.Warn().Str("reason", string(reason)).Msg("room lost")
	if fn != nil {
		fn(reason)
	}
}

func (r *Room) handleTrack(t *webrtc.TrackRemote) {
	rt := remoteTrack{t: t}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.tracks = append(r.tracks, rt)
	fn := r.onSub
	r.mu.Unlock()
	if fn != nil {
		fn(rt)
	}
}

func (r *Room) removeTrack(id string) {
	r.mu.Lock()
	var removed core.RemoteTrack
	kept := r.tracks[:0]
	for _, t := range r.tracks {
		if t.ID() == id && removed == nil {
			removed = t
			continue
		}
		kept = append(kept, t)
	}
	r.tracks = kept
	fn := r.onUnsub
	r.mu.Unlock()
	if removed != nil && fn != nil {
		fn(removed)
	}
}

// Disconnect sends a best-effort leave and closes both transports. It is
// idempotent.
func (r *Room) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sig, peer := r.sig, r.peer
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		if sig != nil {
			sig.sendJSON(signalMessage{Type: "leave", Reason: string(core.ReasonClientInitiated)})
			sig.Close()
		}
		if peer != nil {
			done <- peer.Close()
			return
		}
		done <- nil
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Room) RemoteTracks() []core.RemoteTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.RemoteTrack(nil), r.tracks...)
}

func (r *Room) OnTrackSubscribed(fn func(core.RemoteTrack)) {
	r.mu.Lock()
	r.onSub = fn
	r.mu.Unlock()
}

func (r *Room) OnTrackUnsubscribed(fn func(core.RemoteTrack)) {
	r.mu.Lock()
	r.onUnsub = fn
	r.mu.Unlock()
}

func (r *Room) OnDisconnected(fn func(core.DisconnectReason)) {
	r.mu.Lock()
	r.onDisc = fn
	r.mu.Unlock()
}

func (r *Room) RemoveAllListeners() {
	r.mu.Lock()
	r.onSub, r.onUnsub, r.onDisc = nil, nil, nil
	r.mu.Unlock()
}
