package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveview/internal/core"
	"github.com/dkeye/liveview/internal/domain"
	"github.com/dkeye/liveview/internal/observability"
	"github.com/dkeye/liveview/internal/reliability"
)

var errSuperseded = errors.New("connect superseded by a newer generation")

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type Options struct {
	ServerURL         string
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	SettleDelay       time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MinTokenLength    int
	// Scheduler defaults to time.AfterFunc.
	Scheduler Scheduler
}

type Credentials struct {
	RoomName domain.RoomName
	Token    string
}

// Handle describes a successful connection generation.
type Handle struct {
	Generation  uint64
	RoomName    domain.RoomName
	ConnectedAt time.Time
}

// Snapshot is a point-in-time copy of the manager state.
type Snapshot struct {
	State            core.ConnectionState `json:"state"`
	Ended            bool                 `json:"ended"`
	EndReason        string               `json:"end_reason,omitempty"`
	Reconnecting     bool                 `json:"reconnecting"`
	Attempts         int                  `json:"attempts"`
	NeedsInteraction bool                 `json:"needs_interaction"`
	LastError        string               `json:"last_error,omitempty"`
	Generation       uint64               `json:"generation"`
	RoomName         domain.RoomName      `json:"room_name,omitempty"`
}

// Manager owns exactly one live media room connection at a time.
//
// Every callback registered on a room captures the generation it was created
// for; once the generation moves on the callback is a no-op.
type Manager struct {
	opts     Options
	rooms    core.RoomFactory
	video    core.Sink
	audio    core.Sink
	metrics  *observability.Metrics
	logger   zerolog.Logger
	schedule Scheduler

	// sinkMu serializes sink attach and play against detachAll. Lock order
	// is sinkMu then mu; nothing takes sinkMu while holding mu.
	sinkMu sync.Mutex

	mu               sync.Mutex
	state            core.ConnectionState
	connecting       bool
	reconnecting     bool
	room             core.RoomConnection
	roomName         domain.RoomName
	generation       uint64
	last             *Credentials
	attempted        *Credentials
	attempts         int
	timer            Timer
	cancelConnect    context.CancelFunc
	ended            bool
	endReason        string
	needsInteraction bool
	lastErr          error
	dirty            bool
	listeners        []func(Snapshot)
}

func NewManager(opts Options, rooms core.RoomFactory, video, audio core.Sink, metrics *observability.Metrics) *Manager {
	if opts.Scheduler == nil {
		opts.Scheduler = afterFunc
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = 3 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap < opts.BackoffBase {
		opts.BackoffCap = 8 * opts.BackoffBase
	}
	m := &Manager{
		opts:     opts,
		rooms:    rooms,
		video:    video,
		audio:    audio,
		metrics:  metrics,
		logger:   log.With().Str("module", "media").Logger(),
		schedule: opts.Scheduler,
		state:    core.StateDisconnected,
	}
	metrics.SetConnectionState(m.state)
	return m
}

// OnStateChange registers fn to receive a snapshot after every transition.
// fn runs outside the manager lock.
func (m *Manager) OnStateChange(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) State() core.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect validates the credentials, retires any previous generation and
// connects a fresh room. Concurrent calls fail with core.ErrConnectInProgress.
func (m *Manager) Connect(ctx context.Context, roomName domain.RoomName, token string) (*Handle, error) {
	creds := Credentials{RoomName: roomName, Token: strings.TrimSpace(token)}
	if err := m.validate(creds); err != nil {
		m.mu.Lock()
		if !m.connecting && !m.ended && m.room == nil {
			m.lastErr = err
			m.setStateLocked(core.StateError)
		}
		m.unlockAndNotify()
		m.logger.Error().Err(err).Msg("refusing to connect")
		return nil, err
	}
	return m.connect(ctx, creds, false)
}

// Retry reconnects with the last attempted credentials. It is the manual
// recovery path out of core.StateError.
func (m *Manager) Retry(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	attempted := m.attempted
	m.mu.Unlock()
	if attempted == nil {
		return nil, fmt.Errorf("%w: nothing to retry", core.ErrConfiguration)
	}
	return m.Connect(ctx, attempted.RoomName, attempted.Token)
}

func (m *Manager) validate(c Credentials) error {
	if c.RoomName == "" {
		return fmt.Errorf("%w: room name is empty", core.ErrConfiguration)
	}
	if c.Token == "" {
		return fmt.Errorf("%w: access token is empty", core.ErrConfiguration)
	}
	if len(c.Token) < m.opts.MinTokenLength {
		return fmt.Errorf("%w: access token too short (%d chars)", core.ErrConfiguration, len(c.Token))
	}
	u, err := url.Parse(m.opts.ServerURL)
	if err != nil {
		return fmt.Errorf("%w: server url: %v", core.ErrConfiguration, err)
	}
	if (u.Scheme != "wss" && u.Scheme != "ws") || u.Host == "" {
		return fmt.Errorf("%w: server url %q is not a websocket url", core.ErrConfiguration, m.opts.ServerURL)
	}
	return nil
}

func (m *Manager) connect(ctx context.Context, creds Credentials, isReconnect bool) (*Handle, error) {
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return nil, core.ErrStreamEnded
	}
	if m.connecting {
		m.mu.Unlock()
		return nil, core.ErrConnectInProgress
	}
	m.connecting = true
	m.attempted = &creds
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancelConnect = cancel
	old := m.room
	m.room = nil
	m.generation++
	gen := m.generation
	m.roomName = creds.RoomName
	m.setStateLocked(core.StateConnecting)
	m.unlockAndNotify()

	defer func() {
		cancel()
		m.mu.Lock()
		m.connecting = false
		m.cancelConnect = nil
		m.mu.Unlock()
	}()

	logger := m.logger.With().Uint64("gen", gen).Str("room", string(creds.RoomName)).Bool("reconnect", isReconnect).Logger()

	if old != nil {
		logger.Info().Msg("retiring previous room generation")
		m.retire(ctx, old)
		if err := sleepCtx(ctx, m.opts.SettleDelay); err != nil {
			return nil, m.failConnect(gen, err, isReconnect)
		}
	}

	room, err := m.rooms.NewRoom()
	if err != nil {
		return nil, m.failConnect(gen, fmt.Errorf("%w: new room: %v", core.ErrNetwork, err), isReconnect)
	}
	m.bind(room, gen)

	start := time.Now()
	if err := m.dial(ctx, room, creds, logger); err != nil {
		room.RemoveAllListeners()
		m.closeRoom(room, logger)
		return nil, m.failConnect(gen, err, isReconnect)
	}

	m.mu.Lock()
	if gen != m.generation || m.ended {
		m.mu.Unlock()
		logger.Info().Msg("connected generation was superseded, tearing it down")
		room.RemoveAllListeners()
		m.closeRoom(room, logger)
		return nil, errSuperseded
	}
	m.room = room
	m.last = &creds
	m.attempts = 0
	m.lastErr = nil
	m.setStateLocked(core.StateConnected)
	m.unlockAndNotify()

	m.metrics.ObserveConnectLatency(time.Since(start))
	logger.Info().Dur("took", time.Since(start)).Msg("room connected")

	for _, t := range room.RemoteTracks() {
		m.attach(gen, t)
	}
	if m.current(gen) {
		m.play(ctx, false)
	}

	return &Handle{Generation: gen, RoomName: creds.RoomName, ConnectedAt: time.Now()}, nil
}

// dial races room.Connect against the connect timeout. The loser's result is
// dropped.
func (m *Manager) dial(parent context.Context, room core.RoomConnection, creds Credentials, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(parent, m.opts.ConnectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- room.Connect(ctx, m.opts.ServerURL, creds.Token) }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
			return fmt.Errorf("%w after %s", core.ErrTimeout, m.opts.ConnectTimeout)
		}
		return classify(err)
	case <-ctx.Done():
		if err := parent.Err(); err != nil {
			return err
		}
		go func() {
			if err := <-done; err == nil {
				logger.Warn().Msg("late connect result ignored after timeout")
			}
		}()
		return fmt.Errorf("%w after %s", core.ErrTimeout, m.opts.ConnectTimeout)
	}
}

func classify(err error) error {
	for _, known := range []error{
		core.ErrConfiguration, core.ErrInvalidToken, core.ErrTimeout,
		core.ErrNetwork, core.ErrEndOfStream, context.Canceled,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", core.ErrNetwork, err)
}

func (m *Manager) failConnect(gen uint64, err error, isReconnect bool) error {
	m.mu.Lock()
	defer m.unlockAndNotify()
	if gen != m.generation || m.ended {
		return err
	}
	m.lastErr = err
	if errors.Is(err, core.ErrEndOfStream) {
		m.endLocked(err.Error())
		return err
	}
	if isReconnect && reliability.IsRetryable(err) {
		// stays connecting; reconnect() schedules the next attempt
		return err
	}
	m.setStateLocked(core.StateError)
	m.logger.Error().Err(err).Uint64("gen", gen).Msg("connect failed")
	return err
}

func (m *Manager) bind(room core.RoomConnection, gen uint64) {
	room.OnTrackSubscribed(func(t core.RemoteTrack) {
		if m.attach(gen, t) {
			m.play(context.Background(), false)
		}
	})
	room.OnTrackUnsubscribed(func(t core.RemoteTrack) {
		m.sinkMu.Lock()
		defer m.sinkMu.Unlock()
		if !m.current(gen) {
			return
		}
		for _, s := range m.sinks() {
			if src := s.Source(); src != nil && src.ID() == t.ID() {
				s.Detach()
			}
		}
	})
	room.OnDisconnected(func(reason core.DisconnectReason) {
		m.onDisconnected(gen, reason)
	})
}

func (m *Manager) onDisconnected(gen uint64, reason core.DisconnectReason) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		m.logger.Debug().Uint64("gen", gen).Str("reason", string(reason)).Msg("stale generation disconnect ignored")
		return
	}
	room := m.room
	m.room = nil
	m.generation++

	switch {
	case reason.IsEndOfStream():
		m.endLocked(string(reason))
	case reason == core.ReasonClientInitiated:
		m.setStateLocked(core.StateDisconnected)
	default:
		m.lastErr = fmt.Errorf("%w: %s", core.ErrNetwork, reason)
		m.scheduleReconnectLocked()
	}
	m.unlockAndNotify()

	m.logger.Warn().Uint64("gen", gen).Str("reason", string(reason)).Msg("room disconnected")
	if room != nil {
		room.RemoveAllListeners()
		m.detachAll()
		go m.closeRoom(room, m.logger)
	}
}

// scheduleReconnectLocked arms the backoff timer. Requires m.mu.
func (m *Manager) scheduleReconnectLocked() {
	if m.ended || m.last == nil {
		m.setStateLocked(core.StateDisconnected)
		return
	}
	if m.timer != nil {
		return
	}
	delay := reliability.ExponentialBackoff(m.attempts, m.opts.BackoffBase, m.opts.BackoffCap)
	m.attempts++
	m.setStateLocked(core.StateConnecting)
	m.timer = m.schedule(delay, m.reconnect)
	m.metrics.IncReconnect()
	m.logger.Info().Int("attempt", m.attempts).Dur("delay", delay).Msg("reconnect scheduled")
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	m.timer = nil
	if m.ended || m.reconnecting || m.last == nil {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	creds := *m.last
	m.dirty = true
	m.unlockAndNotify()

	_, err := m.connect(context.Background(), creds, true)

	m.mu.Lock()
	m.reconnecting = false
	m.dirty = true
	switch {
	case err == nil, m.ended:
	case errors.Is(err, core.ErrConnectInProgress), errors.Is(err, errSuperseded), errors.Is(err, context.Canceled):
		// another connect owns the manager now
	case reliability.IsRetryable(err):
		m.scheduleReconnectLocked()
	default:
		m.setStateLocked(core.StateError)
	}
	m.unlockAndNotify()
}

// Disconnect tears down the current generation. It never blocks longer than
// the disconnect timeout and is safe to call repeatedly.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelConnect != nil {
		m.cancelConnect()
	}
	room := m.room
	m.room = nil
	m.generation++
	m.attempts = 0
	m.last = nil
	if !m.ended {
		m.setStateLocked(core.StateDisconnected)
	}
	m.unlockAndNotify()

	if room == nil {
		return nil
	}
	room.RemoveAllListeners()
	m.detachAll()
	m.closeRoomCtx(ctx, room, m.logger)
	return nil
}

// MarkEnded records that the session ended by other means (e.g. an event on
// the live channel). It is terminal like a server end-of-stream signal.
func (m *Manager) MarkEnded(reason string) {
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return
	}
	room := m.room
	m.room = nil
	m.generation++
	if m.cancelConnect != nil {
		m.cancelConnect()
	}
	m.endLocked(reason)
	m.unlockAndNotify()

	if room != nil {
		room.RemoveAllListeners()
		m.detachAll()
		go m.closeRoom(room, m.logger)
	}
}

func (m *Manager) endLocked(reason string) {
	m.ended = true
	m.endReason = reason
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.lastErr = core.ErrEndOfStream
	m.needsInteraction = false
	m.setStateLocked(core.StateDisconnected)
	m.logger.Info().Str("reason", reason).Msg("stream ended")
}

// ResumePlayback retries playback after an explicit user gesture. It never
// reconnects.
func (m *Manager) ResumePlayback(ctx context.Context) error {
	m.mu.Lock()
	connected := m.room != nil && m.state == core.StateConnected
	m.mu.Unlock()
	if !connected {
		return fmt.Errorf("%w: not connected", core.ErrNetwork)
	}
	if blocked := m.play(ctx, true); blocked {
		return core.ErrAutoplayBlocked
	}
	return nil
}

func (m *Manager) sinks() []core.Sink {
	out := make([]core.Sink, 0, 2)
	if m.video != nil {
		out = append(out, m.video)
	}
	if m.audio != nil {
		out = append(out, m.audio)
	}
	return out
}

// current reports whether gen is the connected generation.
func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation && m.room != nil && !m.ended
}

// attach routes t to the sink of its kind. Audio never goes to the video
// sink, so attaching audio leaves the video source untouched. Tracks of a
// superseded generation are dropped.
func (m *Manager) attach(gen uint64, t core.RemoteTrack) bool {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	if !m.current(gen) {
		m.logger.Debug().Uint64("gen", gen).Str("track", t.ID()).Msg("stale generation track dropped")
		return false
	}
	var s core.Sink
	switch t.Kind() {
	case core.TrackKindVideo:
		s = m.video
	case core.TrackKindAudio:
		s = m.audio
	}
	if s == nil {
		return false
	}
	if err := s.Attach(t); err != nil {
		m.logger.Warn().Err(err).Uint64("gen", gen).Str("track", t.ID()).Msg("attach failed")
		return false
	}
	m.logger.Debug().Uint64("gen", gen).Str("track", t.ID()).Str("kind", string(t.Kind())).Msg("track attached")
	return true
}

// play starts every sink with a source and reports whether autoplay blocked
// any of them.
func (m *Manager) play(ctx context.Context, userGesture bool) bool {
	blocked := false
	m.sinkMu.Lock()
	for _, s := range m.sinks() {
		if s.Source() == nil {
			continue
		}
		err := s.Play(ctx, userGesture)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrAutoplayBlocked):
			blocked = true
		default:
			m.logger.Warn().Err(err).Str("sink", string(s.Kind())).Msg("media device error")
		}
	}
	m.sinkMu.Unlock()
	m.mu.Lock()
	if m.needsInteraction != blocked {
		m.needsInteraction = blocked
		m.dirty = true
	}
	m.unlockAndNotify()
	return blocked
}

func (m *Manager) detachAll() {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	for _, s := range m.sinks() {
		s.Detach()
	}
}

// retire removes listeners first so a slow teardown cannot touch the sinks.
func (m *Manager) retire(ctx context.Context, room core.RoomConnection) {
	room.RemoveAllListeners()
	m.detachAll()
	m.closeRoomCtx(ctx, room, m.logger)
}

func (m *Manager) closeRoom(room core.RoomConnection, logger zerolog.Logger) {
	m.closeRoomCtx(context.Background(), room, logger)
}

func (m *Manager) closeRoomCtx(parent context.Context, room core.RoomConnection, logger zerolog.Logger) {
	if room.IsClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), m.opts.DisconnectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- room.Disconnect(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			logger.Warn().Err(err).Msg("room disconnect error")
		}
	case <-ctx.Done():
		logger.Warn().Dur("timeout", m.opts.DisconnectTimeout).Msg("room disconnect timed out, continuing cleanup")
	}
}

func (m *Manager) setStateLocked(s core.ConnectionState) {
	if m.state == s {
		return
	}
	m.state = s
	m.dirty = true
	m.metrics.SetConnectionState(s)
}

func (m *Manager) snapshotLocked() Snapshot {
	s := Snapshot{
		State:            m.state,
		Ended:            m.ended,
		EndReason:        m.endReason,
		Reconnecting:     m.reconnecting || m.timer != nil,
		Attempts:         m.attempts,
		NeedsInteraction: m.needsInteraction,
		Generation:       m.generation,
		RoomName:         m.roomName,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// unlockAndNotify releases m.mu and fans out a snapshot if anything changed.
func (m *Manager) unlockAndNotify() {
	if !m.dirty || len(m.listeners) == 0 {
		m.dirty = false
		m.mu.Unlock()
		return
	}
	m.dirty = false
	snap := m.snapshotLocked()
	listeners := append([]func(Snapshot){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
