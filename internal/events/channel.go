package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveview/internal/domain"
	"github.com/dkeye/liveview/internal/observability"
	"github.com/dkeye/liveview/internal/reliability"
)

const (
	EventReactionAdded   = "reaction:added"
	EventProductAdded    = "product:added"
	EventProductRemoved  = "product:removed"
	EventProductPinned   = "product:pinned"
	EventProductUnpinned = "product:unpinned"
	EventCommentAdded    = "comment:added"
	EventLiveEnded       = "live:ended"
	EventViewerCount     = "viewer:count"

	frameJoin  = "join-live"
	frameLeave = "leave-live"
)

var (
	ErrAlreadyStarted = errors.New("event channel already started")
	ErrClosed         = errors.New("event channel closed")
	errConnClosed     = errors.New("connection closed")
)

// Event is one named server push with its raw payload.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

type Handler func(Event)

type Options struct {
	URL           string
	AuthToken     string
	PingPeriod    time.Duration
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	Dial          DialFunc
}

// Channel is the persistent live event connection of one viewer. It
// reconnects its transport on its own and re-sends every join after each
// reconnect.
type Channel struct {
	opts    Options
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu        sync.Mutex
	handlers  map[string][]Handler
	joined    map[domain.SessionID]struct{}
	conn      *wsConnection
	started   bool
	closed    bool
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
	onStatus  func(connected bool)
}

func NewChannel(opts Options, metrics *observability.Metrics) *Channel {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 500 * time.Millisecond
	}
	if opts.ReconnectCap < opts.ReconnectBase {
		opts.ReconnectCap = 10 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = GorillaDialer(32 << 10)
	}
	return &Channel{
		opts:     opts,
		metrics:  metrics,
		logger:   log.With().Str("module", "events").Logger(),
		handlers: make(map[string][]Handler),
		joined:   make(map[domain.SessionID]struct{}),
	}
}

// On registers h for event. Handlers run on the read goroutine in
// registration order.
func (c *Channel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.handlers[event] = append(c.handlers[event], h)
}

// OnStatus reports transport up/down transitions.
func (c *Channel) OnStatus(fn func(connected bool)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Start launches the connect loop. A channel can be started once.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	return nil
}

// Join subscribes to a session's room. Joining twice is a no-op; the join is
// replayed on every reconnect.
func (c *Channel) Join(id domain.SessionID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.joined[id]; ok {
		c.mu.Unlock()
		return nil
	}
	c.joined[id] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		return c.sendRoomFrame(conn, frameJoin, id)
	}
	return nil
}

func (c *Channel) Leave(id domain.SessionID) error {
	c.mu.Lock()
	if _, ok := c.joined[id]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.joined, id)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		return c.sendRoomFrame(conn, frameLeave, id)
	}
	return nil
}

func (c *Channel) sendRoomFrame(conn *wsConnection, name string, id domain.SessionID) error {
	b, err := json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{name, map[string]domain.SessionID{"liveSessionId": id}})
	if err != nil {
		return err
	}
	if err := conn.TrySend(b); err != nil {
		if errors.Is(err, errConnClosed) {
			// dropped but not yet cleared; serve replays joins on reconnect
			c.logger.Debug().Str("event", name).Str("session", string(id)).Msg("connection closed, frame left for replay")
			return nil
		}
		return fmt.Errorf("send %s: %w", name, err)
	}
	if name == frameJoin {
		c.metrics.CountJoin()
	}
	return nil
}

// Close drops every handler and closes the transport exactly once.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.handlers = make(map[string][]Handler)
	c.onStatus = nil
	cancel, done, conn := c.cancel, c.done, c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			c.logger.Warn().Msg("event loop did not stop in time")
		}
	}
	c.logger.Info().Msg("event channel closed")
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	header := http.Header{}
	if c.opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.opts.AuthToken)
	}

	attempt := 0
	for ctx.Err() == nil {
		raw, err := c.opts.Dial(ctx, c.opts.URL, header)
		if err != nil {
			delay := reliability.ExponentialBackoff(attempt, c.opts.ReconnectBase, c.opts.ReconnectCap)
			attempt++
			c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("event channel dial failed")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		attempt = 0
		c.serve(ctx, newWSConnection(raw))
		if !sleep(ctx, c.opts.ReconnectBase) {
			return
		}
	}
}

// serve runs one transport connection until it drops.
func (c *Channel) serve(ctx context.Context, conn *wsConnection) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.connected = true
	joined := make([]domain.SessionID, 0, len(c.joined))
	for id := range c.joined {
		joined = append(joined, id)
	}
	status := c.onStatus
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, conn.Close)
	defer stop()

	go conn.writeLoop(c.opts.PingPeriod)
	for _, id := range joined {
		if err := c.sendRoomFrame(conn, frameJoin, id); err != nil {
			c.logger.Warn().Err(err).Str("session", string(id)).Msg("re-join failed")
		}
	}
	c.logger.Info().Int("rooms", len(joined)).Msg("event channel connected")
	if status != nil {
		status(true)
	}

	err := conn.readLoop(c.dispatch)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connected = false
	status = c.onStatus
	c.mu.Unlock()
	if ctx.Err() == nil {
		c.logger.Warn().Err(err).Msg("event channel dropped, reconnecting")
	}
	if status != nil {
		status(false)
	}
}

func (c *Channel) dispatch(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil || ev.Name == "" {
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("bad event frame")
		c.metrics.CountEvent("invalid", "rejected")
		return
	}
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[ev.Name]...)
	c.mu.Unlock()
	if len(hs) == 0 {
		c.logger.Debug().Str("event", ev.Name).Msg("no handler")
		c.metrics.CountEvent(ev.Name, "unhandled")
		return
	}
	c.metrics.CountEvent(ev.Name, "ok")
	for _, h := range hs {
		h(ev)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
