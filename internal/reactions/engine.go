package reactions

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveview/internal/domain"
	"github.com/dkeye/liveview/internal/observability"
)

const (
	maxLocalPerType = 64
	maxActive       = 200
	persistTimeout  = 10 * time.Second
)

// Persister stores a reaction on the backend and returns its server id.
type Persister interface {
	PostReaction(ctx context.Context, session domain.SessionID, t domain.ReactionType) (string, error)
}

type Source string

const (
	SourceLocal  Source = "local"
	SourceBurst  Source = "burst"
	SourceRemote Source = "remote"
)

// Floating is one rendered reaction animation. Offset and Rotation are fixed
// when it is created.
type Floating struct {
	ID        string              `json:"id"`
	Type      domain.ReactionType `json:"type"`
	UserID    domain.UserID       `json:"user_id,omitempty"`
	Source    Source              `json:"source"`
	Offset    float64             `json:"offset"`
	Rotation  float64             `json:"rotation"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt time.Time           `json:"expires_at"`
}

type Options struct {
	DisplayDuration time.Duration
	PendingWindow   time.Duration
	LocalWindow     time.Duration
	ServerIDGrace   time.Duration
	MaxProcessedIDs int
	BurstInterval   time.Duration
	SweepInterval   time.Duration

	Now  func() time.Time
	Rand *rand.Rand
}

func (o *Options) defaults() {
	if o.DisplayDuration <= 0 {
		o.DisplayDuration = 2500 * time.Millisecond
	}
	if o.PendingWindow <= 0 {
		o.PendingWindow = 3 * time.Second
	}
	if o.LocalWindow <= 0 {
		o.LocalWindow = 3 * time.Second
	}
	if o.ServerIDGrace <= 0 {
		o.ServerIDGrace = 5 * time.Second
	}
	if o.MaxProcessedIDs <= 0 {
		o.MaxProcessedIDs = 200
	}
	if o.BurstInterval <= 0 {
		o.BurstInterval = 150 * time.Millisecond
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
}

type pendingKey struct {
	user domain.UserID
	t    domain.ReactionType
}

type localEntry struct {
	id string
	at time.Time
}

// Sizes reports how much tracking state the engine currently holds.
type Sizes struct {
	Active    int `json:"active"`
	Pending   int `json:"pending"`
	Local     int `json:"local"`
	ServerIDs int `json:"server_ids"`
	Processed int `json:"processed"`
}

// Engine shows every logical reaction exactly once, including the viewer's
// own reactions that come back over the live channel.
type Engine struct {
	opts    Options
	user    domain.UserID
	session domain.SessionID
	persist Persister
	metrics *observability.Metrics
	logger  zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	mu        sync.Mutex
	active    []Floating
	pending   map[pendingKey]time.Time
	local     map[domain.ReactionType][]localEntry
	serverIDs map[string]time.Time
	processed *idRing
	counts    domain.ReactionCounts
	bursts    map[domain.ReactionType]chan struct{}
	closed    bool
	changed   bool

	onChange       func()
	onPersistError func(domain.ReactionType, error)
}

func NewEngine(opts Options, user domain.UserID, session domain.SessionID, persist Persister, metrics *observability.Metrics) *Engine {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:      opts,
		user:      user,
		session:   session,
		persist:   persist,
		metrics:   metrics,
		logger:    log.With().Str("module", "reactions").Str("session", string(session)).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[pendingKey]time.Time),
		local:     make(map[domain.ReactionType][]localEntry),
		serverIDs: make(map[string]time.Time),
		processed: newIDRing(opts.MaxProcessedIDs),
		counts:    domain.NewReactionCounts(),
		bursts:    make(map[domain.ReactionType]chan struct{}),
	}
}

// OnChange registers fn to run after the active set or counts change.
func (e *Engine) OnChange(fn func()) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// OnPersistError receives failures of the background persist call.
func (e *Engine) OnPersistError(fn func(domain.ReactionType, error)) {
	e.mu.Lock()
	e.onPersistError = fn
	e.mu.Unlock()
}

// Send renders a local reaction immediately and persists it in the
// background.
func (e *Engine) Send(t domain.ReactionType) (Floating, bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Floating{}, false
	}
	now := e.opts.Now()
	f := e.renderLocked("local-"+uuid.NewString(), t, e.user, SourceLocal, now)
	e.pending[pendingKey{e.user, t}] = now
	entries := append(e.local[t], localEntry{id: f.ID, at: now})
	if len(entries) > maxLocalPerType {
		entries = entries[len(entries)-maxLocalPerType:]
	}
	e.local[t] = entries
	e.inflight.Add(1)
	e.reportLocked()
	e.unlockAndNotify()

	e.metrics.CountReaction(string(SourceLocal))
	go e.persistAsync(t, f.ID)
	return f, true
}

func (e *Engine) persistAsync(t domain.ReactionType, provisional string) {
	defer e.inflight.Done()
	if e.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, persistTimeout)
	defer cancel()
	id, err := e.persist.PostReaction(ctx, e.session, t)
	if err != nil {
		e.logger.Warn().Err(err).Str("type", string(t)).Msg("persist reaction failed")
		e.mu.Lock()
		fn := e.onPersistError
		e.mu.Unlock()
		if fn != nil && e.ctx.Err() == nil {
			fn(t, err)
		}
		return
	}
	if id == "" {
		return
	}
	e.mu.Lock()
	if !e.closed {
		e.serverIDs[id] = e.opts.Now().Add(e.opts.ServerIDGrace)
	}
	e.mu.Unlock()
	e.logger.Debug().Str("provisional", provisional).Str("server_id", id).Msg("reaction persisted")
}

// HandleRemote processes a reaction:added event and reports whether it was
// rendered.
func (e *Engine) HandleRemote(ev domain.ReactionEvent) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if ev.ID != "" && !e.processed.Add(ev.ID) {
		e.mu.Unlock()
		e.logger.Debug().Str("id", ev.ID).Msg("duplicate delivery dropped")
		return false
	}
	now := e.opts.Now()
	e.purgeLocked(now)
	e.counts.Inc(ev.Type)
	_, ownPersisted := e.serverIDs[ev.ID]
	renderID := ev.ID
	if renderID == "" {
		renderID = "remote-" + uuid.NewString()
	}

	// An unknown local identity cannot tell users apart, so it falls back to
	// window matching.
	if ev.UserID != "" && e.user != "" && ev.UserID != e.user {
		e.renderLocked(renderID, ev.Type, ev.UserID, SourceRemote, now)
		e.reportLocked()
		e.unlockAndNotify()
		e.metrics.CountReaction(string(SourceRemote))
		return true
	}

	if e.consumeEchoLocked(ev.Type) {
		e.dirty()
		e.reportLocked()
		e.unlockAndNotify()
		e.metrics.CountSuppressed()
		e.logger.Debug().Str("id", ev.ID).Str("type", string(ev.Type)).Bool("known_id", ownPersisted).Msg("echo suppressed")
		return false
	}

	e.renderLocked(renderID, ev.Type, ev.UserID, SourceRemote, now)
	e.reportLocked()
	e.unlockAndNotify()
	e.metrics.CountReaction(string(SourceRemote))
	return true
}

// consumeEchoLocked removes one tracking entry for t if the viewer reacted
// with t inside the grace windows.
func (e *Engine) consumeEchoLocked(t domain.ReactionType) bool {
	key := pendingKey{e.user, t}
	_, pending := e.pending[key]
	entries := e.local[t]
	if !pending && len(entries) == 0 {
		return false
	}
	if len(entries) > 0 {
		entries = entries[1:]
	}
	if len(entries) == 0 {
		delete(e.local, t)
		delete(e.pending, key)
	} else {
		e.local[t] = entries
	}
	return true
}

// StartBurst sends t once and keeps rendering local-only copies every burst
// interval until StopBurst. Only the first press is persisted.
func (e *Engine) StartBurst(t domain.ReactionType) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if _, running := e.bursts[t]; running {
		e.mu.Unlock()
		return false
	}
	stop := make(chan struct{})
	e.bursts[t] = stop
	e.mu.Unlock()

	e.Send(t)
	go e.burstLoop(t, stop)
	return true
}

func (e *Engine) burstLoop(t domain.ReactionType, stop chan struct{}) {
	tick := time.NewTicker(e.opts.BurstInterval)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-e.ctx.Done():
			return
		case <-tick.C:
			e.mu.Lock()
			if e.closed {
				e.mu.Unlock()
				return
			}
			e.renderLocked("burst-"+uuid.NewString(), t, e.user, SourceBurst, e.opts.Now())
			e.unlockAndNotify()
			e.metrics.CountReaction(string(SourceBurst))
		}
	}
}

func (e *Engine) StopBurst(t domain.ReactionType) {
	e.mu.Lock()
	stop, ok := e.bursts[t]
	delete(e.bursts, t)
	e.mu.Unlock()
	if ok {
		close(stop)
	}
}

// renderLocked adds a floating reaction to the active set. Requires e.mu.
func (e *Engine) renderLocked(id string, t domain.ReactionType, user domain.UserID, src Source, now time.Time) Floating {
	f := Floating{
		ID:        id,
		Type:      t,
		UserID:    user,
		Source:    src,
		Offset:    10 + e.opts.Rand.Float64()*80,
		Rotation:  e.opts.Rand.Float64()*40 - 20,
		CreatedAt: now,
		ExpiresAt: now.Add(e.opts.DisplayDuration),
	}
	e.active = append(e.active, f)
	if len(e.active) > maxActive {
		e.active = append(e.active[:0], e.active[len(e.active)-maxActive:]...)
	}
	e.dirty()
	return f
}

// Active returns the reactions still on screen.
func (e *Engine) Active() []Floating {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.purgeLocked(e.opts.Now())
	return append([]Floating(nil), e.active...)
}

func (e *Engine) Counts() domain.ReactionCounts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts.Clone()
}

// SetCounts seeds the per-type totals, typically from the REST snapshot.
func (e *Engine) SetCounts(c domain.ReactionCounts) {
	e.mu.Lock()
	e.counts = c.Clone()
	e.dirty()
	e.unlockAndNotify()
}

func (e *Engine) Sizes() Sizes {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sizesLocked()
}

func (e *Engine) sizesLocked() Sizes {
	local := 0
	for _, entries := range e.local {
		local += len(entries)
	}
	return Sizes{
		Active:    len(e.active),
		Pending:   len(e.pending),
		Local:     local,
		ServerIDs: len(e.serverIDs),
		Processed: e.processed.Len(),
	}
}

// Sweep drops expired animations and tracking entries.
func (e *Engine) Sweep() {
	e.mu.Lock()
	before := len(e.active)
	e.purgeLocked(e.opts.Now())
	if len(e.active) != before {
		e.dirty()
	}
	e.reportLocked()
	e.unlockAndNotify()
}

func (e *Engine) purgeLocked(now time.Time) {
	kept := e.active[:0]
	for _, f := range e.active {
		if now.Before(f.ExpiresAt) {
			kept = append(kept, f)
		}
	}
	for i := len(kept); i < len(e.active); i++ {
		e.active[i] = Floating{}
	}
	e.active = kept

	for k, at := range e.pending {
		if now.Sub(at) >= e.opts.PendingWindow {
			delete(e.pending, k)
		}
	}
	for t, entries := range e.local {
		i := 0
		for i < len(entries) && now.Sub(entries[i].at) >= e.opts.LocalWindow {
			i++
		}
		if i == len(entries) {
			delete(e.local, t)
		} else if i > 0 {
			e.local[t] = entries[i:]
		}
	}
	for id, until := range e.serverIDs {
		if !now.Before(until) {
			delete(e.serverIDs, id)
		}
	}
}

// Run sweeps periodically until ctx is done or the engine is closed.
func (e *Engine) Run(ctx context.Context) {
	tick := time.NewTicker(e.opts.SweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.ctx.Done():
			return
		case <-tick.C:
			e.Sweep()
		}
	}
}

// Close stops bursts and in-flight persists and clears all state.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	bursts := e.bursts
	e.bursts = make(map[domain.ReactionType]chan struct{})
	e.active = nil
	e.pending = make(map[pendingKey]time.Time)
	e.local = make(map[domain.ReactionType][]localEntry)
	e.serverIDs = make(map[string]time.Time)
	e.onChange = nil
	e.onPersistError = nil
	e.mu.Unlock()

	for _, stop := range bursts {
		close(stop)
	}
	e.cancel()
	e.inflight.Wait()
}

func (e *Engine) reportLocked() {
	s := e.sizesLocked()
	e.metrics.SetTracked(s.Pending + s.Local + s.ServerIDs + s.Processed)
}

func (e *Engine) dirty() { e.changed = true }

// unlockAndNotify releases e.mu and runs the change listener if state moved.
func (e *Engine) unlockAndNotify() {
	changed := e.changed
	e.changed = false
	fn := e.onChange
	e.mu.Unlock()
	if changed && fn != nil {
		fn()
	}
}
