// Package viewer runs one viewer of one live session: it bootstraps the
// session over REST, drives the media manager, and folds live events into a
// single view state.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/liveview/internal/core"
	"github.com/dkeye/liveview/internal/domain"
	"github.com/dkeye/liveview/internal/events"
	"github.com/dkeye/liveview/internal/media"
	"github.com/dkeye/liveview/internal/observability"
	"github.com/dkeye/liveview/internal/products"
	"github.com/dkeye/liveview/internal/reactions"
	"github.com/dkeye/liveview/internal/signaling"
)

const (
	defaultMaxComments = 50
	noticeTTL          = 5 * time.Second
)

var (
	ErrClosed         = errors.New("viewer closed")
	ErrAlreadyStarted = errors.New("viewer already started")
)

// API is the REST backend as the viewer uses it.
type API interface {
	FetchCredentials(ctx context.Context, id domain.SessionID) (signaling.Credentials, error)
	AnnounceJoin(ctx context.Context, id domain.SessionID)
	AnnounceLeave(ctx context.Context, id domain.SessionID)
	LiveProducts(ctx context.Context, id domain.SessionID) ([]domain.LiveProductEntry, error)
	ReactionCounts(ctx context.Context, id domain.SessionID) (domain.ReactionCounts, error)
	reactions.Persister
}

type Media interface {
	Connect(ctx context.Context, room domain.RoomName, token string) (*media.Handle, error)
	Retry(ctx context.Context) (*media.Handle, error)
	Disconnect(ctx context.Context) error
	MarkEnded(reason string)
	ResumePlayback(ctx context.Context) error
	Snapshot() media.Snapshot
	OnStateChange(func(media.Snapshot))
}

type Events interface {
	On(event string, h events.Handler)
	OnStatus(func(connected bool))
	Start(ctx context.Context) error
	Join(id domain.SessionID) error
	Leave(id domain.SessionID) error
	Close()
}

type Options struct {
	SessionID   domain.SessionID
	User        domain.User
	Reactions   reactions.Options
	MaxComments int
	Now         func() time.Time
}

// Viewer is safe for concurrent use.
type Viewer struct {
	opts     Options
	api      API
	media    Media
	events   Events
	engine   *reactions.Engine
	products *products.List
	logger   zerolog.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu             sync.Mutex
	session        domain.LiveSession
	loaded         bool
	fatal          error
	comments       []domain.Comment
	viewers        int
	eventsUp       bool
	notice         string
	noticeAt       time.Time
	dismissed      string
	announced      bool
	started        bool
	closed         bool
	version        uint64
	subscribers    map[int]chan struct{}
	nextSubscriber int
	closeOnce      sync.Once
}

func New(opts Options, api API, m Media, ev Events, metrics *observability.Metrics) *Viewer {
	if opts.MaxComments <= 0 {
		opts.MaxComments = defaultMaxComments
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Reactions.Now == nil {
		opts.Reactions.Now = opts.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &Viewer{
		opts:        opts,
		api:         api,
		media:       m,
		events:      ev,
		products:    products.NewList(),
		logger:      log.With().Str("module", "viewer").Str("session", string(opts.SessionID)).Logger(),
		runCtx:      ctx,
		cancelRun:   cancel,
		session:     domain.LiveSession{ID: opts.SessionID, Status: domain.StatusPending},
		subscribers: make(map[int]chan struct{}),
	}
	v.engine = reactions.NewEngine(opts.Reactions, opts.User.ID, opts.SessionID, api, metrics)
	return v
}

// Start loads the session and, when it is live, connects media and the live
// event channel. Media failures do not fail Start; they show up in State.
func (v *Viewer) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	if v.started {
		v.mu.Unlock()
		return ErrAlreadyStarted
	}
	v.started = true
	v.mu.Unlock()

	creds, err := v.bootstrap(ctx)
	if err != nil {
		v.mu.Lock()
		v.fatal = err
		v.mu.Unlock()
		v.notify()
		return err
	}

	v.engine.OnChange(v.notify)
	v.engine.OnPersistError(func(t domain.ReactionType, err error) {
		v.setNotice(fmt.Sprintf("could not send %s reaction", t))
	})
	go v.engine.Run(v.runCtx)

	if !creds.Session.IsLive() {
		v.logger.Info().Str("status", string(creds.Session.Status)).Msg("session is not live, not connecting")
		v.end("session is not live")
		return nil
	}

	v.media.OnStateChange(func(s media.Snapshot) {
		if s.Ended {
			v.markSessionEnded()
		}
		v.notify()
	})
	v.registerHandlers()
	v.events.OnStatus(func(up bool) {
		v.mu.Lock()
		v.eventsUp = up
		v.mu.Unlock()
		v.notify()
	})

	if _, err := v.media.Connect(ctx, creds.Session.RoomName, creds.AccessToken); err != nil {
		v.logger.Warn().Err(err).Msg("media connect failed")
		if errors.Is(err, core.ErrEndOfStream) {
			v.markSessionEnded()
			v.notify()
			return nil
		}
	} else {
		v.api.AnnounceJoin(ctx, v.opts.SessionID)
		v.mu.Lock()
		v.announced = true
		v.mu.Unlock()
	}

	if err := v.events.Start(v.runCtx); err != nil {
		return fmt.Errorf("start event channel: %w", err)
	}
	if err := v.events.Join(v.opts.SessionID); err != nil {
		v.logger.Warn().Err(err).Msg("join live room failed")
	}
	return nil
}

// bootstrap fetches credentials, products and reaction counts concurrently.
// Only a credentials failure other than "not live" is fatal.
func (v *Viewer) bootstrap(ctx context.Context) (signaling.Credentials, error) {
	var creds signaling.Credentials
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c, err := v.api.FetchCredentials(gctx, v.opts.SessionID)
		if err != nil && !errors.Is(err, core.ErrNotLive) {
			return fmt.Errorf("fetch credentials: %w", err)
		}
		creds = c
		return nil
	})
	g.Go(func() error {
		list, err := v.api.LiveProducts(gctx, v.opts.SessionID)
		if err != nil {
			if gctx.Err() == nil {
				v.logger.Warn().Err(err).Msg("load products failed")
				v.setNotice("could not load products")
			}
			return nil
		}
		v.products.Replace(list)
		return nil
	})
	g.Go(func() error {
		counts, err := v.api.ReactionCounts(gctx, v.opts.SessionID)
		if err != nil {
			if gctx.Err() == nil {
				v.logger.Warn().Err(err).Msg("load reaction counts failed")
			}
			return nil
		}
		v.engine.SetCounts(counts)
		return nil
	})
	if err := g.Wait(); err != nil {
		return creds, err
	}

	v.mu.Lock()
	creds.Session.ID = v.opts.SessionID
	v.session = creds.Session
	v.viewers = creds.Session.CurrentViewers
	v.loaded = true
	v.mu.Unlock()
	v.notify()
	return creds, nil
}

func (v *Viewer) registerHandlers() {
	v.events.On(events.EventReactionAdded, func(ev events.Event) {
		r, err := events.ParseReaction(ev.Data)
		if err != nil {
			v.logger.Warn().Err(err).Msg("bad reaction event")
			return
		}
		v.engine.HandleRemote(r)
	})
	v.events.On(events.EventProductAdded, func(ev events.Event) {
		entries, err := events.ParseProductAdded(ev.Data)
		if err != nil {
			v.logger.Warn().Err(err).Msg("bad product event")
			return
		}
		for _, e := range entries {
			v.products.Add(e)
		}
		v.notify()
	})
	productOp := map[string]func(domain.ProductRef) bool{
		events.EventProductRemoved:  v.products.Remove,
		events.EventProductPinned:   v.products.Pin,
		events.EventProductUnpinned: v.products.Unpin,
	}
	for name, op := range productOp {
		v.events.On(name, func(ev events.Event) {
			ref, err := events.ParseProductRef(ev.Name, ev.Data)
			if err != nil {
				v.logger.Warn().Err(err).Str("event", ev.Name).Msg("bad product event")
				return
			}
			if !op(ref) {
				v.logger.Debug().Str("event", ev.Name).Interface("ref", ref).Msg("no matching product")
				return
			}
			v.notify()
		})
	}
	v.events.On(events.EventCommentAdded, func(ev events.Event) {
		c, err := events.ParseComment(ev.Data)
		if err != nil {
			v.logger.Warn().Err(err).Msg("bad comment event")
			return
		}
		v.addComment(c)
	})
	v.events.On(events.EventViewerCount, func(ev events.Event) {
		n, err := events.ParseViewerCount(ev.Data)
		if err != nil {
			return
		}
		v.mu.Lock()
		v.viewers = n
		v.mu.Unlock()
		v.notify()
	})
	v.events.On(events.EventLiveEnded, func(ev events.Event) {
		ended, err := events.ParseLiveEnded(ev.Data)
		if err != nil {
			v.logger.Warn().Err(err).Msg("bad live:ended event")
		}
		if ended.SessionID != "" && ended.SessionID != v.opts.SessionID {
			return
		}
		reason := ended.Reason
		if reason == "" {
			reason = "host ended the stream"
		}
		v.end(reason)
	})
}

func (v *Viewer) addComment(c domain.Comment) {
	v.mu.Lock()
	if c.ID != "" {
		for _, existing := range v.comments {
			if existing.ID == c.ID {
				v.mu.Unlock()
				return
			}
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = v.opts.Now()
	}
	v.comments = append(v.comments, c)
	if over := len(v.comments) - v.opts.MaxComments; over > 0 {
		v.comments = append([]domain.Comment(nil), v.comments[over:]...)
	}
	v.mu.Unlock()
	v.notify()
}

// end makes the session terminal for this viewer.
func (v *Viewer) end(reason string) {
	v.markSessionEnded()
	v.media.MarkEnded(reason)
	v.notify()
}

func (v *Viewer) markSessionEnded() {
	v.mu.Lock()
	v.session.End(v.opts.Now())
	v.mu.Unlock()
}

func (v *Viewer) ended() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.session.Status == domain.StatusEnded
}

// React sends one reaction from the local viewer.
func (v *Viewer) React(t domain.ReactionType) error {
	if err := v.interactive(); err != nil {
		return err
	}
	if _, ok := v.engine.Send(t); !ok {
		return ErrClosed
	}
	return nil
}

func (v *Viewer) StartBurst(t domain.ReactionType) error {
	if err := v.interactive(); err != nil {
		return err
	}
	v.engine.StartBurst(t)
	return nil
}

func (v *Viewer) StopBurst(t domain.ReactionType) { v.engine.StopBurst(t) }

func (v *Viewer) interactive() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case v.closed:
		return ErrClosed
	case v.session.Status == domain.StatusEnded:
		return core.ErrStreamEnded
	case !v.loaded:
		return core.ErrNotLive
	}
	return nil
}

func (v *Viewer) ResumePlayback(ctx context.Context) error {
	return v.media.ResumePlayback(ctx)
}

// Retry is the manual recovery action for a connection error.
func (v *Viewer) Retry(ctx context.Context) error {
	if v.ended() {
		return core.ErrStreamEnded
	}
	v.mu.Lock()
	v.dismissed = ""
	v.mu.Unlock()
	_, err := v.media.Retry(ctx)
	if err == nil {
		v.mu.Lock()
		announce := !v.announced
		v.announced = true
		v.mu.Unlock()
		if announce {
			v.api.AnnounceJoin(ctx, v.opts.SessionID)
		}
	}
	return err
}

// DismissError hides the current connection error until a different one
// occurs.
func (v *Viewer) DismissError() {
	msg := v.media.Snapshot().LastError
	v.mu.Lock()
	v.dismissed = msg
	v.mu.Unlock()
	v.notify()
}

func (v *Viewer) setNotice(msg string) {
	v.mu.Lock()
	v.notice = msg
	v.noticeAt = v.opts.Now()
	v.mu.Unlock()
	v.notify()
}

// Subscribe returns a channel that receives a signal whenever the view state
// may have changed, and a func to stop the subscription.
func (v *Viewer) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	v.mu.Lock()
	id := v.nextSubscriber
	v.nextSubscriber++
	if v.closed {
		close(ch)
	} else {
		v.subscribers[id] = ch
	}
	v.mu.Unlock()
	return ch, func() {
		v.mu.Lock()
		if c, ok := v.subscribers[id]; ok {
			delete(v.subscribers, id)
			close(c)
		}
		v.mu.Unlock()
	}
}

func (v *Viewer) notify() {
	v.mu.Lock()
	v.version++
	for _, ch := range v.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	v.mu.Unlock()
}

// Close tears down the event channel, the reaction engine and the media
// connection, and tells the backend the viewer left.
func (v *Viewer) Close(ctx context.Context) error {
	var err error
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.closed = true
		announced := v.announced
		subs := v.subscribers
		v.subscribers = make(map[int]chan struct{})
		v.mu.Unlock()

		_ = v.events.Leave(v.opts.SessionID)
		v.events.Close()
		v.engine.Close()
		v.cancelRun()
		err = v.media.Disconnect(ctx)
		if announced {
			v.api.AnnounceLeave(ctx, v.opts.SessionID)
		}
		for _, ch := range subs {
			close(ch)
		}
		v.logger.Info().Msg("viewer closed")
	})
	return err
}
