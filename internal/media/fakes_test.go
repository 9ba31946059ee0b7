package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/liveview/internal/core"
)

type fakeTrack struct {
	id   string
	kind core.TrackKind
}

func (t fakeTrack) ID() string           { return t.id }
func (t fakeTrack) Kind() core.TrackKind { return t.kind }
func (t fakeTrack) Participant() string  { return "host" }
func (t fakeTrack) MimeType() string     { return "" }

type fakeRoom struct {
	mu sync.Mutex

	n               int
	connectErr      error
	connectGate     chan struct{} // Connect waits for close(gate), ignoring ctx
	disconnectGate  chan struct{}
	tracks          []core.RemoteTrack
	onSub           func(core.RemoteTrack)
	onUnsub         func(core.RemoteTrack)
	onDisc          func(core.DisconnectReason)
	closed          bool
	disconnectCalls int
}

func (r *fakeRoom) Connect(ctx context.Context, url, token string) error {
	if r.connectGate != nil {
		<-r.connectGate
	}
	return r.connectErr
}

func (r *fakeRoom) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	r.disconnectCalls++
	gate := r.disconnectGate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeRoom) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *fakeRoom) RemoteTracks() []core.RemoteTrack { return r.tracks }

func (r *fakeRoom) OnTrackSubscribed(fn func(core.RemoteTrack)) {
	r.mu.Lock()
	r.onSub = fn
	r.mu.Unlock()
}

func (r *fakeRoom) OnTrackUnsubscribed(fn func(core.RemoteTrack)) {
	r.mu.Lock()
	r.onUnsub = fn
	r.mu.Unlock()
}

func (r *fakeRoom) OnDisconnected(fn func(core.DisconnectReason)) {
	r.mu.Lock()
	r.onDisc = fn
	r.mu.Unlock()
}

func (r *fakeRoom) RemoveAllListeners() {
	r.mu.Lock()
	r.onSub, r.onUnsub, r.onDisc = nil, nil, nil
	r.mu.Unlock()
}

func (r *fakeRoom) hasListeners() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onSub != nil || r.onUnsub != nil || r.onDisc != nil
}

func (r *fakeRoom) emitDisconnect(reason core.DisconnectReason) {
	r.mu.Lock()
	fn := r.onDisc
	r.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

func (r *fakeRoom) emitTrack(t core.RemoteTrack) {
	r.mu.Lock()
	fn := r.onSub
	r.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// fakeFactory hands out rooms built by next and records whether an older
// generation still had listeners when a new one was created.
type fakeFactory struct {
	mu         sync.Mutex
	rooms      []*fakeRoom
	next       func(n int) *fakeRoom
	violations int
}

func (f *fakeFactory) NewRoom() (core.RoomConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, old := range f.rooms {
		if old.hasListeners() {
			f.violations++
		}
	}
	n := len(f.rooms)
	r := &fakeRoom{}
	if f.next != nil {
		r = f.next(n)
	}
	r.n = n
	f.rooms = append(f.rooms, r)
	return r, nil
}

func (f *fakeFactory) room(i int) *fakeRoom {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms)
}

type fakeSink struct {
	mu       sync.Mutex
	kind     core.TrackKind
	muted    bool
	src      core.RemoteTrack
	attaches int
	playErr  error
	// gestureErr is returned when Play is called with a user gesture.
	gestureErr error
}

func (s *fakeSink) Kind() core.TrackKind { return s.kind }
func (s *fakeSink) Muted() bool          { return s.muted }

func (s *fakeSink) Attach(t core.RemoteTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Kind() != s.kind {
		return errors.New("kind mismatch")
	}
	s.src = t
	s.attaches++
	return nil
}

func (s *fakeSink) Detach() {
	s.mu.Lock()
	s.src = nil
	s.mu.Unlock()
}

func (s *fakeSink) Source() core.RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src
}

func (s *fakeSink) Play(ctx context.Context, userGesture bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userGesture {
		return s.gestureErr
	}
	return s.playErr
}

// manualScheduler records delays and runs callbacks only when fired.
type manualScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []*manualTimer
}

type manualTimer struct {
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (s *manualScheduler) schedule(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{f: f}
	s.delays = append(s.delays, d)
	s.pending = append(s.pending, t)
	return t
}

// fire runs the most recently scheduled live timer.
func (s *manualScheduler) fire(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	var next *manualTimer
	for i := len(s.pending) - 1; i >= 0; i-- {
		if !s.pending[i].stopped {
			next = s.pending[i]
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if next == nil {
		t.Fatalf("fire(): nothing scheduled")
	}
	next.f()
}

func (s *manualScheduler) scheduled() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type harness struct {
	m     *Manager
	rooms *fakeFactory
	video *fakeSink
	audio *fakeSink
	sched *manualScheduler
}

const validToken = "eyJhbGciOiJIUzI1NiJ9.viewer-token.signature"

func newHarness(t *testing.T, next func(n int) *fakeRoom) *harness {
	t.Helper()
	h := &harness{
		rooms: &fakeFactory{next: next},
		video: &fakeSink{kind: core.TrackKindVideo, muted: true},
		audio: &fakeSink{kind: core.TrackKindAudio},
		sched: &manualScheduler{},
	}
	h.m = NewManager(Options{
		ServerURL:         "wss://media.example.com",
		ConnectTimeout:    2 * time.Second,
		DisconnectTimeout: 50 * time.Millisecond,
		SettleDelay:       time.Millisecond,
		BackoffBase:       time.Second,
		BackoffCap:        8 * time.Second,
		MinTokenLength:    20,
		Scheduler:         h.sched.schedule,
	}, h.rooms, h.video, h.audio, nil)
	return h
}

func (s *manualScheduler) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pending {
		if !p.stopped {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
