package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveview/internal/core"
)

// AutoplayPolicy emulates the playback permission a browser applies to
// media elements.
type AutoplayPolicy string

const (
	// AutoplayAllowed lets every sink start on its own.
	AutoplayAllowed AutoplayPolicy = "allowed"
	// AutoplayMutedOnly lets muted sinks start; unmuted ones wait for a gesture.
	AutoplayMutedOnly AutoplayPolicy = "muted-only"
	// AutoplayGesture requires a gesture for every sink.
	AutoplayGesture AutoplayPolicy = "gesture"
)

func ParseAutoplayPolicy(s string) (AutoplayPolicy, error) {
	switch p := AutoplayPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case AutoplayAllowed, AutoplayMutedOnly, AutoplayGesture:
		return p, nil
	case "":
		return AutoplayMutedOnly, nil
	default:
		return "", fmt.Errorf("%w: unknown autoplay policy %q", core.ErrConfiguration, s)
	}
}

type Options struct {
	Muted  bool
	Policy AutoplayPolicy
	// RecordDir receives one file per attached track. Empty discards media.
	RecordDir string
}

type mediaWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// Stats counts what the sink consumed from its current and past sources.
type Stats struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	Playing bool   `json:"playing"`
}

// TrackSink renders a single remote track of one kind.
type TrackSink struct {
	kind   core.TrackKind
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	src      core.RemoteTrack
	writer   mediaWriter
	cancel   context.CancelFunc
	done     chan struct{}
	playing  bool
	unlocked bool

	packets atomic.Uint64
	bytes   atomic.Uint64
}

var _ core.Sink = (*TrackSink)(nil)

func New(kind core.TrackKind, opts Options) *TrackSink {
	if opts.Policy == "" {
		opts.Policy = AutoplayMutedOnly
	}
	return &TrackSink{
		kind:   kind,
		opts:   opts,
		logger: log.With().Str("module", "sink").Str("kind", string(kind)).Logger(),
	}
}

func (s *TrackSink) Kind() core.TrackKind { return s.kind }
func (s *TrackSink) Muted() bool          { return s.opts.Muted }

func (s *TrackSink) Source() core.RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src
}

func (s *TrackSink) Stats() Stats {
	s.mu.Lock()
	playing := s.playing
	s.mu.Unlock()
	return Stats{Packets: s.packets.Load(), Bytes: s.bytes.Load(), Playing: playing}
}

// Attach replaces the current source with t. Media is read only if t carries
// RTP.
func (s *TrackSink) Attach(t core.RemoteTrack) error {
	if t == nil {
		return fmt.Errorf("%w: nil track", core.ErrMediaDevice)
	}
	if t.Kind() != s.kind {
		return fmt.Errorf("%w: %s track on %s sink", core.ErrMediaDevice, t.Kind(), s.kind)
	}
	s.Detach()

	w, err := s.openWriter(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.src = t
	s.writer = w
	if reader, ok := t.(core.RTPReader); ok {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.loop(ctx, reader, w, s.done)
	}
	s.mu.Unlock()

	s.logger.Info().Str("track", t.ID()).Str("mime", t.MimeType()).Bool("recording", w != nil).Msg("track attached")
	return nil
}

// Detach stops reading the current source and closes its recording.
func (s *TrackSink) Detach() {
	s.mu.Lock()
	src, w, cancel, done := s.src, s.writer, s.cancel, s.done
	s.src, s.writer, s.cancel, s.done = nil, nil, nil, nil
	s.playing = false
	s.mu.Unlock()

	if src == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		// ReadRTP only returns once the remote track ends, so do not wait
		// for the loop forever.
		select {
		case <-done:
		case <-time.After(500 * time.Millisecond):
		}
	}
	if w != nil {
		if err := w.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close recording")
		}
	}
	s.logger.Debug().Str("track", src.ID()).Msg("track detached")
}

// Play starts rendering the attached source under the autoplay policy.
func (s *TrackSink) Play(ctx context.Context, userGesture bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.src == nil {
		return fmt.Errorf("%w: nothing attached", core.ErrMediaDevice)
	}
	if userGesture {
		s.unlocked = true
	}
	if !s.allowedLocked() {
		s.playing = false
		return core.ErrAutoplayBlocked
	}
	s.playing = true
	return nil
}

func (s *TrackSink) allowedLocked() bool {
	if s.unlocked {
		return true
	}
	switch s.opts.Policy {
	case AutoplayAllowed:
		return true
	case AutoplayMutedOnly:
		return s.opts.Muted
	default:
		return false
	}
}

func (s *TrackSink) openWriter(t core.RemoteTrack) (mediaWriter, error) {
	if s.opts.RecordDir == "" {
		return nil, nil
	}
	name := fmt.Sprintf("%s-%s", sanitize(t.Participant()), sanitize(t.ID()))
	var (
		w   mediaWriter
		err error
	)
	switch strings.ToLower(t.MimeType()) {
	case strings.ToLower(webrtc.MimeTypeVP8):
		w, err = ivfwriter.New(filepath.Join(s.opts.RecordDir, name+".ivf"))
	case strings.ToLower(webrtc.MimeTypeOpus):
		w, err = oggwriter.New(filepath.Join(s.opts.RecordDir, name+".ogg"), 48000, 2)
	default:
		s.logger.Warn().Str("mime", t.MimeType()).Msg("no recorder for codec, discarding media")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open recorder: %v", core.ErrMediaDevice, err)
	}
	return w, nil
}

// loop reads RTP from the source until it ends or the sink detaches.
func (s *TrackSink) loop(ctx context.Context, src core.RTPReader, w mediaWriter, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, err := src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				s.logger.Info().Msg("source ended")
			} else {
				s.logger.Error().Err(err).Msg("read RTP error, stopping")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.packets.Add(1)
		s.bytes.Add(uint64(len(pkt.Payload)))
		if w == nil {
			continue
		}
		if err := w.WriteRTP(pkt); err != nil {
			s.logger.Debug().Err(err).Uint16("seq", pkt.SequenceNumber).Msg("recorder rejected packet")
		}
	}
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
