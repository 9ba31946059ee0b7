package sink

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/liveview/internal/core"
)

type rtpTrack struct {
	id   string
	kind core.TrackKind
	mime string
	pkts chan *rtp.Packet
}

func newRTPTrack(id string, kind core.TrackKind, mime string) *rtpTrack {
	return &rtpTrack{id: id, kind: kind, mime: mime, pkts: make(chan *rtp.Packet, 16)}
}

func (t *rtpTrack) ID() string           { return t.id }
func (t *rtpTrack) Kind() core.TrackKind { return t.kind }
func (t *rtpTrack) Participant() string  { return "host/1" }
func (t *rtpTrack) MimeType() string     { return t.mime }

func (t *rtpTrack) ReadRTP() (*rtp.Packet, error) {
	p, ok := <-t.pkts
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

func TestPlayHonorsAutoplayPolicy(t *testing.T) {
	cases := []struct {
		name    string
		policy  AutoplayPolicy
		muted   bool
		gesture bool
		wantErr error
	}{
		{"allowed unmuted", AutoplayAllowed, false, false, nil},
		{"muted-only muted", AutoplayMutedOnly, true, false, nil},
		{"muted-only unmuted", AutoplayMutedOnly, false, false, core.ErrAutoplayBlocked},
		{"muted-only unmuted gesture", AutoplayMutedOnly, false, true, nil},
		{"gesture muted", AutoplayGesture, true, false, core.ErrAutoplayBlocked},
		{"gesture with gesture", AutoplayGesture, true, true, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(core.TrackKindAudio, Options{Muted: tc.muted, Policy: tc.policy})
			tr := newRTPTrack("a1", core.TrackKindAudio, webrtc.MimeTypeOpus)
			if err := s.Attach(tr); err != nil {
				t.Fatalf("Attach() error = %v", err)
			}
			defer func() {
				close(tr.pkts)
				s.Detach()
			}()

			err := s.Play(context.Background(), tc.gesture)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Play() error = %v, want %v", err, tc.wantErr)
			}
			if got := s.Stats().Playing; got != (tc.wantErr == nil) {
				t.Fatalf("Stats().Playing = %v", got)
			}
		})
	}
}

func TestGestureUnlocksLaterPlays(t *testing.T) {
	s := New(core.TrackKindAudio, Options{Policy: AutoplayMutedOnly})
	_ = s.Attach(newRTPTrack("a1", core.TrackKindAudio, webrtc.MimeTypeOpus))
	if err := s.Play(context.Background(), true); err != nil {
		t.Fatalf("Play(gesture) error = %v", err)
	}

	_ = s.Attach(newRTPTrack("a2", core.TrackKindAudio, webrtc.MimeTypeOpus))
	if err := s.Play(context.Background(), false); err != nil {
		t.Fatalf("Play() after gesture error = %v", err)
	}
	s.Detach()
}

func TestAttachRejectsWrongKind(t *testing.T) {
	s := New(core.TrackKindVideo, Options{Muted: true})
	err := s.Attach(newRTPTrack("a1", core.TrackKindAudio, webrtc.MimeTypeOpus))
	if !errors.Is(err, core.ErrMediaDevice) {
		t.Fatalf("Attach() error = %v, want ErrMediaDevice", err)
	}
	if s.Source() != nil {
		t.Fatalf("Source() set after rejected attach")
	}
}

func TestPlayWithoutSource(t *testing.T) {
	s := New(core.TrackKindVideo, Options{Muted: true, Policy: AutoplayAllowed})
	if err := s.Play(context.Background(), false); !errors.Is(err, core.ErrMediaDevice) {
		t.Fatalf("Play() error = %v, want ErrMediaDevice", err)
	}
}

func TestLoopCountsPackets(t *testing.T) {
	s := New(core.TrackKindVideo, Options{Muted: true})
	tr := newRTPTrack("v1", core.TrackKindVideo, webrtc.MimeTypeVP8)
	if err := s.Attach(tr); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		tr.pkts <- &rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(i)}, Payload: []byte{1, 2}}
	}
	close(tr.pkts)

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Packets < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("Stats().Packets = %d, want 3", s.Stats().Packets)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Stats().Bytes; got != 6 {
		t.Fatalf("Stats().Bytes = %d, want 6", got)
	}
	s.Detach()
}

func TestRecordDirCreatesFilePerCodec(t *testing.T) {
	dir := t.TempDir()
	video := New(core.TrackKindVideo, Options{Muted: true, RecordDir: dir})
	audio := New(core.TrackKindAudio, Options{RecordDir: dir})

	vt := newRTPTrack("TR_v", core.TrackKindVideo, webrtc.MimeTypeVP8)
	at := newRTPTrack("TR_a", core.TrackKindAudio, webrtc.MimeTypeOpus)
	if err := video.Attach(vt); err != nil {
		t.Fatalf("video Attach() error = %v", err)
	}
	if err := audio.Attach(at); err != nil {
		t.Fatalf("audio Attach() error = %v", err)
	}
	close(vt.pkts)
	close(at.pkts)
	video.Detach()
	audio.Detach()

	for _, name := range []string{"host_1-TR_v.ivf", "host_1-TR_a.ogg"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("recording %s missing: %v", name, err)
		}
	}
}

func TestUnsupportedCodecIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	s := New(core.TrackKindVideo, Options{Muted: true, RecordDir: dir})
	tr := newRTPTrack("TR_h264", core.TrackKindVideo, webrtc.MimeTypeH264)
	if err := s.Attach(tr); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	close(tr.pkts)
	s.Detach()

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("recordings = %d, want 0", len(entries))
	}
}

func TestRecorderFailureIsMediaDeviceError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing", "nested")
	s := New(core.TrackKindVideo, Options{Muted: true, RecordDir: dir})
	err := s.Attach(newRTPTrack("v1", core.TrackKindVideo, webrtc.MimeTypeVP8))
	if !errors.Is(err, core.ErrMediaDevice) {
		t.Fatalf("Attach() error = %v, want ErrMediaDevice", err)
	}
}

func TestParseAutoplayPolicy(t *testing.T) {
	if p, err := ParseAutoplayPolicy(""); err != nil || p != AutoplayMutedOnly {
		t.Fatalf("ParseAutoplayPolicy(\"\") = %q, %v", p, err)
	}
	if p, err := ParseAutoplayPolicy("Gesture"); err != nil || p != AutoplayGesture {
		t.Fatalf("ParseAutoplayPolicy(Gesture) = %q, %v", p, err)
	}
	if _, err := ParseAutoplayPolicy("never"); !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("ParseAutoplayPolicy(never) error = %v", err)
	}
}
