package core

import (
	"context"

	"github.com/pion/rtp"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// RemoteTrack is a subscribed remote media track.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	// Participant is the identity of the publisher.
	Participant() string
	MimeType() string
}

// RTPReader is implemented by tracks that carry real media.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, error)
}

type DisconnectReason string

const (
	ReasonUnknown         DisconnectReason = "unknown"
	ReasonClientInitiated DisconnectReason = "client_initiated"
	ReasonRoomDeleted     DisconnectReason = "room_deleted"
	ReasonServerShutdown  DisconnectReason = "server_shutdown"
	ReasonSignalClosed    DisconnectReason = "signal_closed"
	ReasonPeerFailed      DisconnectReason = "peer_failed"
)

// IsEndOfStream reports whether the server ended the stream for good.
func (r DisconnectReason) IsEndOfStream() bool {
	return r == ReasonRoomDeleted || r == ReasonServerShutdown
}

// RoomConnection is one generation of a media room connection.
// Owned by the media manager; the manager must Disconnect() it.
type RoomConnection interface {
	// Connect joins the room and returns once media can flow or ctx is done.
	Connect(ctx context.Context, url, token string) error
	// Disconnect closes the connection. It may block; callers bound it with ctx.
	Disconnect(ctx context.Context) error
	IsClosed() bool
	// RemoteTracks returns the tracks already subscribed.
	RemoteTracks() []RemoteTrack
	OnTrackSubscribed(func(RemoteTrack))
	OnTrackUnsubscribed(func(RemoteTrack))
	// OnDisconnected is not called for Disconnect initiated by the owner.
	OnDisconnected(func(DisconnectReason))
	// RemoveAllListeners drops every callback set above.
	RemoveAllListeners()
}

// RoomFactory creates a fresh RoomConnection for every generation.
type RoomFactory interface {
	NewRoom() (RoomConnection, error)
}
