package core

import "context"

// Sink renders one remote track of a fixed kind.
// A sink is exclusively written by the active media generation.
type Sink interface {
	Kind() TrackKind
	// Attach replaces the current source with t.
	Attach(t RemoteTrack) error
	Detach()
	Source() RemoteTrack
	// Play starts rendering. userGesture marks an explicit user action.
	Play(ctx context.Context, userGesture bool) error
	Muted() bool
}
