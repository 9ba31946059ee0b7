package core

import "errors"

var (
	// ErrConfiguration covers a bad access token or a malformed server URL.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvalidToken is returned when the server rejects the access token.
	ErrInvalidToken = errors.New("invalid access token")
	// ErrTimeout is returned when connecting exceeds its deadline.
	ErrTimeout = errors.New("connect timeout")
	// ErrNetwork covers unexpected transport failures.
	ErrNetwork = errors.New("network error")
	// ErrEndOfStream means the server deleted the room or shut down.
	ErrEndOfStream = errors.New("stream ended")
	// ErrMediaDevice is a non-fatal sink level failure.
	ErrMediaDevice = errors.New("media device error")
	// ErrAutoplayBlocked means playback needs a user gesture.
	ErrAutoplayBlocked = errors.New("autoplay blocked")

	ErrConnectInProgress = errors.New("connect already in progress")
	ErrStreamEnded       = errors.New("session already ended")
	ErrBackpressure      = errors.New("backpressure")

	ErrNotFound = errors.New("live session not found")
	ErrNotLive  = errors.New("live session is not live")
)
