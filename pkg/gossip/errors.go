package gossip

import "errors"

var (
	// ErrNoAdvertiseAddress is returned by Start when the socket is
	// bound to a wildcard address and no advertise address was
	// configured, so no peer-visible endpoint name can be synthesized.
	ErrNoAdvertiseAddress = errors.New("listening on a wildcard address and no advertise address configured")

	// ErrAlreadyStarted is returned by Start on a gossiper that is
	// already running.
	ErrAlreadyStarted = errors.New("gossiper already started")

	// ErrNotStarted is returned by operations that need a running
	// gossiper.
	ErrNotStarted = errors.New("gossiper not started")
)
