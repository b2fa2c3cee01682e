package stream

import "errors"

var (
	// ErrPoolExhausted is returned by acquire when every connection is busy
	// and the pool is at maxConnections. The caller decides whether to wait,
	// defer, or degrade.
	ErrPoolExhausted = errors.New("stream: connection pool exhausted")

	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("stream: connection pool closed")

	// ErrUnknownGroup is returned when a subscription group has no entry in
	// the group table.
	ErrUnknownGroup = errors.New("stream: unknown subscription group")

	// ErrAlreadySubscribed is returned when subscribing a group that already
	// has an active stream.
	ErrAlreadySubscribed = errors.New("stream: group already subscribed")

	// ErrNotSubscribed is returned when operating on a group without an
	// active stream.
	ErrNotSubscribed = errors.New("stream: group not subscribed")
)
