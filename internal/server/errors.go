package server

import "errors"

var (
	// ErrRouting is returned, wrapping its cause, when no backend could be
	// chosen for a connection.
	ErrRouting = errors.New("routing failed")

	// ErrUnsupportedPlatform is returned by Start where epoll is unavailable.
	ErrUnsupportedPlatform = errors.New("relay engine requires linux")

	ErrNoListeners = errors.New("no listeners configured")
)
