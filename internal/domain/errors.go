package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrNoSnapshot        = errors.New("no snapshot available yet")
	ErrNotTracked        = errors.New("position not tracked")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidSample     = errors.New("malformed feed sample")
	ErrInvalidEvent      = errors.New("invalid lifecycle event")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrPositionClosed    = errors.New("position already exited")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrLockHeld          = errors.New("lock already held")
)
