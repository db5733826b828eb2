package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrNotConfigured     = errors.New("credentials not configured")
	ErrInactive          = errors.New("credentials inactive")
	ErrBotDisabled       = errors.New("bot disabled")
	ErrLockHeld          = errors.New("lock already held")
	ErrDuplicatePosition = errors.New("open position already exists")
	ErrSymbolBanned      = errors.New("symbol banned for user")
	ErrRateLimited       = errors.New("rate limited")
	ErrPositionClosed    = errors.New("position already closed")
)
