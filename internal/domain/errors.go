package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrVenueUnavailable  = errors.New("venue unavailable")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrSigningFailed     = errors.New("signing failed")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrContextDone       = errors.New("context cancelled")
	ErrLockHeld          = errors.New("lock already held")
	ErrBookDesynced      = errors.New("orderbook out of sync")
	ErrBookCrossed       = errors.New("orderbook crossed")
	ErrRiskRejected      = errors.New("rejected by risk gate")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrVenueAuth         = errors.New("venue authentication failed")
	ErrMergeFailed       = errors.New("position merge failed")
	ErrDraining          = errors.New("engine is draining")
	ErrBadTransition     = errors.New("invalid state transition")
)
