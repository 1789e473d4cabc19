package exception

import "github.com/yanun0323/errors"

var (
	ErrDuplicateIntent    = errors.New("order: duplicate intent")
	ErrInvalidIntent      = errors.New("order: invalid intent")
	ErrUnknownOrder       = errors.New("order: not found")
	ErrInvalidTransition  = errors.New("order: invalid state transition")
	ErrQueueFull          = errors.New("order: queue full")
	ErrCoordinatorClosed  = errors.New("order: coordinator closed")
	ErrVerificationFailed = errors.New("order: verification failed")
)
