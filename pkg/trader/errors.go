package trader

import "errors"

var (
	ErrUnknownPosition = errors.New("unknown position")
	ErrNotConnected    = errors.New("exchanges not connected")
	ErrAlreadyRunning  = errors.New("controller already running")
	ErrNotArmed        = errors.New("automated trading not armed")
)
