package registry

import "errors"

var (
	ErrNoDestination  = errors.New("registry: no destination")
	ErrNoMethod       = errors.New("registry: method not bound")
	ErrNoPeer         = errors.New("registry: nothing serves the destination")
	ErrAlreadyBound   = errors.New("registry: method already bound locally")
	ErrPathMismatch   = errors.New("registry: path does not match its hash")
	ErrNoChannelID    = errors.New("registry: channel ids exhausted")
	ErrInvalidBinding = errors.New("registry: invalid binding")
)
