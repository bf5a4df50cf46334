package request

import (
	"errors"

	"github.com/raskyld/tasklink/pkg/wire"
)

var (
	ErrNotAnswered = errors.New("request: no response yet")

	ErrBounceNoDestination = errors.New("request: no destination")
	ErrBounceNoMethod      = errors.New("request: no such method")
	ErrBounceNoPeer        = errors.New("request: no peer serves the destination")
	ErrBounceBrokerError   = errors.New("request: broker error")
	ErrBounceTimeout       = errors.New("request: timed out")
	ErrBounceSequenceReset = errors.New("request: sequence reset")
	ErrBounceServerReset   = errors.New("request: server reset")
	ErrBounceTerminated    = errors.New("request: terminated")
	ErrBounceMalformed     = errors.New("request: malformed")
)

// BounceErr maps a bounce code to its sentinel error, nil for none.
func BounceErr(code wire.Bounce) error {
	switch code {
	case wire.BounceNone:
		return nil
	case wire.BounceNoDestination:
		return ErrBounceNoDestination
	case wire.BounceNoMethod:
		return ErrBounceNoMethod
	case wire.BounceNoPeer:
		return ErrBounceNoPeer
	case wire.BounceBrokerError:
		return ErrBounceBrokerError
	case wire.BounceTimeout:
		return ErrBounceTimeout
	case wire.BounceSequenceReset:
		return ErrBounceSequenceReset
	case wire.BounceServerReset:
		return ErrBounceServerReset
	case wire.BounceTerminated:
		return ErrBounceTerminated
	default:
		return ErrBounceMalformed
	}
}
