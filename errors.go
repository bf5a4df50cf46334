package tasklink

import (
	"errors"
)

var (
	ErrInvalidCfg      = errors.New("broker: invalid options")
	ErrBrokerClosed    = errors.New("broker: shutting down")
	ErrJoinCluster     = errors.New("broker: could not join cluster")
	ErrInvalidInstance = errors.New("broker: instance id must be in [1, 2^18)")
	ErrNoPeering       = errors.New("broker: peering is disabled")

	ErrChannelHalted   = errors.New("channel: halted")
	ErrBackpressure    = errors.New("channel: window is closed, wait for feedme")
	ErrInvalidPriority = errors.New("channel: invalid priority")
	ErrInvalidPath     = errors.New("channel: empty destination path")
	ErrNotInService    = errors.New("channel: request is not in service")
	ErrNotLocal        = errors.New("channel: request was not sent by this channel")
)
