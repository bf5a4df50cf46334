package sockset

import (
	"context"
	"log/slog"
	"sync"

	"github.com/raskyld/tasklink/pkg/telemetry"
	"github.com/raskyld/tasklink/pkg/wire"
)

// InboundSource yields accepted streams, see [Transport.Inbound].
type InboundSource interface {
	Inbound() <-chan *Inbound
}

// Accepted is a new set created from the first stream of a peer channel.
type Accepted struct {
	Set       *Set
	Handshake wire.Handshake
	Peer      Hostname
}

type setKey struct {
	instance uint32
	channel  uint32
}

// Listener groups inbound streams into sets: every stream sharing the
// instance and channel of its handshake lands in the same set, one socket
// per priority.
type Listener struct {
	src    InboundSource
	mk     func(hs wire.Handshake, peer Hostname) *Set
	logger *slog.Logger

	lk   sync.Mutex
	sets map[setKey]*Set
}

// NewListener calls mk to build the set of every new peer channel.
func NewListener(src InboundSource, mk func(hs wire.Handshake, peer Hostname) *Set, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		src:    src,
		mk:     mk,
		logger: logger,
		sets:   make(map[setKey]*Set),
	}
}

// Accept returns the next new set. Streams for sets already returned are
// attached in the meantime.
func (l *Listener) Accept(ctx context.Context) (*Accepted, error) {
	for {
		var in *Inbound
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case in = <-l.src.Inbound():
		}

		hs := in.Handshake
		key := setKey{instance: hs.InstanceID, channel: hs.ChannelID}
		logger := l.logger.With(
			telemetry.LabelPeerInstance.L(hs.InstanceID),
			telemetry.LabelChannelID.L(hs.ChannelID),
			telemetry.LabelPriority.L(hs.Priority.String()),
		)

		l.lk.Lock()
		set, known := l.sets[key]
		if known && set.Closed() {
			delete(l.sets, key)
			known = false
		}
		if !known {
			set = l.mk(hs, in.Peer)
			l.sets[key] = set
		}
		l.lk.Unlock()

		if err := set.Attach(hs.Priority, in.Stream, in.Reader); err != nil {
			logger.Warn("sockset: refusing inbound stream", telemetry.LabelError.L(err))
			in.Stream.CancelRead(QErrStreamProtocolViolation)
			in.Stream.CancelWrite(QErrStreamProtocolViolation)
			continue
		}
		if known {
			logger.Debug("sockset: inbound stream joined its set")
			continue
		}
		return &Accepted{Set: set, Handshake: hs, Peer: in.Peer}, nil
	}
}

// Forget drops a set so the next stream from the same peer channel starts
// a fresh one.
func (l *Listener) Forget(set *Set) {
	l.lk.Lock()
	defer l.lk.Unlock()
	for key, s := range l.sets {
		if s == set {
			delete(l.sets, key)
		}
	}
}
