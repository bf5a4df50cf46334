// Package wire holds everything that crosses a transport: the fixed-size
// message header, the channel handshake record, the method-binding control
// message and the length-prefixed frame codec used on QUIC streams.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// HeaderSize is the size in bytes of an encoded [Header].
const HeaderSize = 40

const (
	MaxBrokerID  = 1<<18 - 1
	MaxChannelID = 1<<14 - 1
	MaxTimeout   = 1<<16 - 1
)

// Priority of a message. Higher values are served first.
type Priority uint8

const (
	PriorityBackground Priority = iota
	PriorityDefault
	PriorityHigh

	NumPriorities = 3
)

func (p Priority) Valid() bool {
	return p < NumPriorities
}

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityDefault:
		return "default"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// Bounce explains why the broker, rather than the destination, produced a
// response.
type Bounce uint8

const (
	BounceNone Bounce = iota
	BounceNoDestination
	BounceNoMethod
	BounceNoPeer
	BounceBrokerError
	BounceTimeout
	BounceSequenceReset
	BounceServerReset
	BounceTerminated
	BounceMalformed

	maxBounce = BounceMalformed
)

func (b Bounce) String() string {
	switch b {
	case BounceNone:
		return "none"
	case BounceNoDestination:
		return "no-destination"
	case BounceNoMethod:
		return "no-method"
	case BounceNoPeer:
		return "no-peer"
	case BounceBrokerError:
		return "broker-error"
	case BounceTimeout:
		return "timeout"
	case BounceSequenceReset:
		return "sequence-reset"
	case BounceServerReset:
		return "server-reset"
	case BounceTerminated:
		return "terminated"
	case BounceMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("bounce(%d)", uint8(b))
	}
}

// PayloadFormat tells the receiving side how to interpret the payload.
type PayloadFormat uint8

const (
	FormatRaw PayloadFormat = iota
	FormatProto
	FormatJSON
	FormatText

	maxFormat = 7
)

// ID identifies a request while it is live. The triplet is packed on 64 bits
// on the wire: 18 bits of broker, 14 bits of channel, 32 bits of local id.
type ID struct {
	Broker  uint32
	Channel uint32
	Local   uint32
}

func (id ID) Pack() uint64 {
	return uint64(id.Broker&MaxBrokerID)<<46 |
		uint64(id.Channel&MaxChannelID)<<32 |
		uint64(id.Local)
}

func UnpackID(v uint64) ID {
	return ID{
		Broker:  uint32(v>>46) & MaxBrokerID,
		Channel: uint32(v>>32) & MaxChannelID,
		Local:   uint32(v),
	}
}

// Origin packs the broker and channel parts, which identify the client
// channel that created the request.
func (id ID) Origin() uint32 {
	return (id.Broker&MaxBrokerID)<<14 | id.Channel&MaxChannelID
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) String() string {
	return fmt.Sprintf("%d.%d.%d", id.Broker, id.Channel, id.Local)
}

// Header is prepended to every message.
//
// The last 64 bits are a union: a request carries AckID and Seq, a
// response carries AckID and Window. AckID occupies the same slot in both
// directions so an acknowledgment can ride on either.
type Header struct {
	IsRequest bool
	Bounce    Bounce
	Format    PayloadFormat
	Priority  Priority
	Blocking  bool
	Cancel    bool
	NoOp      bool
	Ack       bool

	// Timeout in centiseconds.
	Timeout uint16

	ID          ID
	PathHash    uint64
	Method      uint32
	PayloadSize uint32
	StreamID    uint32

	AckID  uint32
	Seq    uint32
	Window uint32
}

const (
	flagRequest  = 1 << 31
	flagBlocking = 1 << 20
	flagCancel   = 1 << 19
	flagNoOp     = 1 << 18
	flagAck      = 1 << 17

	shiftBounce   = 27
	shiftFormat   = 24
	shiftPriority = 21
)

// AppendHeader encodes h at the end of dst.
func AppendHeader(dst []byte, h *Header) []byte {
	var word uint32
	if h.IsRequest {
		word |= flagRequest
	}
	word |= uint32(h.Bounce&0xF) << shiftBounce
	word |= uint32(h.Format&0x7) << shiftFormat
	word |= uint32(h.Priority&0x7) << shiftPriority
	if h.Blocking {
		word |= flagBlocking
	}
	if h.Cancel {
		word |= flagCancel
	}
	if h.NoOp {
		word |= flagNoOp
	}
	if h.Ack {
		word |= flagAck
	}
	word |= uint32(h.Timeout)

	dst = binary.BigEndian.AppendUint32(dst, word)
	dst = binary.BigEndian.AppendUint64(dst, h.ID.Pack())
	dst = binary.BigEndian.AppendUint64(dst, h.PathHash)
	dst = binary.BigEndian.AppendUint32(dst, h.Method)
	dst = binary.BigEndian.AppendUint32(dst, h.PayloadSize)
	dst = binary.BigEndian.AppendUint32(dst, h.StreamID)
	dst = binary.BigEndian.AppendUint32(dst, h.AckID)
	if h.IsRequest {
		dst = binary.BigEndian.AppendUint32(dst, h.Seq)
	} else {
		dst = binary.BigEndian.AppendUint32(dst, h.Window)
	}
	return dst
}

// MarshalBinary implements [encoding.BinaryMarshaler].
func (h *Header) MarshalBinary() ([]byte, error) {
	return AppendHeader(make([]byte, 0, HeaderSize), h), nil
}

// UnmarshalBinary implements [encoding.BinaryUnmarshaler].
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: header is %d bytes, need %d", ErrMalformed, len(buf), HeaderSize)
	}

	word := binary.BigEndian.Uint32(buf[0:4])
	decoded := Header{
		IsRequest: word&flagRequest != 0,
		Bounce:    Bounce(word>>shiftBounce) & 0xF,
		Format:    PayloadFormat(word>>shiftFormat) & 0x7,
		Priority:  Priority(word>>shiftPriority) & 0x7,
		Blocking:  word&flagBlocking != 0,
		Cancel:    word&flagCancel != 0,
		NoOp:      word&flagNoOp != 0,
		Ack:       word&flagAck != 0,
		Timeout:   uint16(word),

		ID:          UnpackID(binary.BigEndian.Uint64(buf[4:12])),
		PathHash:    binary.BigEndian.Uint64(buf[12:20]),
		Method:      binary.BigEndian.Uint32(buf[20:24]),
		PayloadSize: binary.BigEndian.Uint32(buf[24:28]),
		StreamID:    binary.BigEndian.Uint32(buf[28:32]),
		AckID:       binary.BigEndian.Uint32(buf[32:36]),
	}
	if decoded.IsRequest {
		decoded.Seq = binary.BigEndian.Uint32(buf[36:40])
	} else {
		decoded.Window = binary.BigEndian.Uint32(buf[36:40])
	}

	if !decoded.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority %d", ErrMalformed, decoded.Priority)
	}
	if decoded.Bounce > maxBounce {
		return fmt.Errorf("%w: invalid bounce code %d", ErrMalformed, decoded.Bounce)
	}

	*h = decoded
	return nil
}

// PathHash returns the destination hash of a path. Zero is reserved to
// mean "no destination".
func PathHash(path string) uint64 {
	sum := xxhash.Sum64String(path)
	if sum == 0 {
		return 1
	}
	return sum
}
