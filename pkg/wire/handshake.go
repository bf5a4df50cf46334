package wire

import (
	"encoding/binary"
	"fmt"
)

// HandshakeSize is the size of an encoded [Handshake].
const HandshakeSize = 16

const handshakeMagic = 0x7a

// ChannelType tells the accepting broker what kind of channel the remote
// end wants bound to the new stream.
type ChannelType uint8

const (
	ChannelUnknown ChannelType = iota
	ChannelClient
	ChannelServer
	ChannelBrokerClient
	ChannelBrokerServer
	ChannelPeerClient
	ChannelPeerServer
)

func (t ChannelType) String() string {
	switch t {
	case ChannelClient:
		return "client"
	case ChannelServer:
		return "server"
	case ChannelBrokerClient:
		return "broker-client"
	case ChannelBrokerServer:
		return "broker-server"
	case ChannelPeerClient:
		return "peer-client"
	case ChannelPeerServer:
		return "peer-server"
	default:
		return "unknown"
	}
}

// Handshake is sent once as the first frame of every new stream, before any
// application traffic.
type Handshake struct {
	ChannelID   uint32
	ProcessID   uint32
	InstanceID  uint32
	Priority    Priority
	ChannelType ChannelType
}

func (hs *Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, HandshakeSize)
	buf = binary.BigEndian.AppendUint32(buf, hs.ChannelID)
	buf = binary.BigEndian.AppendUint32(buf, hs.ProcessID)
	buf = binary.BigEndian.AppendUint32(buf, hs.InstanceID)
	buf = append(buf, byte(hs.Priority), byte(hs.ChannelType), handshakeMagic, 0)
	return buf, nil
}

func (hs *Handshake) UnmarshalBinary(buf []byte) error {
	if len(buf) != HandshakeSize {
		return fmt.Errorf("%w: %d bytes", ErrHandshake, len(buf))
	}
	if buf[14] != handshakeMagic {
		return fmt.Errorf("%w: bad magic 0x%x", ErrHandshake, buf[14])
	}

	decoded := Handshake{
		ChannelID:   binary.BigEndian.Uint32(buf[0:4]),
		ProcessID:   binary.BigEndian.Uint32(buf[4:8]),
		InstanceID:  binary.BigEndian.Uint32(buf[8:12]),
		Priority:    Priority(buf[12]),
		ChannelType: ChannelType(buf[13]),
	}
	if !decoded.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority %d", ErrHandshake, decoded.Priority)
	}
	if decoded.ChannelType == ChannelUnknown || decoded.ChannelType > ChannelPeerServer {
		return fmt.Errorf("%w: invalid channel type %d", ErrHandshake, decoded.ChannelType)
	}
	*hs = decoded
	return nil
}
