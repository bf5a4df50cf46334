package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// NodeMeta is what a broker gossips about itself: its instance id and
// where its QUIC transport listens. An empty Host means the address the
// gossip came from.
type NodeMeta struct {
	Instance uint32
	Port     uint16
	Host     string
}

const (
	fieldMetaInstance protowire.Number = 1
	fieldMetaPort     protowire.Number = 2
	fieldMetaHost     protowire.Number = 3
)

func (m *NodeMeta) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldMetaInstance, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Instance))
	buf = protowire.AppendTag(buf, fieldMetaPort, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Port))
	if m.Host != "" {
		buf = protowire.AppendTag(buf, fieldMetaHost, protowire.BytesType)
		buf = protowire.AppendString(buf, m.Host)
	}
	return buf
}

func (m *NodeMeta) Unmarshal(buf []byte) error {
	var decoded NodeMeta
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if err := protowire.ParseError(n); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		buf = buf[n:]

		switch {
		case num == fieldMetaHost && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if err := protowire.ParseError(n); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			decoded.Host = v
			buf = buf[n:]
		case (num == fieldMetaInstance || num == fieldMetaPort) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if err := protowire.ParseError(n); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			if num == fieldMetaInstance {
				decoded.Instance = uint32(v)
			} else {
				decoded.Port = uint16(v)
			}
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if err := protowire.ParseError(n); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			buf = buf[n:]
		}
	}
	if decoded.Instance == 0 || decoded.Instance > MaxBrokerID {
		return fmt.Errorf("%w: node meta instance %d", ErrMalformed, decoded.Instance)
	}
	if decoded.Port == 0 {
		return fmt.Errorf("%w: node meta without port", ErrMalformed)
	}
	*m = decoded
	return nil
}
