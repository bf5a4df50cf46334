package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// BindType says whether a [MethodBinding] adds or withdraws a binding.
type BindType uint8

const (
	BindUnspecified BindType = iota
	BindAdvertise
	BindWithdraw
)

func (t BindType) String() string {
	switch t {
	case BindAdvertise:
		return "advertise"
	case BindWithdraw:
		return "withdraw"
	default:
		return "unspecified"
	}
}

// MethodBinding is the zero-priority control message exchanged between
// brokers to advertise which paths and methods they serve.
//
// It is encoded with the protobuf wire format so it stays forward
// compatible: unknown fields are skipped.
type MethodBinding struct {
	Type     BindType
	Instance uint32
	PathHash uint64
	Method   uint32
	Format   PayloadFormat
	Path     string
}

const (
	fieldBindType protowire.Number = 1
	fieldInstance protowire.Number = 2
	fieldPathHash protowire.Number = 3
	fieldMethod   protowire.Number = 4
	fieldFormat   protowire.Number = 5
	fieldPath     protowire.Number = 6

	fieldBatchItem protowire.Number = 1
)

func (mb *MethodBinding) Marshal() ([]byte, error) {
	return mb.append(nil), nil
}

func (mb *MethodBinding) append(buf []byte) []byte {
	buf = protowire.AppendTag(buf, fieldBindType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(mb.Type))
	buf = protowire.AppendTag(buf, fieldInstance, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(mb.Instance))
	buf = protowire.AppendTag(buf, fieldPathHash, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, mb.PathHash)
	buf = protowire.AppendTag(buf, fieldMethod, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(mb.Method))
	buf = protowire.AppendTag(buf, fieldFormat, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(mb.Format))
	if mb.Path != "" {
		buf = protowire.AppendTag(buf, fieldPath, protowire.BytesType)
		buf = protowire.AppendString(buf, mb.Path)
	}
	return buf
}

func (mb *MethodBinding) Unmarshal(buf []byte) error {
	var decoded MethodBinding
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if err := protowire.ParseError(n); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		buf = buf[n:]

		switch {
		case num == fieldPathHash && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(buf)
			if err := protowire.ParseError(n); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			decoded.PathHash = v
			buf = buf[n:]
		case num == fieldPath && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if err := protowire.ParseError(n); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			decoded.Path = v
			buf = buf[n:]
		case typ == protowire.VarintType && num >= fieldBindType && num <= fieldFormat:
			v, n := protowire.ConsumeVarint(buf)
			if err := protowire.ParseError(n); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			switch num {
			case fieldBindType:
				decoded.Type = BindType(v)
			case fieldInstance:
				decoded.Instance = uint32(v)
			case fieldMethod:
				decoded.Method = uint32(v)
			case fieldFormat:
				decoded.Format = PayloadFormat(v)
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

	if decoded.Type == BindUnspecified || decoded.Type > BindWithdraw {
		return fmt.Errorf("%w: binding type %d", ErrMalformed, decoded.Type)
	}
	if decoded.PathHash == 0 {
		return fmt.Errorf("%w: binding without destination", ErrMalformed)
	}
	if decoded.Format > maxFormat {
		return fmt.Errorf("%w: payload format %d", ErrMalformed, decoded.Format)
	}
	*mb = decoded
	return nil
}

// MarshalBindings encodes a batch of bindings, used to ship a full state.
func MarshalBindings(bindings []MethodBinding) []byte {
	var buf []byte
	for i := range bindings {
		buf = protowire.AppendTag(buf, fieldBatchItem, protowire.BytesType)
		buf = protowire.AppendBytes(buf, bindings[i].append(nil))
	}
	return buf
}

// UnmarshalBindings decodes a batch produced by [MarshalBindings].
func UnmarshalBindings(buf []byte) ([]MethodBinding, error) {
	var result []MethodBinding
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if err := protowire.ParseError(n); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		buf = buf[n:]

		if num != fieldBatchItem || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if err := protowire.ParseError(n); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			buf = buf[n:]
			continue
		}

		item, n := protowire.ConsumeBytes(buf)
		if err := protowire.ParseError(n); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		buf = buf[n:]

		var mb MethodBinding
		if err := mb.Unmarshal(item); err != nil {
			return nil, err
		}
		result = append(result, mb)
	}
	return result, nil
}
