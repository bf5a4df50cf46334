package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds the size of a single frame, header included.
const MaxFrameSize = 16 << 20

// AppendFrame appends a varint length-prefixed frame holding payload.
func AppendFrame(dst []byte, payload []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes a single length-prefixed frame in one Write call, so a
// frame is never interleaved with another writer on the same stream.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, len(payload))
	}
	_, err := w.Write(AppendFrame(make([]byte, 0, len(payload)+binary.MaxVarintLen64), payload))
	return err
}

// ReadFrame reads one frame written by [WriteFrame].
func ReadFrame(r io.ByteReader, body io.Reader) ([]byte, error) {
	prefix := make([]byte, 0, binary.MaxVarintLen64)
	for len(prefix) < binary.MaxVarintLen64 {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		prefix = append(prefix, b)
		if b < 0x80 {
			break
		}
	}

	size, n := protowire.ConsumeVarint(prefix)
	if err := protowire.ParseError(n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(body, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeMessage lays out a header followed by its payload. PayloadSize is
// overwritten with the actual payload length.
func EncodeMessage(h *Header, payload []byte) []byte {
	h.PayloadSize = uint32(len(payload))
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = AppendHeader(buf, h)
	return append(buf, payload...)
}

// DecodeMessage splits a message produced by [EncodeMessage]. The payload
// aliases buf.
func DecodeMessage(buf []byte) (Header, []byte, error) {
	var h Header
	if err := h.UnmarshalBinary(buf); err != nil {
		return h, nil, err
	}
	payload := buf[HeaderSize:]
	if uint32(len(payload)) != h.PayloadSize {
		return h, nil, fmt.Errorf(
			"%w: %w, payload is %d bytes, header says %d",
			ErrMalformed, ErrPayloadSize, len(payload), h.PayloadSize,
		)
	}
	return h, payload, nil
}
