package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestID_Pack(t *testing.T) {
	id := ID{Broker: 5, Channel: 7, Local: 42}
	require.Equal(t, id, UnpackID(id.Pack()))
	require.Equal(t, "5.7.42", id.String())

	overflow := ID{Broker: MaxBrokerID + 1, Channel: MaxChannelID + 2, Local: 1}
	require.Equal(t, ID{Broker: 0, Channel: 1, Local: 1}, UnpackID(overflow.Pack()))
}

func TestHeader_Layout(t *testing.T) {
	h := Header{
		IsRequest: true,
		Format:    FormatProto,
		Priority:  PriorityHigh,
		Blocking:  true,
		Ack:       true,
		Timeout:   100,
		ID:        ID{Broker: 5, Channel: 7, Local: 42},
		PathHash:  PathHash("/svc/echo"),
		Method:    3,
		StreamID:  9,
		AckID:     41,
		Seq:       12,
		Window:    99,
	}

	buf, err := h.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, HeaderSize)

	var decoded Header
	require.NoError(t, decoded.UnmarshalBinary(buf))
	require.Equal(t, uint32(12), decoded.Seq)
	require.Zero(t, decoded.Window, "window is not carried by requests")

	h.Window = 0
	require.Equal(t, h, decoded)

	t.Run("response carries window and ack in the union", func(t *testing.T) {
		rsp := Header{
			Bounce:   BounceNoPeer,
			Priority: PriorityDefault,
			ID:       h.ID,
			AckID:    7,
			Window:   32,
			Seq:      3,
		}
		buf, err := rsp.MarshalBinary()
		require.NoError(t, err)

		var decoded Header
		require.NoError(t, decoded.UnmarshalBinary(buf))
		require.Equal(t, BounceNoPeer, decoded.Bounce)
		require.Equal(t, uint32(32), decoded.Window)
		require.Equal(t, uint32(7), decoded.AckID)
		require.Zero(t, decoded.Seq)
	})

	t.Run("short buffer is malformed", func(t *testing.T) {
		var decoded Header
		require.ErrorIs(t, decoded.UnmarshalBinary(buf[:10]), ErrMalformed)
	})

	t.Run("invalid priority is malformed", func(t *testing.T) {
		bad := bytes.Clone(buf)
		bad[1] |= 0xE0
		var decoded Header
		require.ErrorIs(t, decoded.UnmarshalBinary(bad), ErrMalformed)
	})
}

func TestHandshake(t *testing.T) {
	hs := Handshake{
		ChannelID:   12,
		ProcessID:   3400,
		InstanceID:  5,
		Priority:    PriorityBackground,
		ChannelType: ChannelPeerServer,
	}
	buf, err := hs.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, HandshakeSize)

	var decoded Handshake
	require.NoError(t, decoded.UnmarshalBinary(buf))
	require.Equal(t, hs, decoded)

	buf[14] = 0
	require.ErrorIs(t, decoded.UnmarshalBinary(buf), ErrHandshake)
}

func TestMethodBinding(t *testing.T) {
	bindings := []MethodBinding{
		{Type: BindAdvertise, Instance: 4, PathHash: PathHash("/a"), Method: 1, Format: FormatJSON, Path: "/a"},
		{Type: BindWithdraw, Instance: 4, PathHash: PathHash("/b"), Method: 2},
	}

	buf, err := bindings[0].Marshal()
	require.NoError(t, err)
	var single MethodBinding
	require.NoError(t, single.Unmarshal(buf))
	require.Equal(t, bindings[0], single)

	decoded, err := UnmarshalBindings(MarshalBindings(bindings))
	require.NoError(t, err)
	require.Equal(t, bindings, decoded)

	var invalid MethodBinding
	require.ErrorIs(t, invalid.Unmarshal([]byte{0x08, 0x01}), ErrMalformed, "no path hash")
}

func TestFrameCodec(t *testing.T) {
	var stream bytes.Buffer
	h := Header{IsRequest: true, Priority: PriorityDefault, PathHash: 1}
	require.NoError(t, WriteFrame(&stream, EncodeMessage(&h, []byte("hello"))))
	require.NoError(t, WriteFrame(&stream, bytes.Repeat([]byte{0xAB}, 300)))

	rd := bufio.NewReader(&stream)
	frame, err := ReadFrame(rd, rd)
	require.NoError(t, err)

	decoded, payload, err := DecodeMessage(frame)
	require.NoError(t, err)
	require.Equal(t, uint32(5), decoded.PayloadSize)
	require.Equal(t, []byte("hello"), payload)

	frame, err = ReadFrame(rd, rd)
	require.NoError(t, err)
	require.Len(t, frame, 300)

	_, _, err = DecodeMessage(append(frame[:HeaderSize:HeaderSize], 1))
	require.Error(t, err)

	// The header of a truncated message is still usable to answer it.
	h.ID = ID{Broker: 2, Channel: 3, Local: 4}
	short := EncodeMessage(&h, []byte("hello"))
	decoded, _, err = DecodeMessage(short[:len(short)-2])
	require.ErrorIs(t, err, ErrMalformed)
	require.ErrorIs(t, err, ErrPayloadSize)
	require.Equal(t, h.ID, decoded.ID)
}

func TestNodeMeta(t *testing.T) {
	meta := NodeMeta{Instance: 5, Port: 6174, Host: "10.0.0.5"}
	var decoded NodeMeta
	require.NoError(t, decoded.Unmarshal(meta.Marshal()))
	require.Equal(t, meta, decoded)

	t.Run("host is optional", func(t *testing.T) {
		meta := NodeMeta{Instance: 9, Port: 1}
		var decoded NodeMeta
		require.NoError(t, decoded.Unmarshal(meta.Marshal()))
		require.Empty(t, decoded.Host)
	})

	t.Run("instance is required", func(t *testing.T) {
		meta := NodeMeta{Port: 1}
		var decoded NodeMeta
		require.ErrorIs(t, decoded.Unmarshal(meta.Marshal()), ErrMalformed)
	})
}
