package messages

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	f := &Frame{
		Type:                TypeServiceIDs,
		StreamID:            3,
		ConnectionID:        7,
		Ignorable:           true,
		Payload:             []byte("hello"),
		ServiceID:           "WSS",
		AvailableServiceIDs: []string{"WSS", "SSH"},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteMsg(&buf, f))
	got, err := ReadMsg(&buf)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestMarshalOmitsZeroValues(t *testing.T) {
	b, err := Marshal(&Frame{})
	require.NoError(t, err)
	assert.Empty(t, b)

	f, err := Unmarshal(nil)
	require.NoError(t, err)
	assert.Equal(t, TypeUnknown, f.Type)
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	b, err := Marshal(&Frame{Type: TypeData, StreamID: 1, Payload: []byte("x")})
	require.NoError(t, err)
	// field 15, varint 1
	b = append(b, 0x78, 0x01)
	f, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, TypeData, f.Type)
	assert.Equal(t, []byte("x"), f.Payload)
}

func TestUnmarshalTruncated(t *testing.T) {
	b, err := Marshal(&Frame{Type: TypeData, Payload: []byte("payload")})
	require.NoError(t, err)
	_, err = Unmarshal(b[:len(b)-2])
	assert.Error(t, err)
}

func TestMarshalRejectsOversizedFrame(t *testing.T) {
	_, err := Marshal(&Frame{Type: TypeData, Payload: make([]byte, MaxFrameSize)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestSplitPayloadReassembles(t *testing.T) {
	sizes := []int{1, MaxPayloadSize - 1, MaxPayloadSize, MaxPayloadSize + 1, 3*MaxPayloadSize + 17, 256 * 1024}
	for _, size := range sizes {
		p := make([]byte, size)
		rand.New(rand.NewSource(int64(size))).Read(p)

		frames := DataFrames(2, 5, "WSS", p)
		var stream bytes.Buffer
		for _, f := range frames {
			assert.LessOrEqual(t, len(f.Payload), MaxPayloadSize)
			require.NoError(t, WriteMsg(&stream, f))
		}

		var dec Decoder
		var out []byte
		raw := stream.Bytes()
		// feed in awkward chunk sizes so frames straddle chunk boundaries
		for len(raw) > 0 {
			n := 1000
			if n > len(raw) {
				n = len(raw)
			}
			got, err := dec.Feed(raw[:n])
			require.NoError(t, err)
			for _, f := range got {
				assert.Equal(t, TypeData, f.Type)
				assert.EqualValues(t, 2, f.StreamID)
				assert.EqualValues(t, 5, f.ConnectionID)
				out = append(out, f.Payload...)
			}
			raw = raw[n:]
		}
		assert.Zero(t, dec.Buffered())
		assert.True(t, bytes.Equal(p, out), "size %d not reassembled", size)
	}
}

func TestSplitPayloadEmpty(t *testing.T) {
	assert.Nil(t, SplitPayload(nil))
	assert.Empty(t, DataFrames(1, 1, "", nil))
}

func TestDecoderMultipleFramesInOneChunk(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMsg(&buf, &Frame{Type: TypeStreamStart, StreamID: 1, ConnectionID: 1}))
	require.NoError(t, WriteMsg(&buf, &Frame{Type: TypeConnectionReset, StreamID: 1, ConnectionID: 1}))

	var dec Decoder
	frames, err := dec.Feed(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, TypeStreamStart, frames[0].Type)
	assert.Equal(t, TypeConnectionReset, frames[1].Type)
}

func TestDecoderSkipsOnlyBadFrame(t *testing.T) {
	good, err := Encode(&Frame{Type: TypeData, StreamID: 1, ConnectionID: 1, Payload: []byte("before")})
	require.NoError(t, err)
	body, err := Marshal(&Frame{Type: TypeData, Payload: []byte("payload")})
	require.NoError(t, err)
	bad := append([]byte{0, byte(len(body) - 2)}, body[:len(body)-2]...)
	after, err := Encode(&Frame{Type: TypeData, StreamID: 1, ConnectionID: 1, Payload: []byte("after")})
	require.NoError(t, err)
	tail, err := Encode(&Frame{Type: TypeStreamReset, StreamID: 1})
	require.NoError(t, err)

	stream := append(append(append(append([]byte{}, good...), bad...), after...), tail[:3]...)
	var dec Decoder
	frames, err := dec.Feed(stream)
	assert.Error(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte("before"), frames[0].Payload)
	assert.Equal(t, []byte("after"), frames[1].Payload)
	assert.Equal(t, 3, dec.Buffered())

	frames, err = dec.Feed(tail[3:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeStreamReset, frames[0].Type)
	assert.Zero(t, dec.Buffered())
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "SESSION_RESET", TypeSessionReset.String())
	assert.Equal(t, "Type(42)", Type(42).String())
}
