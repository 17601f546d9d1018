package messages

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

type Type int32

const (
	TypeUnknown Type = iota
	TypeData
	TypeStreamStart
	TypeStreamReset
	TypeSessionReset
	TypeServiceIDs
	TypeConnectionStart
	TypeConnectionReset
)

var typeNames = map[Type]string{
	TypeUnknown:         "UNKNOWN",
	TypeData:            "DATA",
	TypeStreamStart:     "STREAM_START",
	TypeStreamReset:     "STREAM_RESET",
	TypeSessionReset:    "SESSION_RESET",
	TypeServiceIDs:      "SERVICE_IDS",
	TypeConnectionStart: "CONNECTION_START",
	TypeConnectionReset: "CONNECTION_RESET",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int32(t))
}

// Field numbers of the secure tunneling v3 message.
const (
	fieldType                protowire.Number = 1
	fieldStreamID            protowire.Number = 2
	fieldIgnorable           protowire.Number = 3
	fieldPayload             protowire.Number = 4
	fieldServiceID           protowire.Number = 5
	fieldAvailableServiceIDs protowire.Number = 6
	fieldConnectionID        protowire.Number = 7
)

const (
	// MaxFrameSize is the largest body a uint16 length prefix can describe.
	MaxFrameSize = 1<<16 - 1
	// MaxPayloadSize leaves headroom for the frame header inside MaxFrameSize.
	MaxPayloadSize = 63 * 1024
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

type Frame struct {
	Type                Type
	StreamID            int32
	ConnectionID        uint32
	Ignorable           bool
	Payload             []byte
	ServiceID           string
	AvailableServiceIDs []string
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s stream=%d conn=%d payload=%d service=%q", f.Type, f.StreamID, f.ConnectionID, len(f.Payload), f.ServiceID)
}

// Marshal encodes the frame body. Zero-valued fields are omitted, as proto3 does.
func Marshal(f *Frame) ([]byte, error) {
	var b []byte
	if f.Type != TypeUnknown {
		b = protowire.AppendTag(b, fieldType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Type))
	}
	if f.StreamID != 0 {
		b = protowire.AppendTag(b, fieldStreamID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(f.StreamID)))
	}
	if f.Ignorable {
		b = protowire.AppendTag(b, fieldIgnorable, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	if f.ServiceID != "" {
		b = protowire.AppendTag(b, fieldServiceID, protowire.BytesType)
		b = protowire.AppendString(b, f.ServiceID)
	}
	for _, id := range f.AvailableServiceIDs {
		b = protowire.AppendTag(b, fieldAvailableServiceIDs, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	if f.ConnectionID != 0 {
		b = protowire.AppendTag(b, fieldConnectionID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.ConnectionID))
	}
	if len(b) > MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(b))
	}
	return b, nil
}

func Unmarshal(b []byte) (*Frame, error) {
	f := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "invalid tag")
		}
		b = b[n:]
		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "invalid type")
			}
			f.Type = Type(int32(v))
			b = b[n:]
		case num == fieldStreamID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "invalid stream id")
			}
			f.StreamID = int32(v)
			b = b[n:]
		case num == fieldIgnorable && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "invalid ignorable flag")
			}
			f.Ignorable = protowire.DecodeBool(v)
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "invalid payload")
			}
			f.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldServiceID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "invalid service id")
			}
			f.ServiceID = v
			b = b[n:]
		case num == fieldAvailableServiceIDs && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "invalid available service id")
			}
			f.AvailableServiceIDs = append(f.AvailableServiceIDs, v)
			b = b[n:]
		case num == fieldConnectionID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "invalid connection id")
			}
			f.ConnectionID = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "invalid field %d", num)
			}
			b = b[n:]
		}
	}
	return f, nil
}

// SplitPayload cuts p into chunks of at most MaxPayloadSize bytes. The chunks
// alias p.
func SplitPayload(p []byte) [][]byte {
	if len(p) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(p)+MaxPayloadSize-1)/MaxPayloadSize)
	for len(p) > MaxPayloadSize {
		chunks = append(chunks, p[:MaxPayloadSize])
		p = p[MaxPayloadSize:]
	}
	return append(chunks, p)
}

func DataFrames(streamID int32, connectionID uint32, serviceID string, p []byte) []*Frame {
	chunks := SplitPayload(p)
	frames := make([]*Frame, 0, len(chunks))
	for _, chunk := range chunks {
		frames = append(frames, &Frame{
			Type:         TypeData,
			StreamID:     streamID,
			ConnectionID: connectionID,
			ServiceID:    serviceID,
			Payload:      chunk,
		})
	}
	return frames
}
