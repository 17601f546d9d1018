package messages

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const lengthPrefixSize = 2

// Encode returns the frame body prefixed with its big-endian uint16 length.
func Encode(f *Frame) ([]byte, error) {
	body, err := Marshal(f)
	if err != nil {
		return nil, err
	}
	buffer := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint16(buffer, uint16(len(body)))
	copy(buffer[lengthPrefixSize:], body)
	return buffer, nil
}

func readMsgShared(r io.Reader) ([]byte, error) {
	var sz uint16
	if err := binary.Read(r, binary.BigEndian, &sz); err != nil {
		return nil, err
	}
	buffer := make([]byte, sz)
	if _, err := io.ReadFull(r, buffer); err != nil {
		return nil, errors.Wrapf(err, "expected to read %d bytes", sz)
	}
	return buffer, nil
}

func ReadMsg(r io.Reader) (*Frame, error) {
	buffer, err := readMsgShared(r)
	if err != nil {
		return nil, err
	}
	return Unmarshal(buffer)
}

func WriteMsg(w io.Writer, f *Frame) error {
	buffer, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buffer)
	return err
}

// Decoder reassembles frames from arbitrarily split chunks of the byte stream.
// A single websocket message can carry several frames or only part of one.
type Decoder struct {
	buf []byte
}

// Feed returns every complete frame buffered so far. A body that does not
// parse is skipped on its own, the frames after it are still decoded, and
// the first such error is returned alongside them.
func (d *Decoder) Feed(chunk []byte) ([]*Frame, error) {
	d.buf = append(d.buf, chunk...)
	var (
		frames  []*Frame
		feedErr error
	)
	for len(d.buf) >= lengthPrefixSize {
		sz := int(binary.BigEndian.Uint16(d.buf))
		if len(d.buf) < lengthPrefixSize+sz {
			break
		}
		f, err := Unmarshal(d.buf[lengthPrefixSize : lengthPrefixSize+sz])
		d.buf = d.buf[lengthPrefixSize+sz:]
		if err != nil {
			if feedErr == nil {
				feedErr = errors.Wrapf(err, "skipped undecodable frame of %d bytes", sz)
			}
			continue
		}
		frames = append(frames, f)
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, feedErr
}

// Buffered reports how many bytes are waiting for the rest of their frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) Reset() {
	d.buf = nil
}
