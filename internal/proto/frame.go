package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single envelope on the TCP transport. Anything
// larger indicates a corrupt length prefix or a hostile peer.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
// The stream cannot be resynchronized after it.
type ErrFrameTooLarge struct {
	Size uint32
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds limit of %d", e.Size, MaxFrameSize)
}

// WriteFrame writes a 4-byte big-endian length prefix followed by data.
func WriteFrame(w io.Writer, data []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed frame. TCP may split or coalesce
// writes arbitrarily, so both reads block until the full run is buffered.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, &ErrFrameTooLarge{Size: size}
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
