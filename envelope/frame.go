package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const headerLen = 4

// ErrConnectionBroken is returned when the peer goes away while a frame is being read.
var ErrConnectionBroken = errors.New("connection broken")

// WriteFrame writes payload prefixed with its big-endian uint32 length, in a single Write.
// Callers sharing w between goroutines must serialize calls.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("payload of %d bytes exceeds frame limit", len(payload))
	}
	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerLen:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame from r, blocking until it is complete.
// If the stream ends before the frame does, the error wraps both ErrConnectionBroken and the underlying io error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, readErr(err)
	}
	n := binary.BigEndian.Uint32(header[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, readErr(err)
	}
	return payload, nil
}

func readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrConnectionBroken, err)
	}
	return err
}
