package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Stream framing for the Meshtastic client API: a two-byte preamble, a
// big-endian uint16 payload length, then the protobuf payload. The radio
// interleaves log text on the same stream, so the reader scans forward to
// the next preamble instead of trusting stream position.
const (
	framePreamble0 = 0x94
	framePreamble1 = 0xC3

	// maxFramePayload is the firmware's serial frame cap.
	maxFramePayload = 512
)

func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > maxFramePayload {
		return nil, fmt.Errorf("payload exceeds frame limit: %d > %d", len(payload), maxFramePayload)
	}

	frame := make([]byte, 4, 4+len(payload))
	frame[0] = framePreamble0
	frame[1] = framePreamble1
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))

	return append(frame, payload...), nil
}

func readFrame(r io.Reader) ([]byte, error) {
	if err := scanToPreamble(r); err != nil {
		return nil, err
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	size := int(binary.BigEndian.Uint16(lenBuf[:]))
	if size == 0 || size > maxFramePayload {
		return nil, fmt.Errorf("frame length out of range: %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// scanToPreamble consumes bytes until both preamble bytes appear in order.
// A stray first byte restarts the scan, and the restart check treats the
// follower as a potential new first byte.
func scanToPreamble(r io.Reader) error {
	var b [1]byte
	sawFirst := false
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return fmt.Errorf("scan for frame preamble: %w", err)
		}
		switch {
		case sawFirst && b[0] == framePreamble1:
			return nil
		case b[0] == framePreamble0:
			sawFirst = true
		default:
			sawFirst = false
		}
	}
}
