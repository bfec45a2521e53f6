package network

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// maxMessageSize is the maximum allowed payload size (16 MB).
	maxMessageSize = 16 << 20

	// headerSize is the length prefix plus the frame nonce.
	headerSize = 4 + 8
)

// writeFrame writes one frame to w.
// Format: [4 bytes big-endian payload length] [8 bytes nonce] [payload]
func writeFrame(w io.Writer, nonce uint64, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(data)))
	binary.BigEndian.PutUint64(header[4:], nonce)

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write header:\n%w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload:\n%w", err)
	}

	return nil
}

// readFrame reads one frame from r.
func readFrame(r io.Reader) (uint64, []byte, error) {
	var header [headerSize]byte

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("read header:\n%w", err)
	}

	length := binary.BigEndian.Uint32(header[:4])
	if length > maxMessageSize {
		return 0, nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, fmt.Errorf("read payload:\n%w", err)
	}

	return binary.BigEndian.Uint64(header[4:]), data, nil
}
