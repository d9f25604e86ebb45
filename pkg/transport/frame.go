package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/meshplane/core/pkg/coreerr"
)

const maxWireFrame = fixedHeaderLen + MaxFrameSize

// writeFrame writes a 4-byte big-endian length prefix followed by envelope —
// stream-level framing, distinct from TransportMessage's own internal
// payload-length field encoded inside envelope.
func writeFrame(w io.Writer, envelope []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(envelope)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write frame length: %w", err)
	}
	if _, err := w.Write(envelope); err != nil {
		return fmt.Errorf("transport: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed envelope. A declared length beyond
// maxWireFrame fails closed with CodeOversizedFrame before any allocation.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxWireFrame {
		return nil, coreerr.New("transport", coreerr.CodeOversizedFrame, coreerr.Validation,
			fmt.Sprintf("declared frame length %d exceeds %d byte cap", n, maxWireFrame), nil)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("transport: read frame body: %w", err)
	}
	return buf, nil
}
