// Package transport implements the single authenticated QUIC channel, and
// its wire-level message envelope, that every other component rides on. No
// component opens a second transport of its own — Control-typed envelopes
// carry consensus RPCs, Data-typed envelopes carry application payloads, and
// Stream-typed envelopes carry long-lived bulk transfers.
package transport

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/meshplane/core/pkg/coreerr"
	"github.com/meshplane/core/pkg/types"
)

// MaxFrameSize is the hard cap on a single encoded envelope's payload.
// Exceeding it fails with CodeOversizedFrame; the sender must chunk at a
// higher layer rather than expect the transport to split it.
const MaxFrameSize = 16 * 1024 * 1024

// MaxClockSkew bounds how far a sender's wall-clock timestamp may drift from
// the receiver's before the envelope is dropped with CodeClockSkew.
const MaxClockSkew = 5 * time.Minute

const fixedHeaderLen = 1 + 32 + 1 + 32 + 8 + 8 + 4 // type, source, dest-flag+dest, ts, seq, len

// EncodeEnvelope serializes msg into the wire layout named in the envelope
// spec: type tag (1B), source NodeId (32B), destination flag+NodeId (1+32B,
// flag 0 = broadcast), timestamp ms (8B), sequence (8B), payload length (4B
// big-endian), payload bytes.
func EncodeEnvelope(msg *types.TransportMessage) ([]byte, error) {
	if len(msg.Payload) > MaxFrameSize {
		return nil, coreerr.New("transport", coreerr.CodeOversizedFrame, coreerr.Validation,
			fmt.Sprintf("payload %d bytes exceeds %d byte cap", len(msg.Payload), MaxFrameSize), nil)
	}

	buf := make([]byte, fixedHeaderLen+len(msg.Payload))
	off := 0
	buf[off] = byte(msg.Type)
	off++
	copy(buf[off:off+32], msg.Source[:])
	off += 32

	if msg.Destination == nil {
		buf[off] = 0
		off++
		off += 32 // zeroed
	} else {
		buf[off] = 1
		off++
		copy(buf[off:off+32], msg.Destination[:])
		off += 32
	}

	binary.BigEndian.PutUint64(buf[off:off+8], uint64(msg.TimestampMS))
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], msg.Sequence)
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(msg.Payload)))
	off += 4
	copy(buf[off:], msg.Payload)

	return buf, nil
}

// DecodeEnvelope parses a buffer produced by EncodeEnvelope. It does not
// enforce sequence contiguity or clock skew — those are connection-scoped
// checks performed by Transport.readStream, which sees the prior sequence and the
// receiver's clock.
func DecodeEnvelope(buf []byte) (*types.TransportMessage, error) {
	if len(buf) < fixedHeaderLen {
		return nil, coreerr.New("transport", coreerr.CodeOversizedFrame, coreerr.Protocol,
			"envelope shorter than fixed header", nil)
	}

	off := 0
	msgType := types.MessageType(buf[off])
	off++

	var source types.NodeId
	copy(source[:], buf[off:off+32])
	off += 32

	destFlag := buf[off]
	off++
	var dest *types.NodeId
	if destFlag != 0 {
		var d types.NodeId
		copy(d[:], buf[off:off+32])
		dest = &d
	}
	off += 32

	tsMS := int64(binary.BigEndian.Uint64(buf[off : off+8]))
	off += 8
	seq := binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	payloadLen := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4

	if payloadLen > MaxFrameSize {
		return nil, coreerr.New("transport", coreerr.CodeOversizedFrame, coreerr.Validation,
			fmt.Sprintf("declared payload length %d exceeds %d byte cap", payloadLen, MaxFrameSize), nil)
	}
	if uint32(len(buf)-off) != payloadLen {
		return nil, coreerr.New("transport", coreerr.CodeOversizedFrame, coreerr.Protocol,
			"declared payload length does not match remaining buffer", nil)
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[off:])

	return &types.TransportMessage{
		Type:        msgType,
		Source:      source,
		Destination: dest,
		Payload:     payload,
		TimestampMS: tsMS,
		Sequence:    seq,
	}, nil
}

// CheckClockSkew validates that envelope timestamp is within MaxClockSkew of
// now; callers use this at recv time, since skew depends on wall-clock at
// receipt rather than anything encoded in the frame itself.
func CheckClockSkew(msg *types.TransportMessage, now time.Time) error {
	sent := time.UnixMilli(msg.TimestampMS)
	skew := now.Sub(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return coreerr.New("transport", coreerr.CodeClockSkew, coreerr.Validation,
			fmt.Sprintf("envelope timestamp skewed %s from local clock", skew), nil)
	}
	return nil
}
