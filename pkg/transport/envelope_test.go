package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshplane/core/pkg/coreerr"
	"github.com/meshplane/core/pkg/types"
)

func TestEncodeDecodeEnvelopeRoundtrip(t *testing.T) {
	var source, dest types.NodeId
	source[0] = 1
	dest[0] = 2

	msg := &types.TransportMessage{
		Type:        types.MessageControl,
		Source:      source,
		Destination: &dest,
		Payload:     []byte("append-entries payload"),
		TimestampMS: time.Now().UnixMilli(),
		Sequence:    42,
	}

	raw, err := EncodeEnvelope(msg)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)

	require.Equal(t, msg.Type, decoded.Type)
	require.Equal(t, msg.Source, decoded.Source)
	require.Equal(t, *msg.Destination, *decoded.Destination)
	require.Equal(t, msg.Payload, decoded.Payload)
	require.Equal(t, msg.TimestampMS, decoded.TimestampMS)
	require.Equal(t, msg.Sequence, decoded.Sequence)
}

func TestEncodeDecodeBroadcastEnvelope(t *testing.T) {
	msg := &types.TransportMessage{
		Type:        types.MessageData,
		Payload:     []byte("gossip"),
		TimestampMS: time.Now().UnixMilli(),
		Sequence:    1,
	}

	raw, err := EncodeEnvelope(msg)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	require.Nil(t, decoded.Destination)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	msg := &types.TransportMessage{
		Type:    types.MessageStream,
		Payload: make([]byte, MaxFrameSize+1),
	}

	_, err := EncodeEnvelope(msg)
	require.Error(t, err)
	var coreErr *coreerr.Error
	require.ErrorAs(t, err, &coreErr)
	require.Equal(t, coreerr.CodeOversizedFrame, coreErr.Code)
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	_, err := DecodeEnvelope([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	msg := &types.TransportMessage{
		Type:        types.MessageData,
		Payload:     []byte("hello"),
		TimestampMS: time.Now().UnixMilli(),
		Sequence:    1,
	}
	raw, err := EncodeEnvelope(msg)
	require.NoError(t, err)

	truncated := raw[:len(raw)-2]
	_, err = DecodeEnvelope(truncated)
	require.Error(t, err)
}

func TestCheckClockSkew(t *testing.T) {
	now := time.Now()
	fresh := &types.TransportMessage{TimestampMS: now.UnixMilli()}
	require.NoError(t, CheckClockSkew(fresh, now))

	stale := &types.TransportMessage{TimestampMS: now.Add(-10 * time.Minute).UnixMilli()}
	err := CheckClockSkew(stale, now)
	require.Error(t, err)
	var coreErr *coreerr.Error
	require.ErrorAs(t, err, &coreErr)
	require.Equal(t, coreerr.CodeClockSkew, coreErr.Code)
}

func TestCheckClockSkewToleratesBoundary(t *testing.T) {
	now := time.Now()
	justInside := &types.TransportMessage{TimestampMS: now.Add(-MaxClockSkew + time.Second).UnixMilli()}
	require.NoError(t, CheckClockSkew(justInside, now))
}
