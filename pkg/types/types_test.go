package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNodeIdHexRoundtrip(t *testing.T) {
	var id NodeId
	id[0] = 0xde
	id[31] = 0xef

	parsed, err := NodeIdFromHex(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestNodeIdFromHexRejectsWrongLength(t *testing.T) {
	_, err := NodeIdFromHex("deadbeef")
	require.Error(t, err)
}

func TestNodeIdLessIsTotalOrder(t *testing.T) {
	var a, b NodeId
	a[31] = 1
	b[31] = 2

	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.False(t, a.Less(a))
}

func TestNodeIdIsZero(t *testing.T) {
	var zero NodeId
	require.True(t, zero.IsZero())

	zero[5] = 1
	require.False(t, zero.IsZero())
}

func TestCertificateExpiredBoundary(t *testing.T) {
	now := time.Now()
	cert := &Certificate{NotAfter: now}

	require.True(t, cert.Expired(now), "NotAfter equal to now is treated as expired")
	require.False(t, cert.Expired(now.Add(-time.Second)))
	require.True(t, cert.Expired(now.Add(time.Second)))
}

func TestMessageTypeString(t *testing.T) {
	require.Equal(t, "handshake", MessageHandshake.String())
	require.Equal(t, "data", MessageData.String())
	require.Equal(t, "control", MessageControl.String())
	require.Equal(t, "stream", MessageStream.String())
	require.Equal(t, "unknown", MessageType(99).String())
}
