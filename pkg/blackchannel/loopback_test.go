package blackchannel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsoeproject/go-fsoe/pkg/blackchannel"
)

func TestLoopbackDropsOnRequest(t *testing.T) {
	l := blackchannel.NewLoopback(1).WithDropPercent(100)
	require.NoError(t, l.Send(nil, []byte{0x01}))
	assert.Equal(t, 0, l.Pending())
}

func TestLoopbackDuplicatesOnRequest(t *testing.T) {
	l := blackchannel.NewLoopback(1).WithDuplicatePercent(100)
	require.NoError(t, l.Send(nil, []byte{0x01}))
	assert.Equal(t, 2, l.Pending())
}

func TestLoopbackReordersOnRequest(t *testing.T) {
	l := blackchannel.NewLoopback(1).WithReorderPercent(100)
	require.NoError(t, l.Send(nil, []byte{0x01}))
	require.NoError(t, l.Send(nil, []byte{0x02}))

	buf := make([]byte, 1)
	n := l.Recv(nil, buf)
	require.Equal(t, 1, n)
	assert.Equal(t, byte(0x02), buf[0], "the second frame should have been swapped ahead of the first")
}

func TestLoopbackDeliversInOrderByDefault(t *testing.T) {
	l := blackchannel.NewLoopback(1)
	require.NoError(t, l.Send(nil, []byte{0x01}))
	require.NoError(t, l.Send(nil, []byte{0x02}))

	buf := make([]byte, 1)
	l.Recv(nil, buf)
	assert.Equal(t, byte(0x01), buf[0])
	l.Recv(nil, buf)
	assert.Equal(t, byte(0x02), buf[0])
}
