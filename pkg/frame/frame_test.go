package frame

import (
	"testing"

	"github.com/fsoeproject/go-fsoe/internal/crc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLayoutBoundary(t *testing.T) {
	cases := []struct {
		dataSize  int
		wantErr   bool
		wantWords int
		wantSize  int
	}{
		{dataSize: 1, wantWords: 1, wantSize: 6},
		{dataSize: 2, wantWords: 1, wantSize: 7},
		{dataSize: 4, wantWords: 2, wantSize: 11},
		{dataSize: 126, wantWords: 63, wantSize: 255},
		{dataSize: 0, wantErr: true},
		{dataSize: 3, wantErr: true},
		{dataSize: 128, wantErr: true},
	}
	for _, c := range cases {
		layout, err := NewLayout(c.dataSize)
		if c.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, c.wantWords, layout.NumWords)
		assert.Equal(t, c.wantSize, layout.FrameSize)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	layout, err := NewLayout(4)
	require.NoError(t, err)

	f := NewFrame(layout)
	payload := []byte{0x11, 0x22, 0x33, 0x44}
	tail, err := f.Encode(CmdProcessData, 7, payload, 0xBEEF, crc.Seed(0x1234))
	require.NoError(t, err)
	assert.NotZero(t, tail)
	assert.True(t, f.SentinelIntact())

	decoded, err := f.Decode()
	require.NoError(t, err)
	assert.Equal(t, CmdProcessData, decoded.Cmd)
	assert.Equal(t, payload, decoded.Payload)
	assert.Equal(t, uint16(0xBEEF), decoded.ConnID)
	assert.Equal(t, tail.Uint16(), decoded.CRCWords[len(decoded.CRCWords)-1])

	recomputed := RecomputeCRCWords(layout, CmdProcessData, 7, payload, crc.Seed(0x1234))
	assert.Equal(t, recomputed, decoded.CRCWords)
}

func TestSingleByteFrameIsSixBytes(t *testing.T) {
	layout, err := NewLayout(1)
	require.NoError(t, err)

	f := NewFrame(layout)
	_, err = f.Encode(CmdSession, 0, []byte{0x9A}, 8, crc.Seed(0))
	require.NoError(t, err)

	assert.Len(t, f.Bytes(), 6)

	decoded, err := f.Decode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x9A}, decoded.Payload)
	assert.Len(t, decoded.CRCWords, 1)
}

func TestBitFlipBreaksCRC(t *testing.T) {
	layout, err := NewLayout(2)
	require.NoError(t, err)

	f := NewFrame(layout)
	payload := []byte{0x01, 0x02}
	_, err = f.Encode(CmdProcessData, 3, payload, 5, crc.Seed(0xAAAA))
	require.NoError(t, err)

	// Flip one bit in the first data byte.
	f.Bytes()[1] ^= 0x01

	decoded, err := f.Decode()
	require.NoError(t, err)
	recomputed := RecomputeCRCWords(layout, CmdProcessData, 3, decoded.Payload, crc.Seed(0xAAAA))
	assert.NotEqual(t, recomputed, decoded.CRCWords)
}

func TestEncodeRejectsWrongPayloadLength(t *testing.T) {
	layout, err := NewLayout(2)
	require.NoError(t, err)
	f := NewFrame(layout)
	_, err = f.Encode(CmdReset, 0, []byte{0x01, 0x02, 0x03}, 1, crc.Seed(0))
	assert.Error(t, err)
}
