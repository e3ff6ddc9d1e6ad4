package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSingleByte(t *testing.T) {
	c := Seed(0)
	c.Single(10)
	assert.EqualValues(t, 0xA14A, c.Uint16())
}

func TestBlockMatchesRepeatedSingle(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0xFF, 0x00, 0xAB}

	byBlock := Seed(0x1234)
	byBlock.Block(data)

	bySingle := Seed(0x1234)
	for _, b := range data {
		bySingle.Single(b)
	}

	assert.Equal(t, bySingle.Uint16(), byBlock.Uint16())
}

func TestSeedAffectsResult(t *testing.T) {
	a := Seed(0)
	a.Single(0x42)

	b := Seed(0xFFFF)
	b.Single(0x42)

	assert.NotEqual(t, a.Uint16(), b.Uint16())
}
