// Package fifo provides the byte-staging buffer used to stream a
// multi-frame Connection or Parameter payload (ConnData, SafePara) across
// consecutive cycles, tracked by BytesToBeSent in spec §3/§9. It is a
// straight-line buffer rather than the teacher's wraparound circular
// queue: an FSoE state payload is produced once per state entry and
// drained strictly in order, never written to again mid-stream.
package fifo

import "github.com/fsoeproject/go-fsoe/internal/crc"

// Fifo holds a fixed payload and a read cursor into it.
type Fifo struct {
	buffer  []byte
	readPos int
}

// Load resets the fifo to stream the given payload from the start. The
// slice is retained, not copied; callers must not mutate it afterwards.
func Load(payload []byte) *Fifo {
	return &Fifo{buffer: payload}
}

// Remaining reports how many bytes are left to read.
func (f *Fifo) Remaining() int {
	return len(f.buffer) - f.readPos
}

// Done reports whether the whole payload has been read.
func (f *Fifo) Done() bool {
	return f.Remaining() == 0
}

// ReadWord pulls up to two bytes for the next frame word, feeding them
// into crcAccum if non-nil (mirroring the teacher Fifo.Write's optional
// running-CRC parameter). It returns the bytes actually read: 2, unless
// only one byte remains in the payload, in which case 1.
func (f *Fifo) ReadWord(crcAccum *crc.CRC16) []byte {
	n := 2
	if rem := f.Remaining(); rem < 2 {
		n = rem
	}
	if n <= 0 {
		return nil
	}
	word := f.buffer[f.readPos : f.readPos+n]
	f.readPos += n
	if crcAccum != nil {
		crcAccum.Block(word)
	}
	return word
}

// Reset rewinds the read cursor so the same payload streams again from the
// start.
func (f *Fifo) Reset() {
	f.readPos = 0
}

// Bytes returns the full staged payload.
func (f *Fifo) Bytes() []byte {
	return f.buffer
}
