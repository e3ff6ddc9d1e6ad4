// Package frame implements the FSoE PDU layout: encoding and decoding of
// the fixed-size byte sequence exchanged between master and slave, with
// its interior per-word CRC placement. The codec itself never validates a
// CRC — seeding depends on protocol state, which only the state machines
// (pkg/master, pkg/slave) know about.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/fsoeproject/go-fsoe/internal/crc"
)

// Command identifies the FSoE frame type carried in the Cmd byte.
type Command uint8

const (
	CmdReset        Command = 0x00
	CmdSession      Command = 0x01
	CmdConnection   Command = 0x02
	CmdParameter    Command = 0x05
	CmdProcessData  Command = 0x04
	CmdFailSafeData Command = 0x0D
)

func (c Command) String() string {
	switch c {
	case CmdReset:
		return "Reset"
	case CmdSession:
		return "Session"
	case CmdConnection:
		return "Connection"
	case CmdParameter:
		return "Parameter"
	case CmdProcessData:
		return "ProcessData"
	case CmdFailSafeData:
		return "FailSafeData"
	default:
		return fmt.Sprintf("Command(0x%02X)", uint8(c))
	}
}

// Valid reports whether c is one of the six FSoE commands, as opposed to a
// byte no state machine recognizes at all (spec §4.5's INVALID_CMD vs
// UNKNOWN_CMD distinction: a recognized-but-wrong-for-this-state command
// is INVALID_CMD, a byte matching no command at all is UNKNOWN_CMD).
func (c Command) Valid() bool {
	switch c {
	case CmdReset, CmdSession, CmdConnection, CmdParameter, CmdProcessData, CmdFailSafeData:
		return true
	default:
		return false
	}
}

// MinDataSize and MaxDataSize bound the configurable data_size (§6).
const (
	MinDataSize = 1
	MaxDataSize = 126
)

// Layout precomputes the wire geometry for a configured data_size: how
// many data bytes travel on the wire, how many interior CRC words they
// are split into, and the resulting frame size. It never changes within
// a session (spec §3 invariants).
type Layout struct {
	DataSize  int
	NumWords  int // number of (up to 2-byte) data words, each followed by a CRC
	FrameSize int // total wire bytes, Cmd..ConnId inclusive
}

// NewLayout validates data_size and returns its frame geometry.
// data_size must be 1, or an even number in 2..MaxDataSize.
func NewLayout(dataSize int) (Layout, error) {
	if dataSize == 1 {
		// ok, single-byte special case
	} else if dataSize < 2 || dataSize > MaxDataSize || dataSize%2 != 0 {
		return Layout{}, fmt.Errorf("frame: invalid data_size %d (want 1, or even in 2..%d)", dataSize, MaxDataSize)
	}
	numWords := (dataSize + 1) / 2
	frameSize := 1 + dataSize + 2*numWords + 2
	return Layout{DataSize: dataSize, NumWords: numWords, FrameSize: frameSize}, nil
}

// Frame is a reusable wire buffer sized for a Layout. It carries one
// trailing sentinel byte that the codec never writes to, used by callers
// to detect buffer overflow from a misbehaving black channel.
type Frame struct {
	layout Layout
	buf    []byte // len == layout.FrameSize + 1
}

const sentinelValue = 0xA5

// NewFrame allocates a Frame for the given layout.
func NewFrame(layout Layout) *Frame {
	f := &Frame{
		layout: layout,
		buf:    make([]byte, layout.FrameSize+1),
	}
	f.buf[layout.FrameSize] = sentinelValue
	return f
}

// Bytes returns the meaningful wire bytes (excluding the sentinel).
func (f *Frame) Bytes() []byte {
	return f.buf[:f.layout.FrameSize]
}

// Raw returns the full backing buffer, including the sentinel byte, for
// handing to a black-channel recv callback that does not itself bound-check.
func (f *Frame) Raw() []byte {
	return f.buf
}

// SentinelIntact reports whether the trailing sentinel byte is untouched,
// i.e. the black channel did not overrun the frame buffer.
func (f *Frame) SentinelIntact() bool {
	return f.buf[f.layout.FrameSize] == sentinelValue
}

// Encode writes the PDU layout into the frame's buffer and returns the
// final interior CRC value (the CRC of the last data word, chained from
// crcSeed). seqno is never placed on the wire: it is folded into every
// interior CRC's input, so a peer's CRC only matches if it used the same
// sequence number the state machine expects — this is the sole mechanism
// by which the sequence number is authenticated.
func (f *Frame) Encode(cmd Command, seqno uint16, payload []byte, connID uint16, crcSeed crc.CRC16) (crc.CRC16, error) {
	if len(payload) != f.layout.DataSize {
		return 0, fmt.Errorf("frame: encode payload length %d != data_size %d", len(payload), f.layout.DataSize)
	}

	buf := f.buf
	buf[0] = byte(cmd)
	pos := 1
	running := crcSeed

	remaining := payload
	for w := 0; w < f.layout.NumWords; w++ {
		var word [2]byte
		n := copy(word[:], remaining)
		remaining = remaining[n:]

		buf[pos] = word[0]
		if n == 2 {
			buf[pos+1] = word[1]
			pos += 2
		} else {
			// Odd tail word (only possible for the final data_size==1
			// frame): only the real byte is written to the wire, but
			// the CRC step still consumes a virtual zero second byte.
			pos += 1
		}

		running = crcStep(running, cmd, seqno, word)
		binary.LittleEndian.PutUint16(buf[pos:pos+2], running.Uint16())
		pos += 2
	}

	binary.LittleEndian.PutUint16(buf[pos:pos+2], connID)
	pos += 2

	if pos != f.layout.FrameSize {
		return 0, fmt.Errorf("frame: internal encode length mismatch: wrote %d, want %d", pos, f.layout.FrameSize)
	}
	return running, nil
}

// Decoded is the result of parsing a received frame, before any CRC or
// sequence-number validation (that is the state machine's job, because
// seeding depends on state).
type Decoded struct {
	Cmd     Command
	Payload []byte // view into the frame's own buffer; copy before reuse
	ConnID  uint16
	// CRCWords holds each interior CRC value exactly as read off the wire,
	// one per data word, in order.
	CRCWords []uint16
}

// Decode parses the frame's buffer into its fields. It performs no CRC or
// sequence validation.
func (f *Frame) Decode() (Decoded, error) {
	buf := f.buf
	d := Decoded{
		Cmd:      Command(buf[0]),
		Payload:  make([]byte, f.layout.DataSize),
		CRCWords: make([]uint16, f.layout.NumWords),
	}

	pos := 1
	written := 0
	for w := 0; w < f.layout.NumWords; w++ {
		remaining := f.layout.DataSize - written
		n := 2
		if remaining < 2 {
			n = 1
		}
		copy(d.Payload[written:written+n], buf[pos:pos+n])
		pos += n
		written += n

		d.CRCWords[w] = binary.LittleEndian.Uint16(buf[pos : pos+2])
		pos += 2
	}

	d.ConnID = binary.LittleEndian.Uint16(buf[pos : pos+2])
	pos += 2

	if pos != f.layout.FrameSize {
		return Decoded{}, fmt.Errorf("frame: internal decode length mismatch: read %d, want %d", pos, f.layout.FrameSize)
	}
	return d, nil
}

// RecomputeCRCWords recomputes every interior CRC word from cmd, seqno and
// the (supposedly) received payload, starting from crcSeed. State machines
// use this to validate a decoded frame by comparing against Decoded.CRCWords.
func RecomputeCRCWords(layout Layout, cmd Command, seqno uint16, payload []byte, crcSeed crc.CRC16) []uint16 {
	words := make([]uint16, layout.NumWords)
	running := crcSeed
	written := 0
	for w := 0; w < layout.NumWords; w++ {
		var word [2]byte
		remaining := len(payload) - written
		n := 2
		if remaining < 2 {
			n = remaining
		}
		if n > 0 {
			copy(word[:], payload[written:written+n])
		}
		written += n
		running = crcStep(running, cmd, seqno, word)
		words[w] = running.Uint16()
	}
	return words
}

// crcStep feeds one FSoE CRC word (cmd, seqno, two data bytes — the second
// zero for a padded final byte) into a running CRC-16 accumulator.
func crcStep(seed crc.CRC16, cmd Command, seqno uint16, word [2]byte) crc.CRC16 {
	c := seed
	c.Single(byte(cmd))
	c.Single(byte(seqno))
	c.Single(byte(seqno >> 8))
	c.Single(word[0])
	c.Single(word[1])
	return c
}
