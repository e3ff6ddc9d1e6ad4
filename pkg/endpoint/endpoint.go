// Package endpoint holds the types, payload codecs and API-misuse error
// taxonomy shared by the master (pkg/master) and slave (pkg/slave) state
// machines: the two halves of the connection never share memory, but they
// agree on wire payload shapes and on how a tick reports its status.
package endpoint

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fsoeproject/go-fsoe/pkg/reset"
)

// API-misuse errors (spec §7): programmer bugs, reported via both a
// returned error and the integrator's HandleUserError callback, never via
// the protocol reset taxonomy.
var (
	ErrNilInstance    = errors.New("fsoe: nil endpoint instance")
	ErrNotInitialized = errors.New("fsoe: endpoint not initialized")
	ErrNilArgument    = errors.New("fsoe: required argument is nil")
	ErrWrongState     = errors.New("fsoe: operation not valid in current state")
	ErrBadConfig      = errors.New("fsoe: invalid configuration")
	ErrBufferOverrun  = errors.New("fsoe: black channel wrote past frame buffer")
)

// State is a position in the master/slave state machine (spec §4.5/§4.6).
type State uint8

const (
	StateReset State = iota
	StateSession
	StateConnection
	StateParameter
	StateData
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "Reset"
	case StateSession:
		return "Session"
	case StateConnection:
		return "Connection"
	case StateParameter:
		return "Parameter"
	case StateData:
		return "Data"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// SyncStatus is the per-tick status surface (spec §6).
type SyncStatus struct {
	CurrentState          State
	IsProcessDataReceived bool
	ResetEvent            reset.Event
	ResetReason           reset.Reason
}

// EncodeSessionID returns the 2-byte little-endian wire form of a session
// nonce.
func EncodeSessionID(id uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, id)
	return buf
}

// DecodeSessionID parses a 2-byte little-endian session nonce.
func DecodeSessionID(buf []byte) (uint16, error) {
	if len(buf) != 2 {
		return 0, fmt.Errorf("fsoe: session id payload must be 2 bytes, got %d", len(buf))
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// ConnData is the Connection-state payload (spec §3): connection id and
// slave address, little-endian encoded back to back.
type ConnData struct {
	ConnID       uint16
	SlaveAddress uint16
}

// Encode returns the 4-byte wire form of ConnData.
func (c ConnData) Encode() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], c.ConnID)
	binary.LittleEndian.PutUint16(buf[2:4], c.SlaveAddress)
	return buf
}

// DecodeConnData parses the 4-byte ConnData wire form.
func DecodeConnData(buf []byte) (ConnData, error) {
	if len(buf) != 4 {
		return ConnData{}, fmt.Errorf("fsoe: conn data payload must be 4 bytes, got %d", len(buf))
	}
	return ConnData{
		ConnID:       binary.LittleEndian.Uint16(buf[0:2]),
		SlaveAddress: binary.LittleEndian.Uint16(buf[2:4]),
	}, nil
}

// SafePara is the Parameter-state payload (spec §3): watchdog size (always
// 2), watchdog timeout in ms, and the opaque application-parameter blob.
type SafePara struct {
	WatchdogMs    uint16
	AppParameters []byte
}

const safeParaHeaderSize = 6 // watchdog_size(2) + watchdog_ms(2) + app_params_size(2)

// Encode returns the little-endian wire form of SafePara.
func (p SafePara) Encode() []byte {
	buf := make([]byte, safeParaHeaderSize+len(p.AppParameters))
	binary.LittleEndian.PutUint16(buf[0:2], 2) // watchdog_size is always 2
	binary.LittleEndian.PutUint16(buf[2:4], p.WatchdogMs)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(p.AppParameters)))
	copy(buf[6:], p.AppParameters)
	return buf
}

// DecodeSafePara parses the SafePara wire form.
func DecodeSafePara(buf []byte) (SafePara, error) {
	if len(buf) < safeParaHeaderSize {
		return SafePara{}, fmt.Errorf("fsoe: SafePara payload too short: %d bytes", len(buf))
	}
	watchdogSize := binary.LittleEndian.Uint16(buf[0:2])
	if watchdogSize != 2 {
		return SafePara{}, fmt.Errorf("fsoe: SafePara watchdog_size must be 2, got %d", watchdogSize)
	}
	watchdogMs := binary.LittleEndian.Uint16(buf[2:4])
	appSize := binary.LittleEndian.Uint16(buf[4:6])
	if int(safeParaHeaderSize)+int(appSize) != len(buf) {
		return SafePara{}, fmt.Errorf("fsoe: SafePara app_params_size %d does not match payload length %d", appSize, len(buf))
	}
	appParams := make([]byte, appSize)
	copy(appParams, buf[6:])
	return SafePara{WatchdogMs: watchdogMs, AppParameters: appParams}, nil
}
