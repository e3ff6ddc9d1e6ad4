// Package master implements the FSoE master state machine (spec §4.5):
// Reset → Session → Connection → Parameter → Data, driven one tick at a
// time by SyncWithSlave. It mirrors the teacher's node/sdo client
// structure (a long-lived object advanced by an explicit Process call) but
// runs no goroutine and blocks nowhere: every suspension point is the
// integrator's choice between ticks.
package master

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/fsoeproject/go-fsoe/internal/crc"
	"github.com/fsoeproject/go-fsoe/internal/fifo"
	"github.com/fsoeproject/go-fsoe/pkg/blackchannel"
	"github.com/fsoeproject/go-fsoe/pkg/endpoint"
	"github.com/fsoeproject/go-fsoe/pkg/frame"
	"github.com/fsoeproject/go-fsoe/pkg/reset"
	"github.com/fsoeproject/go-fsoe/pkg/watchdog"
)

// Fixed layouts shared by every Master instance: a Reset frame's single
// reason byte, a Session frame's 2-byte nonce, and the two chunk sizes
// used to stream Connection/Parameter payloads word-by-word (spec §3/§9).
var (
	resetLayout   = mustLayout(1)
	sessionLayout = mustLayout(2)
	chunkLayout1  = mustLayout(1)
	chunkLayout2  = mustLayout(2)
)

func mustLayout(dataSize int) frame.Layout {
	l, err := frame.NewLayout(dataSize)
	if err != nil {
		panic(err)
	}
	return l
}

// Master is one FSoE master endpoint. It is not thread-safe: exclusively
// owned by the goroutine that drives SyncWithSlave, per spec §5.
type Master struct {
	initialized bool
	cfg         Config
	appRef      any
	channel     *blackchannel.Channel
	wd          *watchdog.Watchdog
	generateID  GenerateSessionIDFunc
	userError   HandleUserErrorFunc
	logger      *log.Entry

	state State

	resetSent   bool // the current Reset-state entry has already sent its frame
	resetReason reset.Reason

	lastCrc    crc.CRC16
	localSeqNo uint16
	peerSeqNo  uint16
	masterSID  uint16
	slaveSID   uint16

	resetIn     *frame.Frame
	resetOut    *frame.Frame
	sessionOut  *frame.Frame
	sessionIn   *frame.Frame
	chunkOut1   *frame.Frame
	chunkOut2   *frame.Frame
	chunkIn1    *frame.Frame
	chunkIn2    *frame.Frame

	connData endpoint.ConnData
	connFifo *fifo.Fifo

	safePara  endpoint.SafePara
	paramFifo *fifo.Fifo

	awaitingChunkAck bool
	lastChunkCmd     frame.Command
	lastChunkLayout  frame.Layout
	lastChunkPayload []byte

	dataOutLayout frame.Layout
	dataInLayout  frame.Layout
	outFrame      *frame.Frame
	inFrame       *frame.Frame

	// processDataEnableRequested is the integrator-settable flag from spec
	// §3/§9: may be changed at any time via SetProcessDataEnable, but only
	// takes effect on the next Data-state tick (tickData reads it directly;
	// there is no separate "armed" copy to desync from it).
	processDataEnableRequested bool
	isProcessDataRcvd          bool
	safeInputs                 []byte
	failSafeScratch            []byte

	pendingEvent  reset.Event
	pendingReason reset.Reason

	resetRequested bool
}

// State is re-exported from pkg/endpoint for callers that only import
// pkg/master.
type State = endpoint.State

const (
	StateReset      = endpoint.StateReset
	StateSession    = endpoint.StateSession
	StateConnection = endpoint.StateConnection
	StateParameter  = endpoint.StateParameter
	StateData       = endpoint.StateData
)

// SyncStatus is re-exported from pkg/endpoint.
type SyncStatus = endpoint.SyncStatus

// Init constructs a Master instance. clock supplies monotonic microsecond
// timestamps; generateID and userError are required, non-nil callbacks.
func Init(
	cfg Config,
	appRef any,
	send blackchannel.SendFunc,
	recv blackchannel.RecvFunc,
	clock watchdog.Clock,
	generateID GenerateSessionIDFunc,
	userError HandleUserErrorFunc,
) (*Master, error) {
	if send == nil || recv == nil || clock == nil || generateID == nil || userError == nil {
		if userError != nil {
			userError(appRef, endpoint.ErrNilArgument)
		}
		return nil, endpoint.ErrNilArgument
	}
	if err := cfg.Validate(); err != nil {
		userError(appRef, err)
		return nil, err
	}

	outLayout, err := frame.NewLayout(cfg.OutputsSize)
	if err != nil {
		return nil, err
	}
	inLayout, err := frame.NewLayout(cfg.InputsSize)
	if err != nil {
		return nil, err
	}

	m := &Master{
		initialized: true,
		cfg:         cfg,
		appRef:      appRef,
		channel:     blackchannel.New(appRef, send, recv),
		wd:          watchdog.New(clock),
		generateID:  generateID,
		userError:   userError,
		logger:      log.WithField("component", "fsoe-master").WithField("conn_id", cfg.ConnectionID),
		state:       StateReset,
		resetReason: reset.LocalReset,

		resetIn:    frame.NewFrame(resetLayout),
		resetOut:   frame.NewFrame(resetLayout),
		sessionOut: frame.NewFrame(sessionLayout),
		sessionIn:  frame.NewFrame(sessionLayout),
		chunkOut1:  frame.NewFrame(chunkLayout1),
		chunkOut2:  frame.NewFrame(chunkLayout2),
		chunkIn1:   frame.NewFrame(chunkLayout1),
		chunkIn2:   frame.NewFrame(chunkLayout2),

		dataOutLayout:              outLayout,
		dataInLayout:               inLayout,
		outFrame:                   frame.NewFrame(outLayout),
		inFrame:                    frame.NewFrame(inLayout),
		safeInputs:                 make([]byte, cfg.InputsSize),
		failSafeScratch:            make([]byte, cfg.OutputsSize),
		lastChunkPayload:           make([]byte, 0, 2),
		processDataEnableRequested: true,
	}
	return m, nil
}

// SetResetRequestFlag asks the master to reset the connection with reason
// LocalReset, effective on the next SyncWithSlave call.
func (m *Master) SetResetRequestFlag() error {
	if m == nil {
		return endpoint.ErrNilInstance
	}
	m.resetRequested = true
	return nil
}

// SetProcessDataEnable sets whether this endpoint is currently allowed to
// transmit ProcessData frames (spec §3/§9). It may be called at any time;
// the state machine only acts on it once in Data state — every frame sent
// before Data state is unaffected, and a value set mid-Data-state applies
// starting on the next tick. While disabled, every transmitted frame uses
// Cmd = FailSafeData instead.
func (m *Master) SetProcessDataEnable(enable bool) error {
	if m == nil {
		return endpoint.ErrNilInstance
	}
	m.processDataEnableRequested = enable
	return nil
}

// SlaveSessionID returns the session nonce learned from the slave. Valid
// only once the Session state has completed (Connection state or later).
func (m *Master) SlaveSessionID() (uint16, error) {
	if m == nil {
		return 0, endpoint.ErrNilInstance
	}
	if m.state == StateReset || m.state == StateSession {
		m.reportUserError(endpoint.ErrWrongState)
		return 0, endpoint.ErrWrongState
	}
	return m.slaveSID, nil
}

// SyncWithSlave drives one non-blocking protocol tick (spec §4.5's public
// contract): optionally transmit one frame, attempt to receive one frame,
// evaluate the watchdog, advance state, and report status.
func (m *Master) SyncWithSlave(outputs []byte, inputsOut []byte, statusOut *SyncStatus) error {
	if m == nil {
		return endpoint.ErrNilInstance
	}
	if !m.initialized {
		m.reportUserError(endpoint.ErrNotInitialized)
		return endpoint.ErrNotInitialized
	}
	if outputs == nil || inputsOut == nil || statusOut == nil {
		m.reportUserError(endpoint.ErrNilArgument)
		return endpoint.ErrNilArgument
	}
	if len(outputs) != m.cfg.OutputsSize || len(inputsOut) != m.cfg.InputsSize {
		m.reportUserError(endpoint.ErrBadConfig)
		return endpoint.ErrBadConfig
	}

	m.pendingEvent = reset.EventNone

	if m.resetRequested {
		m.resetRequested = false
		m.enterReset(reset.LocalReset, reset.EventByMaster)
	}

	switch m.state {
	case StateReset:
		m.tickReset()
	case StateSession:
		m.tickSession()
	case StateConnection:
		m.tickConnection()
	case StateParameter:
		m.tickParameter()
	case StateData:
		m.tickData(outputs)
	}

	if m.wd.Expired() {
		m.enterReset(reset.WatchdogExpired, reset.EventByMaster)
	}

	copy(inputsOut, m.safeInputs)
	statusOut.CurrentState = m.state
	statusOut.IsProcessDataReceived = m.isProcessDataRcvd
	statusOut.ResetEvent = m.pendingEvent
	statusOut.ResetReason = m.pendingReason
	return nil
}

func (m *Master) reportUserError(err error) {
	if m.userError != nil {
		m.userError(m.appRef, err)
	}
}

// refreshWatchdog (re)starts the receive watchdog. It is called once the
// handshake leaves Reset state, and again on every subsequently validated
// received frame: the timeout tracks silence from the peer, not the
// master's own transmissions (spec §4.3).
func (m *Master) refreshWatchdog() {
	m.wd.Arm(uint32(m.cfg.WatchdogTimeoutMs))
}

// enterReset performs the full on-entry-to-Reset behaviour (spec §4.5):
// send a Reset frame once, disarm the watchdog, zero SafeInputs, and
// surface the event on this tick's status. processDataEnableRequested is
// an integrator setting, not protocol state, so it survives a reset.
func (m *Master) enterReset(reason reset.Reason, event reset.Event) {
	m.logger.WithFields(log.Fields{"reason": reason, "event": event, "from_state": m.state}).Warn("resetting connection")

	m.state = StateReset
	m.resetReason = reason
	m.isProcessDataRcvd = false
	for i := range m.safeInputs {
		m.safeInputs[i] = 0
	}
	m.wd.Disarm()
	m.pendingEvent = event
	m.pendingReason = reason

	m.sendResetFrame()
	m.resetSent = true
}

func (m *Master) sendResetFrame() {
	_, err := m.resetOut.Encode(frame.CmdReset, 0, []byte{byte(m.resetReason)}, m.cfg.ConnectionID, crc.Seed(0))
	if err != nil {
		m.logger.WithError(err).Error("failed to encode reset frame")
		return
	}
	m.channel.Send(m.resetOut.Bytes())
}

func (m *Master) fail(reason reset.Reason, detail string) {
	m.logger.WithField("reason", reason).Debug(detail)
	m.enterReset(reason, reset.EventByMaster)
}

// recvAndCheckReset attempts to receive one frame. If a Reset frame from
// the slave is present it forces a reset (reported as EventBySlave) and
// returns ok=false. Otherwise it returns the decoded frame (ok=true) or
// ok=false with nothing decoded this tick.
func (m *Master) recvAndCheckReset(layout frame.Layout, f *frame.Frame) (frame.Decoded, bool) {
	if !m.channel.Recv(f.Raw(), len(f.Bytes())) {
		return frame.Decoded{}, false
	}
	if !f.SentinelIntact() {
		m.fail(reset.InvalidData, "recv buffer overrun detected")
		return frame.Decoded{}, false
	}
	decoded, err := f.Decode()
	if err != nil {
		m.fail(reset.InvalidData, fmt.Sprintf("decode error: %v", err))
		return frame.Decoded{}, false
	}
	if decoded.Cmd == frame.CmdReset {
		reason := reset.Reason(0)
		if len(decoded.Payload) >= 1 {
			reason = reset.Reason(decoded.Payload[0])
		}
		m.logger.WithField("reason", reason).Warn("slave requested reset")
		m.resetReason = reason
		m.enterReset(reason, reset.EventBySlave)
		return frame.Decoded{}, false
	}
	if decoded.ConnID != m.cfg.ConnectionID {
		m.fail(reset.InvalidConnID, "connection id mismatch")
		return frame.Decoded{}, false
	}
	return decoded, true
}

// validateCRC recomputes the expected CRC chain for a received frame and
// compares it to what is on the wire, advancing m.lastCrc and m.peerSeqNo
// and refreshing the watchdog on success.
func (m *Master) validateCRC(layout frame.Layout, decoded frame.Decoded) bool {
	expected := frame.RecomputeCRCWords(layout, decoded.Cmd, m.peerSeqNo, decoded.Payload, m.lastCrc)
	for i := range expected {
		if expected[i] != decoded.CRCWords[i] {
			m.fail(reset.InvalidCRC, "crc mismatch")
			return false
		}
	}
	m.lastCrc = crc.Seed(expected[len(expected)-1])
	m.peerSeqNo++
	m.refreshWatchdog()
	return true
}
