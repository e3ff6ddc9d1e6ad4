// Package slave implements the FSoE slave state machine (spec §4.6): the
// passive responder that answers the master's Reset/Session/Connection/
// Parameter handshake and then exchanges safe process data. It mirrors
// pkg/master's structure and concurrency model (no goroutines, one
// SyncWithMaster call per tick) but never initiates a state transition on
// its own content — every advance is a reaction to a frame from the master.
package slave

import (
	log "github.com/sirupsen/logrus"

	"github.com/fsoeproject/go-fsoe/internal/crc"
	"github.com/fsoeproject/go-fsoe/pkg/blackchannel"
	"github.com/fsoeproject/go-fsoe/pkg/endpoint"
	"github.com/fsoeproject/go-fsoe/pkg/frame"
	"github.com/fsoeproject/go-fsoe/pkg/reset"
	"github.com/fsoeproject/go-fsoe/pkg/watchdog"
)

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

// State, StateXxx and SyncStatus are re-exported from pkg/endpoint so
// callers of pkg/slave need not also import pkg/endpoint.
type (
	State      = endpoint.State
	SyncStatus = endpoint.SyncStatus
)

const (
	StateReset      = endpoint.StateReset
	StateSession    = endpoint.StateSession
	StateConnection = endpoint.StateConnection
	StateParameter  = endpoint.StateParameter
	StateData       = endpoint.StateData
)

// Slave is one FSoE slave endpoint. Not thread-safe: exclusively owned by
// the goroutine driving SyncWithMaster, per spec §5.
type Slave struct {
	initialized bool
	cfg         Config
	appRef      any
	channel     *blackchannel.Channel
	wd          *watchdog.Watchdog
	generateID  GenerateSessionIDFunc
	userError   HandleUserErrorFunc
	verifyFn    VerifyParametersFunc
	logger      *log.Entry

	state State

	resetSent   bool
	resetReason reset.Reason

	lastCrc    crc.CRC16
	localSeqNo uint16
	peerSeqNo  uint16
	masterSID  uint16
	slaveSID   uint16

	learnedConnID   uint16
	connIDConfirmed bool

	resetIn    *frame.Frame
	resetOut   *frame.Frame
	sessionIn  *frame.Frame
	sessionOut *frame.Frame
	chunkIn1   *frame.Frame
	chunkOut1  *frame.Frame
	chunkIn2   *frame.Frame
	chunkOut2  *frame.Frame

	connBuf []byte

	paramBuf      []byte
	paramExpected int

	dataSendLayout frame.Layout // InputsSize: what this slave transmits
	dataRecvLayout frame.Layout // OutputsSize: what this slave receives from the master
	outFrame       *frame.Frame
	inFrame        *frame.Frame

	// processDataEnableRequested is the integrator-settable flag from spec
	// §3/§9: may be changed at any time via SetProcessDataEnable, but only
	// takes effect on the next Data-state tick.
	processDataEnableRequested bool
	isProcessDataRcvd          bool
	safeInputs                 []byte // local safe inputs the application feeds in (slave->master payload)
	safeOutputs                []byte // last decoded safe outputs received from master
	failSafeScratch            []byte

	pendingEvent  reset.Event
	pendingReason reset.Reason

	resetRequested bool
}

// Init constructs a Slave instance.
func Init(
	cfg Config,
	appRef any,
	send blackchannel.SendFunc,
	recv blackchannel.RecvFunc,
	clock watchdog.Clock,
	generateID GenerateSessionIDFunc,
	userError HandleUserErrorFunc,
	verifyFn VerifyParametersFunc,
) (*Slave, error) {
	if send == nil || recv == nil || clock == nil || generateID == nil || userError == nil || verifyFn == nil {
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

	s := &Slave{
		initialized: true,
		cfg:         cfg,
		appRef:      appRef,
		channel:     blackchannel.New(appRef, send, recv),
		wd:          watchdog.New(clock),
		generateID:  generateID,
		userError:   userError,
		verifyFn:    verifyFn,
		logger:      log.WithField("component", "fsoe-slave").WithField("slave_address", cfg.SlaveAddress),
		state:       StateReset,
		resetReason: reset.LocalReset,

		resetIn:    frame.NewFrame(resetLayout),
		resetOut:   frame.NewFrame(resetLayout),
		sessionIn:  frame.NewFrame(sessionLayout),
		sessionOut: frame.NewFrame(sessionLayout),
		chunkIn1:   frame.NewFrame(chunkLayout1),
		chunkOut1:  frame.NewFrame(chunkLayout1),
		chunkIn2:   frame.NewFrame(chunkLayout2),
		chunkOut2:  frame.NewFrame(chunkLayout2),

		dataSendLayout:             inLayout,
		dataRecvLayout:             outLayout,
		outFrame:                   frame.NewFrame(inLayout),  // slave sends its safe inputs, sized per InputsSize
		inFrame:                    frame.NewFrame(outLayout), // slave receives safe outputs, sized per OutputsSize
		safeInputs:                 make([]byte, cfg.InputsSize),
		safeOutputs:                make([]byte, cfg.OutputsSize),
		failSafeScratch:            make([]byte, cfg.InputsSize),
		processDataEnableRequested: true,
	}
	return s, nil
}

// SetResetRequestFlag asks the slave to reset the connection with reason
// LocalReset, effective on the next SyncWithMaster call.
func (s *Slave) SetResetRequestFlag() error {
	if s == nil {
		return endpoint.ErrNilInstance
	}
	s.resetRequested = true
	return nil
}

// SetProcessDataEnable sets whether this endpoint is currently allowed to
// transmit ProcessData frames (spec §3/§9). It may be called at any time;
// the state machine only acts on it once in Data state — every frame sent
// before Data state is unaffected, and a value set mid-Data-state applies
// starting on the next tick. While disabled, every transmitted frame uses
// Cmd = FailSafeData instead.
func (s *Slave) SetProcessDataEnable(enable bool) error {
	if s == nil {
		return endpoint.ErrNilInstance
	}
	s.processDataEnableRequested = enable
	return nil
}

// MasterSessionID returns the session nonce learned from the master.
// Valid only once the Session state has completed.
func (s *Slave) MasterSessionID() (uint16, error) {
	if s == nil {
		return 0, endpoint.ErrNilInstance
	}
	if s.state == StateReset || s.state == StateSession {
		s.reportUserError(endpoint.ErrWrongState)
		return 0, endpoint.ErrWrongState
	}
	return s.masterSID, nil
}

// SyncWithMaster drives one non-blocking protocol tick: safeInputs is the
// application's current safe data to offer the master; safeOutputsOut
// receives the most recently validated safe data from the master.
func (s *Slave) SyncWithMaster(safeInputs []byte, safeOutputsOut []byte, statusOut *SyncStatus) error {
	if s == nil {
		return endpoint.ErrNilInstance
	}
	if !s.initialized {
		s.reportUserError(endpoint.ErrNotInitialized)
		return endpoint.ErrNotInitialized
	}
	if safeInputs == nil || safeOutputsOut == nil || statusOut == nil {
		s.reportUserError(endpoint.ErrNilArgument)
		return endpoint.ErrNilArgument
	}
	if len(safeInputs) != s.cfg.InputsSize || len(safeOutputsOut) != s.cfg.OutputsSize {
		s.reportUserError(endpoint.ErrBadConfig)
		return endpoint.ErrBadConfig
	}

	s.pendingEvent = reset.EventNone
	copy(s.safeInputs, safeInputs)

	if s.resetRequested {
		s.resetRequested = false
		s.enterReset(reset.LocalReset, reset.EventBySlave)
	}

	switch s.state {
	case StateReset:
		s.tickReset()
	case StateSession:
		s.tickSession()
	case StateConnection:
		s.tickConnection()
	case StateParameter:
		s.tickParameter()
	case StateData:
		s.tickData()
	}

	if s.wd.Expired() {
		s.enterReset(reset.WatchdogExpired, reset.EventBySlave)
	}

	copy(safeOutputsOut, s.safeOutputs)
	statusOut.CurrentState = s.state
	statusOut.IsProcessDataReceived = s.isProcessDataRcvd
	statusOut.ResetEvent = s.pendingEvent
	statusOut.ResetReason = s.pendingReason
	return nil
}

func (s *Slave) reportUserError(err error) {
	if s.userError != nil {
		s.userError(s.appRef, err)
	}
}

// refreshWatchdog mirrors Master.refreshWatchdog: the timeout tracks
// silence from the master, refreshed on every validated received frame,
// not on the slave's own transmissions.
func (s *Slave) refreshWatchdog() {
	s.wd.Arm(uint32(s.cfg.WatchdogTimeoutMs))
}

// enterReset mirrors Master.enterReset: send a Reset frame once, disarm the
// watchdog, clear process data, and surface the event.
// processDataEnableRequested is an integrator setting, not protocol state,
// so it survives a reset.
func (s *Slave) enterReset(reason reset.Reason, event reset.Event) {
	s.logger.WithFields(log.Fields{"reason": reason, "event": event, "from_state": s.state}).Warn("resetting connection")

	s.state = StateReset
	s.resetReason = reason
	s.isProcessDataRcvd = false
	s.connIDConfirmed = false
	s.connBuf = s.connBuf[:0]
	s.paramBuf = s.paramBuf[:0]
	s.paramExpected = 0
	for i := range s.safeOutputs {
		s.safeOutputs[i] = 0
	}
	s.wd.Disarm()
	s.pendingEvent = event
	s.pendingReason = reason

	s.sendResetFrame()
	s.resetSent = true
}

func (s *Slave) sendResetFrame() {
	_, err := s.resetOut.Encode(frame.CmdReset, 0, []byte{byte(s.resetReason)}, s.learnedConnID, crc.Seed(0))
	if err != nil {
		s.logger.WithError(err).Error("failed to encode reset frame")
		return
	}
	s.channel.Send(s.resetOut.Bytes())
}

func (s *Slave) fail(reason reset.Reason, detail string) {
	s.logger.WithField("reason", reason).Debug(detail)
	s.enterReset(reason, reset.EventBySlave)
}

func (s *Slave) sendFrame(f *frame.Frame, cmd frame.Command, payload []byte) {
	crcOut, err := f.Encode(cmd, s.localSeqNo, payload, s.learnedConnID, s.lastCrc)
	if err != nil {
		s.logger.WithError(err).Error("encode failed")
		return
	}
	s.lastCrc = crcOut
	s.localSeqNo++
	s.channel.Send(f.Bytes())
}

// recvAndCheckReset mirrors Master.recvAndCheckReset: intercepts an
// unsolicited Reset frame from the master and forces a reset, otherwise
// returns the decoded frame once its connection id is confirmed.
func (s *Slave) recvAndCheckReset(f *frame.Frame) (frame.Decoded, bool) {
	if !s.channel.Recv(f.Raw(), len(f.Bytes())) {
		return frame.Decoded{}, false
	}
	if !f.SentinelIntact() {
		s.fail(reset.InvalidData, "recv buffer overrun detected")
		return frame.Decoded{}, false
	}
	decoded, err := f.Decode()
	if err != nil {
		s.fail(reset.InvalidData, "decode error")
		return frame.Decoded{}, false
	}
	if decoded.Cmd == frame.CmdReset {
		reason := reset.Reason(0)
		if len(decoded.Payload) >= 1 {
			reason = reset.Reason(decoded.Payload[0])
		}
		s.logger.WithField("reason", reason).Warn("master requested reset")
		s.resetReason = reason
		s.enterReset(reason, reset.EventByMaster)
		return frame.Decoded{}, false
	}
	if s.connIDConfirmed && decoded.ConnID != s.learnedConnID {
		s.fail(reset.InvalidConnID, "connection id mismatch")
		return frame.Decoded{}, false
	}
	return decoded, true
}

func (s *Slave) validateCRC(layout frame.Layout, decoded frame.Decoded) bool {
	expected := frame.RecomputeCRCWords(layout, decoded.Cmd, s.peerSeqNo, decoded.Payload, s.lastCrc)
	for i := range expected {
		if expected[i] != decoded.CRCWords[i] {
			s.fail(reset.InvalidCRC, "crc mismatch")
			return false
		}
	}
	s.lastCrc = crc.Seed(expected[len(expected)-1])
	s.peerSeqNo++
	s.refreshWatchdog()
	return true
}
