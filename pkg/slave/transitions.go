package slave

import (
	log "github.com/sirupsen/logrus"

	"github.com/fsoeproject/go-fsoe/internal/crc"
	"github.com/fsoeproject/go-fsoe/pkg/endpoint"
	"github.com/fsoeproject/go-fsoe/pkg/frame"
	"github.com/fsoeproject/go-fsoe/pkg/reset"
)

// cmdMismatchReason classifies a command that didn't match what was
// expected (spec §4.5): a byte matching none of the six known commands is
// UnknownCmd; any other, merely wrong-for-this-state command is InvalidCmd.
func cmdMismatchReason(got frame.Command) reset.Reason {
	if !got.Valid() {
		return reset.UnknownCmd
	}
	return reset.InvalidCmd
}

func (s *Slave) chunkFrames(layout frame.Layout) (in *frame.Frame, out *frame.Frame) {
	if layout.DataSize == 1 {
		return s.chunkIn1, s.chunkOut1
	}
	return s.chunkIn2, s.chunkOut2
}

// recvAndEchoChunk receives one word-sized chunk of a streamed Connection
// or Parameter payload, validates it, and echoes it back unchanged so the
// master can confirm nothing was altered in transit (spec §3/§9).
func (s *Slave) recvAndEchoChunk(cmd frame.Command, remaining int) ([]byte, bool) {
	layout := chunkLayout2
	if remaining < 2 {
		layout = chunkLayout1
	}
	in, out := s.chunkFrames(layout)

	decoded, ok := s.recvAndCheckReset(in)
	if !ok {
		return nil, false
	}
	if decoded.Cmd != cmd {
		s.fail(cmdMismatchReason(decoded.Cmd), "unexpected command while streaming")
		return nil, false
	}
	if !s.validateCRC(layout, decoded) {
		return nil, false
	}

	payload := append([]byte(nil), decoded.Payload...)
	s.sendFrame(out, cmd, decoded.Payload)
	return payload, true
}

// tickReset waits for the master's Reset frame, learns its tentative
// connection id from the frame header, acknowledges with its own Reset
// frame, and advances to Session (spec §4.6).
func (s *Slave) tickReset() {
	if !s.channel.Recv(s.resetIn.Raw(), len(s.resetIn.Bytes())) {
		return
	}
	if !s.resetIn.SentinelIntact() {
		s.logger.Warn("recv buffer overrun in reset state, discarding")
		return
	}
	decoded, err := s.resetIn.Decode()
	if err != nil {
		s.logger.WithError(err).Debug("malformed frame in reset state, discarding")
		return
	}
	if decoded.Cmd != frame.CmdReset {
		s.logger.WithField("cmd", decoded.Cmd).Debug("unexpected command in reset state, discarding")
		return
	}

	s.learnedConnID = decoded.ConnID
	s.logger.WithField("conn_id", decoded.ConnID).Debug("master reset seen, acknowledging and entering session state")

	s.lastCrc = crc.Seed(0)
	s.localSeqNo = 1
	s.peerSeqNo = 1
	s.resetSent = false
	s.resetReason = reset.LocalReset
	s.slaveSID = s.generateID(s.appRef)
	s.state = StateSession
	s.sendResetFrame()
	s.refreshWatchdog()
}

// tickSession waits for the master's Session frame carrying its session
// nonce, replies with the slave's own nonce, and advances to Connection.
func (s *Slave) tickSession() {
	decoded, ok := s.recvAndCheckReset(s.sessionIn)
	if !ok {
		return
	}
	if decoded.Cmd != frame.CmdSession {
		s.fail(cmdMismatchReason(decoded.Cmd), "expected session frame")
		return
	}
	if !s.validateCRC(sessionLayout, decoded) {
		return
	}
	masterSID, err := endpoint.DecodeSessionID(decoded.Payload)
	if err != nil {
		s.fail(reset.InvalidData, "malformed session id")
		return
	}
	s.masterSID = masterSID
	s.logger.WithField("master_session_id", masterSID).Debug("session established, entering connection state")

	s.connBuf = s.connBuf[:0]
	s.state = StateConnection
	s.sendFrame(s.sessionOut, frame.CmdSession, endpoint.EncodeSessionID(s.slaveSID))
}

// tickConnection accumulates the 4-byte ConnData payload word by word,
// echoing each chunk, then validates the slave address and confirms the
// connection id (spec §4.6).
func (s *Slave) tickConnection() {
	const connDataSize = 4
	remaining := connDataSize - len(s.connBuf)
	if remaining == 0 {
		connData, err := endpoint.DecodeConnData(s.connBuf)
		if err != nil {
			s.fail(reset.InvalidData, "malformed conn data")
			return
		}
		if connData.SlaveAddress != s.cfg.SlaveAddress {
			s.fail(reset.InvalidAddress, "slave address mismatch")
			return
		}
		if connData.ConnID != s.learnedConnID {
			s.fail(reset.InvalidConnID, "conn data connection id differs from reset frame")
			return
		}
		s.learnedConnID = connData.ConnID
		s.connIDConfirmed = true
		s.enterParameterState()
		return
	}

	word, ok := s.recvAndEchoChunk(frame.CmdConnection, remaining)
	if !ok {
		return
	}
	s.connBuf = append(s.connBuf, word...)
}

func (s *Slave) enterParameterState() {
	s.logger.Debug("connection confirmed, entering parameter state")
	s.paramBuf = s.paramBuf[:0]
	s.paramExpected = 6 // SafePara header size: watchdog_size + watchdog_ms + app_params_size
	s.state = StateParameter
}

// tickParameter accumulates the streamed SafePara payload word by word: the
// fixed 6-byte header first, then the app_params_size bytes it names. Once
// complete it invokes the application's verify callback (spec §4.6).
func (s *Slave) tickParameter() {
	remaining := s.paramExpected - len(s.paramBuf)
	if remaining == 0 {
		s.finishParameterStream()
		return
	}

	word, ok := s.recvAndEchoChunk(frame.CmdParameter, remaining)
	if !ok {
		return
	}
	s.paramBuf = append(s.paramBuf, word...)

	if len(s.paramBuf) == 6 && s.paramExpected == 6 {
		appSize := int(s.paramBuf[4]) | int(s.paramBuf[5])<<8
		s.paramExpected = 6 + appSize
	}
}

func (s *Slave) finishParameterStream() {
	safePara, err := endpoint.DecodeSafePara(s.paramBuf)
	if err != nil {
		s.fail(reset.InvalidUserParaLen, "malformed safe parameters")
		return
	}

	code := s.verifyFn(s.appRef, safePara.WatchdogMs, safePara.AppParameters)
	if code != reset.VerifyOK {
		s.logger.WithField("verify_code", code).Warn("application rejected safe parameters")
		s.enterReset(reset.Reason(code), reset.EventBySlave)
		return
	}

	s.cfg.WatchdogTimeoutMs = safePara.WatchdogMs
	s.logger.WithFields(log.Fields{"watchdog_ms": safePara.WatchdogMs}).Info("parameters accepted, entering data state")
	s.state = StateData
}

// tickData exchanges safe process data every tick: the slave always
// replies with its own safe inputs, falling back to FailSafeData whenever
// process-data sending is not enabled (spec §4.6). The enable flag is read
// fresh every tick, so a SetProcessDataEnable call made mid-Data-state
// takes effect on the very next tick (spec §9).
func (s *Slave) tickData() {
	decoded, ok := s.recvAndCheckReset(s.inFrame)
	if !ok {
		return
	}
	if decoded.Cmd != frame.CmdProcessData && decoded.Cmd != frame.CmdFailSafeData {
		s.fail(cmdMismatchReason(decoded.Cmd), "unexpected command in data state")
		return
	}
	if !s.validateCRC(s.dataRecvLayout, decoded) {
		return
	}
	copy(s.safeOutputs, decoded.Payload)

	cmd := frame.CmdProcessData
	payload := s.safeInputs
	if !s.processDataEnableRequested {
		cmd = frame.CmdFailSafeData
		for i := range s.failSafeScratch {
			s.failSafeScratch[i] = 0
		}
		payload = s.failSafeScratch
	}
	s.sendFrame(s.outFrame, cmd, payload)
	s.isProcessDataRcvd = decoded.Cmd == frame.CmdProcessData
}
