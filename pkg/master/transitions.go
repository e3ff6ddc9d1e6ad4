package master

import (
	"bytes"

	log "github.com/sirupsen/logrus"

	"github.com/fsoeproject/go-fsoe/internal/crc"
	"github.com/fsoeproject/go-fsoe/internal/fifo"
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

// sendFrame encodes and transmits one frame using the master's own rolling
// CRC chain and local sequence number, advancing both (spec §4.2: seqno is
// never sent on the wire, only folded into the CRC).
func (m *Master) sendFrame(f *frame.Frame, cmd frame.Command, payload []byte) {
	crcOut, err := f.Encode(cmd, m.localSeqNo, payload, m.cfg.ConnectionID, m.lastCrc)
	if err != nil {
		m.logger.WithError(err).Error("encode failed")
		return
	}
	m.lastCrc = crcOut
	m.localSeqNo++
	m.channel.Send(f.Bytes())
}

func (m *Master) chunkFrames(layout frame.Layout) (out *frame.Frame, in *frame.Frame) {
	if layout.DataSize == 1 {
		return m.chunkOut1, m.chunkIn1
	}
	return m.chunkOut2, m.chunkIn2
}

// sendChunk transmits the next word-sized slice of a streamed payload
// (ConnData or SafePara) and arms the echo-comparison state used by
// tickConnection/tickParameter on the following ticks.
func (m *Master) sendChunk(cmd frame.Command, word []byte) {
	layout := chunkLayout2
	if len(word) == 1 {
		layout = chunkLayout1
	}
	out, _ := m.chunkFrames(layout)
	m.sendFrame(out, cmd, word)

	m.lastChunkCmd = cmd
	m.lastChunkLayout = layout
	m.lastChunkPayload = append(m.lastChunkPayload[:0], word...)
	m.awaitingChunkAck = true
}

// pollChunkAck checks for the slave's echo of the last sent chunk. It
// returns true once the echo has been validated, at which point the caller
// may advance the fifo and send the next chunk.
func (m *Master) pollChunkAck() bool {
	if !m.awaitingChunkAck {
		return true
	}
	_, in := m.chunkFrames(m.lastChunkLayout)
	decoded, ok := m.recvAndCheckReset(m.lastChunkLayout, in)
	if !ok {
		return false
	}
	if decoded.Cmd != m.lastChunkCmd {
		m.fail(cmdMismatchReason(decoded.Cmd), "unexpected command during chunk streaming")
		return false
	}
	if !m.validateCRC(m.lastChunkLayout, decoded) {
		return false
	}
	if len(decoded.Payload) != len(m.lastChunkPayload) {
		m.fail(reset.InvalidCompareLen, "echoed chunk length mismatch")
		return false
	}
	if !bytes.Equal(decoded.Payload, m.lastChunkPayload) {
		m.fail(reset.InvalidCompare, "echoed chunk content mismatch")
		return false
	}
	m.awaitingChunkAck = false
	return true
}

// tickReset sends the Reset frame (once per state entry) and waits for the
// slave to acknowledge with its own Reset frame before advancing to Session
// (spec §4.5).
func (m *Master) tickReset() {
	if !m.resetSent {
		m.sendResetFrame()
		m.resetSent = true
	}

	if !m.channel.Recv(m.resetIn.Raw(), len(m.resetIn.Bytes())) {
		return
	}
	if !m.resetIn.SentinelIntact() {
		m.logger.Warn("recv buffer overrun in reset state, discarding")
		return
	}
	decoded, err := m.resetIn.Decode()
	if err != nil {
		m.logger.WithError(err).Debug("malformed frame in reset state, discarding")
		return
	}
	if decoded.Cmd != frame.CmdReset {
		m.logger.WithField("cmd", decoded.Cmd).Debug("unexpected command in reset state, discarding")
		return
	}
	if decoded.ConnID != m.cfg.ConnectionID {
		m.logger.Debug("reset ack connection id mismatch, discarding")
		return
	}

	m.logger.Debug("slave acknowledged reset, entering session state")
	m.lastCrc = crc.Seed(0)
	m.localSeqNo = 1
	m.peerSeqNo = 1
	m.resetSent = false
	m.masterSID = m.generateID(m.appRef)
	m.state = StateSession
	m.sendFrame(m.sessionOut, frame.CmdSession, endpoint.EncodeSessionID(m.masterSID))
	m.refreshWatchdog()
}

// tickSession waits for the slave's Session reply carrying its own session
// nonce, then begins streaming ConnData (spec §4.5).
func (m *Master) tickSession() {
	decoded, ok := m.recvAndCheckReset(sessionLayout, m.sessionIn)
	if !ok {
		return
	}
	if decoded.Cmd != frame.CmdSession {
		m.fail(cmdMismatchReason(decoded.Cmd), "expected session frame")
		return
	}
	if !m.validateCRC(sessionLayout, decoded) {
		return
	}
	slaveSID, err := endpoint.DecodeSessionID(decoded.Payload)
	if err != nil {
		m.fail(reset.InvalidData, "malformed session id")
		return
	}
	m.slaveSID = slaveSID
	m.logger.WithField("slave_session_id", slaveSID).Debug("session established, entering connection state")

	m.connData = endpoint.ConnData{ConnID: m.cfg.ConnectionID, SlaveAddress: m.cfg.SlaveAddress}
	m.connFifo = fifo.Load(m.connData.Encode())
	m.awaitingChunkAck = false
	m.state = StateConnection
	m.sendChunk(frame.CmdConnection, m.connFifo.ReadWord(nil))
}

// tickConnection streams ConnData word by word, waiting for the slave to
// echo each chunk before sending the next, then advances to Parameter.
func (m *Master) tickConnection() {
	if !m.pollChunkAck() {
		return
	}
	if m.connFifo.Done() {
		m.enterParameterState()
		return
	}
	m.sendChunk(frame.CmdConnection, m.connFifo.ReadWord(nil))
}

func (m *Master) enterParameterState() {
	m.logger.Debug("connection confirmed, entering parameter state")
	m.safePara = endpoint.SafePara{WatchdogMs: m.cfg.WatchdogTimeoutMs, AppParameters: m.cfg.ApplicationParameters}
	m.paramFifo = fifo.Load(m.safePara.Encode())
	m.awaitingChunkAck = false
	m.state = StateParameter
	m.sendChunk(frame.CmdParameter, m.paramFifo.ReadWord(nil))
}

// tickParameter streams SafePara word by word, then waits for the slave's
// final acknowledgement before entering Data state (spec §4.5/§4.6).
func (m *Master) tickParameter() {
	if !m.pollChunkAck() {
		return
	}
	if m.paramFifo.Done() {
		m.enterDataState()
		return
	}
	m.sendChunk(frame.CmdParameter, m.paramFifo.ReadWord(nil))
}

func (m *Master) enterDataState() {
	m.logger.WithFields(log.Fields{"slave_session_id": m.slaveSID}).Info("parameters confirmed, entering data state")
	m.state = StateData
}

// tickData exchanges safe process data (spec §4.5): the master sends the
// first Data-state frame on its first Data tick, and after that sends its
// next frame in the tick that receives and validates the slave's reply to
// the previous one, so both ends extend the same CRC chain. Each frame is
// ProcessData, or a zeroed FailSafeData frame whenever process-data sending
// is not enabled. The enable flag is read fresh every tick, so a
// SetProcessDataEnable call made mid-Data-state applies to the next frame
// the master sends (spec §9).
func (m *Master) tickData(outputs []byte) {
	cmd := frame.CmdProcessData
	payload := outputs
	if !m.processDataEnableRequested {
		cmd = frame.CmdFailSafeData
		for i := range m.failSafeScratch {
			m.failSafeScratch[i] = 0
		}
		payload = m.failSafeScratch
	}
	// localSeqNo == peerSeqNo exactly when every frame sent so far has been
	// answered, which always holds on entry to Data state.
	if m.localSeqNo == m.peerSeqNo {
		m.sendFrame(m.outFrame, cmd, payload)
		return
	}

	m.isProcessDataRcvd = false
	decoded, ok := m.recvAndCheckReset(m.dataInLayout, m.inFrame)
	if !ok {
		return
	}
	if decoded.Cmd != frame.CmdProcessData && decoded.Cmd != frame.CmdFailSafeData {
		m.fail(cmdMismatchReason(decoded.Cmd), "unexpected command in data state")
		return
	}
	if !m.validateCRC(m.dataInLayout, decoded) {
		return
	}
	copy(m.safeInputs, decoded.Payload)
	m.isProcessDataRcvd = decoded.Cmd == frame.CmdProcessData
	m.sendFrame(m.outFrame, cmd, payload)
}
