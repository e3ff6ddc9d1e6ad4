package master_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsoeproject/go-fsoe/pkg/blackchannel"
	"github.com/fsoeproject/go-fsoe/pkg/endpoint"
	"github.com/fsoeproject/go-fsoe/pkg/master"
	"github.com/fsoeproject/go-fsoe/pkg/reset"
	"github.com/fsoeproject/go-fsoe/pkg/slave"
)

const dataSize = 2

type harness struct {
	t            *testing.T
	m            *master.Master
	s            *slave.Slave
	tick         uint64
	toSlave      *blackchannel.Loopback
	toMaster     *blackchannel.Loopback
	outputs      []byte
	slaveInputs  []byte
	masterInputs []byte
	slaveOutputs []byte
	mStatus      endpoint.SyncStatus
	sStatus      endpoint.SyncStatus
	verifyCode   uint8
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:            t,
		toSlave:      blackchannel.NewLoopback(1),
		toMaster:     blackchannel.NewLoopback(2),
		outputs:      []byte{0xAA, 0xBB},
		slaveInputs:  []byte{0x11, 0x22},
		masterInputs: make([]byte, dataSize),
		slaveOutputs: make([]byte, dataSize),
		verifyCode:   reset.VerifyOK,
	}

	clock := func() uint64 { h.tick += 1000; return h.tick }
	var sessionCounter uint16
	generateID := func(any) uint16 { sessionCounter++; return sessionCounter }
	noopErr := func(any, error) {}

	m, err := master.Init(master.Config{
		SlaveAddress:          0x0001,
		ConnectionID:          0x2A2A,
		WatchdogTimeoutMs:     50,
		ApplicationParameters: []byte{0x01, 0x02, 0x03, 0x04},
		InputsSize:            dataSize,
		OutputsSize:           dataSize,
	}, "master", h.toSlave.Send, h.toMaster.Recv, clock, generateID, noopErr)
	require.NoError(t, err)
	h.m = m

	verify := func(appRef any, watchdogMs uint16, appParameters []byte) uint8 { return h.verifyCode }
	s, err := slave.Init(slave.Config{
		SlaveAddress:      0x0001,
		WatchdogTimeoutMs: 50,
		InputsSize:        dataSize,
		OutputsSize:       dataSize,
	}, "slave", h.toMaster.Send, h.toSlave.Recv, clock, generateID, noopErr, verify)
	require.NoError(t, err)
	h.s = s

	return h
}

func (h *harness) step() {
	h.t.Helper()
	require.NoError(h.t, h.m.SyncWithSlave(h.outputs, h.masterInputs, &h.mStatus))
	require.NoError(h.t, h.s.SyncWithMaster(h.slaveInputs, h.slaveOutputs, &h.sStatus))
}

func (h *harness) runUntilData(maxTicks int) bool {
	for i := 0; i < maxTicks; i++ {
		h.step()
		if h.mStatus.CurrentState == endpoint.StateData && h.sStatus.CurrentState == endpoint.StateData {
			return true
		}
	}
	return false
}

func TestHandshakeReachesDataState(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.runUntilData(40), "handshake did not complete")
	assert.Equal(t, reset.EventNone, h.mStatus.ResetEvent)
	assert.Equal(t, reset.EventNone, h.sStatus.ResetEvent)
}

func TestProcessDataExchangedOnceConnected(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.runUntilData(40))

	// The master opens the Data-state exchange; the slave's first reply
	// reaches the master on the following tick.
	h.step()
	h.step()
	assert.Equal(t, h.outputs, h.slaveOutputs)
	assert.Equal(t, h.slaveInputs, h.masterInputs)
	assert.True(t, h.mStatus.IsProcessDataReceived)
	assert.True(t, h.sStatus.IsProcessDataReceived)
}

func TestCorruptedConnectionFrameForcesReset(t *testing.T) {
	h := newHarness(t)

	// Drive the handshake to the point both sides agree they are in the
	// Connection state, with the first ConnData chunk already acked.
	for i := 0; i < 3; i++ {
		h.step()
	}
	require.Equal(t, endpoint.StateConnection, h.mStatus.CurrentState)
	require.Equal(t, endpoint.StateConnection, h.sStatus.CurrentState)

	// Let the master consume the first chunk's echo and queue the second
	// chunk, then corrupt a payload byte (not the command byte) before the
	// slave consumes it.
	require.NoError(t, h.m.SyncWithSlave(h.outputs, h.masterInputs, &h.mStatus))
	h.toSlave.Corrupt(1, 0xFF)
	require.NoError(t, h.s.SyncWithMaster(h.slaveInputs, h.slaveOutputs, &h.sStatus))

	assert.Equal(t, reset.InvalidCRC, h.sStatus.ResetReason)
	assert.Equal(t, reset.EventBySlave, h.sStatus.ResetEvent)
}

func TestWrongButRecognizedCommandYieldsInvalidCmd(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.step()
	}
	require.Equal(t, endpoint.StateConnection, h.mStatus.CurrentState)
	require.Equal(t, endpoint.StateConnection, h.sStatus.CurrentState)

	require.NoError(t, h.m.SyncWithSlave(h.outputs, h.masterInputs, &h.mStatus))
	// Flip the Cmd byte from Connection (0x02) to ProcessData (0x04): a
	// perfectly valid command, just not the one expected mid-stream.
	h.toSlave.Corrupt(0, 0x06)
	require.NoError(t, h.s.SyncWithMaster(h.slaveInputs, h.slaveOutputs, &h.sStatus))

	assert.Equal(t, reset.InvalidCmd, h.sStatus.ResetReason)
	assert.Equal(t, reset.EventBySlave, h.sStatus.ResetEvent)
}

func TestUnrecognizedCommandByteYieldsUnknownCmd(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.step()
	}
	require.Equal(t, endpoint.StateConnection, h.mStatus.CurrentState)
	require.Equal(t, endpoint.StateConnection, h.sStatus.CurrentState)

	require.NoError(t, h.m.SyncWithSlave(h.outputs, h.masterInputs, &h.mStatus))
	// Flip the Cmd byte from Connection (0x02) to 0xFF: not one of the six
	// recognized commands at all.
	h.toSlave.Corrupt(0, 0xFD)
	require.NoError(t, h.s.SyncWithMaster(h.slaveInputs, h.slaveOutputs, &h.sStatus))

	assert.Equal(t, reset.UnknownCmd, h.sStatus.ResetReason)
	assert.Equal(t, reset.EventBySlave, h.sStatus.ResetEvent)
}

func TestBadApplicationParameterIsRejected(t *testing.T) {
	h := newHarness(t)
	h.verifyCode = uint8(reset.InvalidUserPara)

	for i := 0; i < 40; i++ {
		h.step()
		if h.sStatus.ResetEvent != reset.EventNone {
			break
		}
	}
	assert.Equal(t, reset.InvalidUserPara, h.sStatus.ResetReason)
	assert.Equal(t, reset.EventBySlave, h.sStatus.ResetEvent)
}

func TestWatchdogTimeoutResetsMaster(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.runUntilData(40))

	// Starve the master of any further slave replies by dropping every
	// subsequent send from the slave.
	h.toMaster.WithDropPercent(100)

	sawTimeout := false
	for i := 0; i < 200; i++ {
		h.step()
		if h.mStatus.ResetReason == reset.WatchdogExpired {
			sawTimeout = true
			break
		}
	}
	assert.True(t, sawTimeout, "expected a watchdog timeout reset")
}

func TestSlaveAddressMismatchIsRejected(t *testing.T) {
	h := newHarness(t)
	// Construct a second master that targets a different slave address
	// than h.s is configured with; Connection state should reject it.
	mMis, err := master.Init(master.Config{
		SlaveAddress:      0x0002,
		ConnectionID:      0x2A2A,
		WatchdogTimeoutMs: 50,
		InputsSize:        dataSize,
		OutputsSize:       dataSize,
	}, "master", h.toSlave.Send, h.toMaster.Recv, func() uint64 { h.tick += 1000; return h.tick }, func(any) uint16 { return 7 }, func(any, error) {})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, mMis.SyncWithSlave(h.outputs, h.masterInputs, &h.mStatus))
		require.NoError(t, h.s.SyncWithMaster(h.slaveInputs, h.slaveOutputs, &h.sStatus))
		if h.sStatus.ResetEvent != reset.EventNone {
			break
		}
	}
	assert.Equal(t, reset.InvalidAddress, h.sStatus.ResetReason)
}
