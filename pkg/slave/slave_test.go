package slave_test

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
		toSlave:      blackchannel.NewLoopback(3),
		toMaster:     blackchannel.NewLoopback(4),
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

func TestSlaveLearnsMasterSessionID(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.runUntilData(40))

	sid, err := h.s.MasterSessionID()
	require.NoError(t, err)
	assert.NotZero(t, sid)
}

func TestSlaveResetRequestForcesHandshakeRestart(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.runUntilData(40))

	require.NoError(t, h.s.SetResetRequestFlag())
	h.step()

	assert.Equal(t, reset.LocalReset, h.sStatus.ResetReason)
	assert.Equal(t, reset.EventBySlave, h.sStatus.ResetEvent)
	assert.Equal(t, endpoint.StateReset, h.sStatus.CurrentState)

	require.True(t, h.runUntilData(40), "slave should be able to re-handshake after a self-requested reset")
}

func TestSlaveDetectsDuplicatedFrameAsCRCMismatch(t *testing.T) {
	// A duplicated frame carries a stale rolling CRC relative to the
	// receiver's now-advanced peer sequence number, so FSoE's duplicate
	// detection falls out of the ordinary CRC check rather than needing a
	// frame counter on the wire (spec §4.2): replays are never silently
	// accepted.
	h := newHarness(t)
	require.True(t, h.runUntilData(40))

	h.toSlave.WithDuplicatePercent(100)
	sawReset := false
	for i := 0; i < 10; i++ {
		h.step()
		if h.sStatus.ResetEvent != reset.EventNone {
			sawReset = true
			break
		}
	}
	require.True(t, sawReset, "expected the duplicated frame to be rejected")
	assert.Equal(t, reset.InvalidCRC, h.sStatus.ResetReason)

	h.toSlave.WithDuplicatePercent(0)
	assert.True(t, h.runUntilData(40), "endpoints should re-handshake cleanly once duplication stops")
}

func TestSlaveWatchdogTimeoutOnMasterSilence(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.runUntilData(40))

	// Starve the slave of any further master frames.
	h.toSlave.WithDropPercent(100)

	sawTimeout := false
	for i := 0; i < 200; i++ {
		h.step()
		if h.sStatus.ResetReason == reset.WatchdogExpired {
			sawTimeout = true
			break
		}
	}
	assert.True(t, sawTimeout, "expected the slave's receive watchdog to expire on master silence")
}

func TestSlaveRejectsDeviceSpecificParameterCode(t *testing.T) {
	h := newHarness(t)
	const deviceSpecific = reset.Reason(0x90)
	h.verifyCode = uint8(deviceSpecific)

	for i := 0; i < 40; i++ {
		h.step()
		if h.sStatus.ResetEvent != reset.EventNone {
			break
		}
	}
	assert.Equal(t, deviceSpecific, h.sStatus.ResetReason)
	assert.True(t, h.sStatus.ResetReason.IsDeviceSpecific())
	assert.Equal(t, reset.EventBySlave, h.sStatus.ResetEvent)
}

func TestSlaveAdoptsWatchdogFromSafeParameters(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.runUntilData(40))

	// Drop every master frame after Data state is reached; the slave's own
	// watchdog timeout (learned from SafePara, not its static Config) must
	// still govern when it gives up.
	h.toSlave.WithDropPercent(100)
	for i := 0; i < 200; i++ {
		h.step()
		if h.sStatus.ResetEvent != reset.EventNone {
			break
		}
	}
	assert.Equal(t, reset.WatchdogExpired, h.sStatus.ResetReason)
}
