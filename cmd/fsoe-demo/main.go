// Example of master+slave usage over an in-process loopback black channel.
package main

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fsoeproject/go-fsoe/pkg/blackchannel"
	"github.com/fsoeproject/go-fsoe/pkg/endpoint"
	"github.com/fsoeproject/go-fsoe/pkg/master"
	"github.com/fsoeproject/go-fsoe/pkg/reset"
	"github.com/fsoeproject/go-fsoe/pkg/slave"
)

const (
	slaveAddress = 0x0001
	connectionID = 0x2A2A
	dataSize     = 2
)

func main() {
	log.SetLevel(log.DebugLevel)

	start := time.Now()
	clock := func() uint64 { return uint64(time.Since(start).Microseconds()) }

	toSlave := blackchannel.NewLoopback(1)
	toMaster := blackchannel.NewLoopback(2)

	var sessionCounter uint16
	generateID := func(any) uint16 {
		sessionCounter++
		return sessionCounter
	}
	reportError := func(appRef any, err error) {
		log.WithField("endpoint", appRef).WithError(err).Error("api misuse")
	}

	m, err := master.Init(
		master.Config{
			SlaveAddress:          slaveAddress,
			ConnectionID:          connectionID,
			WatchdogTimeoutMs:     100,
			ApplicationParameters: []byte{0x01, 0x02, 0x03, 0x04},
			InputsSize:            dataSize,
			OutputsSize:           dataSize,
		},
		"master", toSlave.Send, toMaster.Recv, clock, generateID, reportError,
	)
	if err != nil {
		log.WithError(err).Fatal("master init failed")
	}

	verify := func(appRef any, watchdogMs uint16, appParameters []byte) uint8 {
		log.WithField("watchdog_ms", watchdogMs).WithField("app_parameters", appParameters).Info("verifying safe parameters")
		return reset.VerifyOK
	}
	s, err := slave.Init(
		slave.Config{
			SlaveAddress:      slaveAddress,
			WatchdogTimeoutMs: 100,
			InputsSize:        dataSize,
			OutputsSize:       dataSize,
		},
		"slave", toMaster.Send, toSlave.Recv, clock, generateID, reportError, verify,
	)
	if err != nil {
		log.WithError(err).Fatal("slave init failed")
	}

	outputs := []byte{0xAA, 0xBB}
	slaveInputs := []byte{0x11, 0x22}
	masterInputs := make([]byte, dataSize)
	slaveOutputs := make([]byte, dataSize)

	var mStatus, sStatus endpoint.SyncStatus
	for i := 0; i < 50; i++ {
		_ = m.SyncWithSlave(outputs, masterInputs, &mStatus)
		_ = s.SyncWithMaster(slaveInputs, slaveOutputs, &sStatus)

		if mStatus.CurrentState == endpoint.StateData && sStatus.CurrentState == endpoint.StateData {
			log.WithFields(log.Fields{
				"tick":          i,
				"master_inputs": masterInputs,
				"slave_outputs": slaveOutputs,
			}).Info("data state reached, exchanging safe process data")
		}
	}
}
