package master

import (
	"fmt"

	"github.com/fsoeproject/go-fsoe/pkg/endpoint"
	"github.com/fsoeproject/go-fsoe/pkg/frame"
)

// Config is the master-side configuration surface (spec §6).
type Config struct {
	SlaveAddress          uint16
	ConnectionID          uint16 // must be nonzero; unique per master in the system
	WatchdogTimeoutMs     uint16 // 1..65535
	ApplicationParameters []byte
	InputsSize            int // size of slave->master safe data, 1 or even in 2..frame.MaxDataSize
	OutputsSize           int // size of master->slave safe data, same range
}

// Validate checks the configuration surface ranges from spec §6.
func (c Config) Validate() error {
	if c.ConnectionID == 0 {
		return fmt.Errorf("%w: connection_id must be nonzero", endpoint.ErrBadConfig)
	}
	if c.WatchdogTimeoutMs == 0 {
		return fmt.Errorf("%w: watchdog_timeout_ms must be >= 1", endpoint.ErrBadConfig)
	}
	if _, err := frame.NewLayout(c.InputsSize); err != nil {
		return fmt.Errorf("%w: inputs_size: %v", endpoint.ErrBadConfig, err)
	}
	if _, err := frame.NewLayout(c.OutputsSize); err != nil {
		return fmt.Errorf("%w: outputs_size: %v", endpoint.ErrBadConfig, err)
	}
	return nil
}

// GenerateSessionIDFunc and HandleUserErrorFunc are the integrator-supplied
// callbacks from spec §6 that are specific to the master side. Send/Recv
// use blackchannel's callback types directly.
type (
	GenerateSessionIDFunc func(appRef any) uint16
	HandleUserErrorFunc   func(appRef any, err error)
)
