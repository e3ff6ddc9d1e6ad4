package slave

import (
	"fmt"

	"github.com/fsoeproject/go-fsoe/pkg/endpoint"
	"github.com/fsoeproject/go-fsoe/pkg/frame"
)

// Config is the slave-side configuration surface (spec §6). Unlike the
// master, the slave has no connection_id of its own: it takes the value
// from the header of the master's Reset frame, and when the Connection
// state completes it checks that the ConnData payload carries the same
// connection id and this slave's slave_address.
type Config struct {
	SlaveAddress          uint16
	WatchdogTimeoutMs     uint16 // fallback only; master's value wins once the Parameter state completes
	InputsSize            int    // size of slave->master safe data
	OutputsSize           int    // size of master->slave safe data
}

// Validate checks the configuration surface ranges from spec §6.
// slave_address is documented as 0..65535 (unlike connection_id, which
// must be nonzero), so 0 is a legal address and is not rejected here.
func (c Config) Validate() error {
	if _, err := frame.NewLayout(c.InputsSize); err != nil {
		return fmt.Errorf("%w: inputs_size: %v", endpoint.ErrBadConfig, err)
	}
	if _, err := frame.NewLayout(c.OutputsSize); err != nil {
		return fmt.Errorf("%w: outputs_size: %v", endpoint.ErrBadConfig, err)
	}
	return nil
}

// GenerateSessionIDFunc and HandleUserErrorFunc are the integrator-supplied
// callbacks from spec §6 that are specific to the slave side.
type (
	GenerateSessionIDFunc func(appRef any) uint16
	HandleUserErrorFunc   func(appRef any, err error)
)

// VerifyParametersFunc lets the application accept or reject the
// SafeApplicationParameters streamed during the Parameter state (spec
// §4.6). It returns reset.VerifyOK, a well-known rejection code, or a
// device-specific code in 0x80..0xFF.
type VerifyParametersFunc func(appRef any, watchdogMs uint16, appParameters []byte) uint8
