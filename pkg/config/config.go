// Package config loads master/slave endpoint configuration from an INI
// file using gopkg.in/ini.v1, the same library the teacher uses to parse
// EDS object dictionaries (pkg/od/parser.go). It is optional sugar: the
// protocol core (pkg/master, pkg/slave) never reads a file itself, it only
// ever accepts the programmatic Config structs this package produces.
package config

import (
	"encoding/hex"
	"fmt"

	"gopkg.in/ini.v1"

	masterpkg "github.com/fsoeproject/go-fsoe/pkg/master"
	slavepkg "github.com/fsoeproject/go-fsoe/pkg/slave"
)

// LoadMaster reads a [master] section from an INI file into a master.Config.
//
//	[master]
//	slave_address = 0x0001
//	connection_id = 0x2A2A
//	watchdog_timeout_ms = 100
//	inputs_size = 2
//	outputs_size = 2
//	application_parameters = 0011223344
func LoadMaster(path string) (masterpkg.Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return masterpkg.Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	sec, err := f.GetSection("master")
	if err != nil {
		return masterpkg.Config{}, fmt.Errorf("config: %s: %w", path, err)
	}

	appParams, err := hexKey(sec, "application_parameters")
	if err != nil {
		return masterpkg.Config{}, err
	}

	cfg := masterpkg.Config{
		SlaveAddress:          uint16(sec.Key("slave_address").MustUint(0)),
		ConnectionID:          uint16(sec.Key("connection_id").MustUint(0)),
		WatchdogTimeoutMs:     uint16(sec.Key("watchdog_timeout_ms").MustUint(0)),
		ApplicationParameters: appParams,
		InputsSize:            sec.Key("inputs_size").MustInt(0),
		OutputsSize:           sec.Key("outputs_size").MustInt(0),
	}
	if err := cfg.Validate(); err != nil {
		return masterpkg.Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// LoadSlave reads a [slave] section from an INI file into a slave.Config.
//
//	[slave]
//	slave_address = 0x0001
//	watchdog_timeout_ms = 100
//	inputs_size = 2
//	outputs_size = 2
func LoadSlave(path string) (slavepkg.Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return slavepkg.Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	sec, err := f.GetSection("slave")
	if err != nil {
		return slavepkg.Config{}, fmt.Errorf("config: %s: %w", path, err)
	}

	cfg := slavepkg.Config{
		SlaveAddress:      uint16(sec.Key("slave_address").MustUint(0)),
		WatchdogTimeoutMs: uint16(sec.Key("watchdog_timeout_ms").MustUint(0)),
		InputsSize:        sec.Key("inputs_size").MustInt(0),
		OutputsSize:       sec.Key("outputs_size").MustInt(0),
	}
	if err := cfg.Validate(); err != nil {
		return slavepkg.Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func hexKey(sec *ini.Section, name string) ([]byte, error) {
	raw := sec.Key(name).String()
	if raw == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s is not valid hex: %w", name, err)
	}
	return b, nil
}
