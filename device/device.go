package device

import (
	"errors"
	"fmt"
	"net"
)

var (
	ErrInvalidAddress    = errors.New("invalid_address")
	ErrAlreadyConfigured = errors.New("already_configured")
	ErrInvalidRule       = errors.New("invalid rule")
)

// Device is a configured BLE device. The address is immutable once the device is configured;
// changing it means removing the entry and adding a new one.
type Device struct {
	// canonical upper-case form, e.g. AA:BB:CC:DD:EE:FF
	Address string `json:"address" yaml:"address"`
	// display name shown in entity names, falls back to the address.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

func New(addr, name string) (Device, error) {
	canonical, err := ParseAddress(addr)
	if err != nil {
		return Device{}, err
	}

	return Device{Address: canonical, Name: name}, nil
}

func FromSpec(spec Spec) (Device, error) {
	d, err := New(spec.Addr(), spec.Name())
	if err != nil {
		return d, fmt.Errorf("invalid addr: %w", err)
	}

	return d, nil
}

func (d Device) Addr() net.HardwareAddr {
	// already validated by ParseAddress
	hw, _ := net.ParseMAC(d.Address)

	return hw
}

func (d Device) UniqueID() string {
	return FormatMAC(d.Address)
}

func (d Device) Title() string {
	if d.Name != "" {
		return d.Name
	}

	return d.Address
}

func (d Device) String() string {
	return fmt.Sprintf("device[name=%q, addr=%v]", d.Name, d.Address)
}
