// Package adverttest provides advertisement fakes for tests.
package adverttest

import (
	"github.com/go-ble/ble"
)

// Advertisement is a ble.Advertisement backed by plain fields.
type Advertisement struct {
	Name           string
	Address        string
	Manufacturer   []byte
	Service        []ble.ServiceData
	UUIDs          []ble.UUID
	TxPower        int
	IsConnectable  bool
	SignalStrength int
}

func (f Advertisement) LocalName() string {
	return f.Name
}

func (f Advertisement) ManufacturerData() []byte {
	return f.Manufacturer
}

func (f Advertisement) ServiceData() []ble.ServiceData {
	return f.Service
}

func (f Advertisement) Services() []ble.UUID {
	return f.UUIDs
}

func (f Advertisement) OverflowService() []ble.UUID {
	return nil
}

func (f Advertisement) TxPowerLevel() int {
	return f.TxPower
}

func (f Advertisement) Connectable() bool {
	return f.IsConnectable
}

func (f Advertisement) SolicitedService() []ble.UUID {
	return nil
}

func (f Advertisement) RSSI() int {
	return f.SignalStrength
}

func (f Advertisement) Addr() ble.Addr {
	if f.Address == "" {
		return nil
	}

	return ble.NewAddr(f.Address)
}

// RawAdvertisement additionally exposes raw payload bytes like the HCI implementation does.
type RawAdvertisement struct {
	Advertisement
	Payload  []byte
	Response []byte
}

func (f RawAdvertisement) Data() []byte {
	return f.Payload
}

func (f RawAdvertisement) ScanResponse() []byte {
	return f.Response
}
