// Package advert turns BLE advertisements into immutable snapshots carrying the raw fields
// published as sensor attributes.
package advert

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/go-ble/ble"
)

const (
	adTypeTxPower          = 0x0a
	adTypeManufacturerData = 0xff
)

// Snapshot is the last observed advertisement of a device. Snapshots are replaced wholesale
// and never mutated after creation.
type Snapshot struct {
	Name        string
	Address     string
	RSSI        int
	TxPower     *int
	Connectable bool
	Source      string
	Time        time.Time

	ManufacturerData map[uint16][]byte
	ServiceData      map[string][]byte
	ServiceUUIDs     []string
	Raw              []byte
}

// raw advertising data is only exposed by the HCI implementation of ble.Advertisement.
type rawData interface {
	Data() []byte
}

type rawScanResponse interface {
	ScanResponse() []byte
}

// FromAdvertisement copies every field of a into a new Snapshot.
func FromAdvertisement(a ble.Advertisement, source string, at time.Time) Snapshot {
	s := Snapshot{
		Name:             a.LocalName(),
		RSSI:             a.RSSI(),
		Connectable:      a.Connectable(),
		Source:           source,
		Time:             at,
		ManufacturerData: make(map[uint16][]byte),
		ServiceData:      make(map[string][]byte),
		ServiceUUIDs:     []string{},
	}

	if addr := a.Addr(); addr != nil {
		s.Address = strings.ToUpper(addr.String())
	}

	s.Raw = RawPayload(a)

	if len(s.Raw) > 0 {
		s.ManufacturerData = ParseManufacturerData(s.Raw)
		s.TxPower = ParseTxPower(s.Raw)
	} else if pwr := a.TxPowerLevel(); pwr != 0 {
		// go-ble reports a missing TX power field as 0, so 0 dBm cannot be told apart
		// without the raw payload.
		s.TxPower = &pwr
	}

	// fall back to the parsed accessor when no raw payload is available or it had no 0xff field.
	if md := a.ManufacturerData(); len(s.ManufacturerData) == 0 && len(md) >= 2 {
		s.ManufacturerData[binary.LittleEndian.Uint16(md)] = bytes.Clone(md[2:])
	}

	for _, sd := range a.ServiceData() {
		s.ServiceData[NormalizeUUID(sd.UUID)] = bytes.Clone(sd.Data)
	}

	seen := make(map[string]bool)

	for _, u := range a.Services() {
		str := NormalizeUUID(u)

		if !seen[str] {
			seen[str] = true
			s.ServiceUUIDs = append(s.ServiceUUIDs, str)
		}
	}

	return s
}

// RawPayload returns the advertising data followed by the scan response, or nil when the
// advertisement implementation does not expose raw bytes.
func RawPayload(a ble.Advertisement) []byte {
	var out []byte

	if r, ok := a.(rawData); ok {
		out = append(out, r.Data()...)
	}

	if r, ok := a.(rawScanResponse); ok {
		out = append(out, r.ScanResponse()...)
	}

	return out
}

// walkAD calls fn with the type and data of every AD structure of a raw payload. Malformed
// trailing structures are ignored.
func walkAD(raw []byte, fn func(typ byte, data []byte)) {
	for len(raw) > 0 {
		l := int(raw[0])

		if l == 0 || l+1 > len(raw) {
			return
		}

		fn(raw[1], raw[2:l+1])

		raw = raw[l+1:]
	}
}

// ParseManufacturerData returns every manufacturer specific field (type 0xff) of a raw
// payload keyed by company identifier.
func ParseManufacturerData(raw []byte) map[uint16][]byte {
	out := make(map[uint16][]byte)

	walkAD(raw, func(typ byte, data []byte) {
		if typ != adTypeManufacturerData || len(data) < 2 {
			return
		}

		id := binary.LittleEndian.Uint16(data)

		// first field wins when a company id appears twice (adv data before scan response).
		if _, ok := out[id]; !ok {
			out[id] = bytes.Clone(data[2:])
		}
	})

	return out
}

// ParseTxPower returns the TX power level field (type 0x0a) of a raw payload, nil when absent.
func ParseTxPower(raw []byte) *int {
	var out *int

	walkAD(raw, func(typ byte, data []byte) {
		if typ != adTypeTxPower || len(data) != 1 || out != nil {
			return
		}

		pwr := int(int8(data[0]))
		out = &pwr
	})

	return out
}

// ManufacturerDataHex returns manufacturer data keyed by decimal company id with hex payloads.
func (s Snapshot) ManufacturerDataHex() map[string]string {
	out := make(map[string]string, len(s.ManufacturerData))

	for id, data := range s.ManufacturerData {
		out[strconv.Itoa(int(id))] = hex.EncodeToString(data)
	}

	return out
}

// ServiceDataHex returns service data keyed by UUID with hex payloads.
func (s Snapshot) ServiceDataHex() map[string]string {
	out := make(map[string]string, len(s.ServiceData))

	for u, data := range s.ServiceData {
		out[u] = hex.EncodeToString(data)
	}

	return out
}

// RawHex returns the raw payload as hex, or nil when unavailable.
func (s Snapshot) RawHex() *string {
	if len(s.Raw) == 0 {
		return nil
	}

	h := hex.EncodeToString(s.Raw)

	return &h
}

// UnixTime returns the arrival time in fractional seconds since the epoch.
func (s Snapshot) UnixTime() float64 {
	return float64(s.Time.UnixNano()) / float64(time.Second)
}
