package advert_test

import (
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertof/go-ble-advert-exporter/advert"
	"github.com/robertof/go-ble-advert-exporter/advert/adverttest"
)

func TestFromAdvertisement(t *testing.T) {
	at := time.Unix(1700000000, 500000000)

	a := adverttest.Advertisement{
		Name:           "Thermo",
		Address:        "aa:bb:cc:dd:ee:ff",
		Manufacturer:   []byte{0x4c, 0x00, 0x02, 0x15},
		Service:        []ble.ServiceData{{UUID: ble.UUID16(0x181a), Data: []byte{0x01, 0x02}}},
		UUIDs:          []ble.UUID{ble.UUID16(0x180d), ble.UUID16(0x180d), ble.UUID16(0x180f)},
		TxPower:        -4,
		IsConnectable:  true,
		SignalStrength: -61,
	}

	s := advert.FromAdvertisement(a, "hci0", at)

	assert.Equal(t, "Thermo", s.Name)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", s.Address)
	assert.Equal(t, -61, s.RSSI)
	require.NotNil(t, s.TxPower)
	assert.Equal(t, -4, *s.TxPower)
	assert.True(t, s.Connectable)
	assert.Equal(t, "hci0", s.Source)
	assert.Equal(t, map[uint16][]byte{0x004c: {0x02, 0x15}}, s.ManufacturerData)
	assert.Equal(t, map[string][]byte{
		"0000181a-0000-1000-8000-00805f9b34fb": {0x01, 0x02},
	}, s.ServiceData)
	assert.Equal(t, []string{
		"0000180d-0000-1000-8000-00805f9b34fb",
		"0000180f-0000-1000-8000-00805f9b34fb",
	}, s.ServiceUUIDs)
	assert.Nil(t, s.Raw)
	assert.Nil(t, s.RawHex())
	assert.InDelta(t, 1700000000.5, s.UnixTime(), 1e-6)
}

func TestFromAdvertisement_Empty(t *testing.T) {
	s := advert.FromAdvertisement(adverttest.Advertisement{}, "", time.Now())

	assert.Nil(t, s.TxPower)
	assert.NotNil(t, s.ManufacturerData)
	assert.Empty(t, s.ManufacturerData)
	assert.NotNil(t, s.ServiceData)
	assert.Empty(t, s.ServiceData)
	assert.NotNil(t, s.ServiceUUIDs)
	assert.Empty(t, s.ServiceUUIDs)
	assert.Empty(t, s.Address)
}

func TestFromAdvertisement_RawPayload(t *testing.T) {
	payload := []byte{
		0x02, 0x01, 0x06, // flags
		0x05, 0xff, 0x4c, 0x00, 0xaa, 0xbb, // apple
	}
	response := []byte{
		0x04, 0xff, 0x59, 0x00, 0x01, // nordic
		0x04, 0xff, 0x4c, 0x00, 0xcc, // apple again, ignored
	}

	a := adverttest.RawAdvertisement{
		Advertisement: adverttest.Advertisement{
			Address:      "11:22:33:44:55:66",
			Manufacturer: []byte{0x4c, 0x00, 0xaa, 0xbb},
		},
		Payload:  payload,
		Response: response,
	}

	s := advert.FromAdvertisement(a, "hci0", time.Now())

	assert.Equal(t, append(append([]byte{}, payload...), response...), s.Raw)
	require.NotNil(t, s.RawHex())
	assert.Equal(t, "02010605ff4c00aabb04ff59000104ff4c00cc", *s.RawHex())
	assert.Equal(t, map[uint16][]byte{
		0x004c: {0xaa, 0xbb},
		0x0059: {0x01},
	}, s.ManufacturerData)
	assert.Equal(t, map[string]string{"76": "aabb", "89": "01"}, s.ManufacturerDataHex())
}

func TestFromAdvertisement_TxPowerFromRawPayload(t *testing.T) {
	// go-ble reports 0 when the advertisement has no TX power field.
	flagsOnly := adverttest.RawAdvertisement{
		Advertisement: adverttest.Advertisement{Address: "11:22:33:44:55:66"},
		Payload:       []byte{0x02, 0x01, 0x06},
	}

	assert.Nil(t, advert.FromAdvertisement(flagsOnly, "hci0", time.Now()).TxPower)

	withPower := adverttest.RawAdvertisement{
		Advertisement: adverttest.Advertisement{Address: "11:22:33:44:55:66", TxPower: -8},
		Payload:       []byte{0x02, 0x01, 0x06, 0x02, 0x0a, 0xf8},
	}

	s := advert.FromAdvertisement(withPower, "hci0", time.Now())
	require.NotNil(t, s.TxPower)
	assert.Equal(t, -8, *s.TxPower)

	zero := adverttest.RawAdvertisement{
		Advertisement: adverttest.Advertisement{Address: "11:22:33:44:55:66"},
		Payload:       []byte{0x02, 0x0a, 0x00},
	}

	s = advert.FromAdvertisement(zero, "hci0", time.Now())
	require.NotNil(t, s.TxPower)
	assert.Zero(t, *s.TxPower)
}

func TestParseManufacturerData_Truncated(t *testing.T) {
	got := advert.ParseManufacturerData([]byte{0x04, 0xff, 0x4c, 0x00, 0x01, 0x09, 0xff, 0x01})

	assert.Equal(t, map[uint16][]byte{0x004c: {0x01}}, got)
	assert.Empty(t, advert.ParseManufacturerData([]byte{0x00, 0x03, 0xff}))
}

func TestSnapshot_ServiceDataHex(t *testing.T) {
	s := advert.Snapshot{ServiceData: map[string][]byte{"0000fcd2-0000-1000-8000-00805f9b34fb": {0x40, 0x02}}}

	assert.Equal(t, map[string]string{"0000fcd2-0000-1000-8000-00805f9b34fb": "4002"}, s.ServiceDataHex())
}
