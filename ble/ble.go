// Package ble wraps the HCI adapter the advertisements are scanned from.
package ble

import (
	"fmt"
	"net"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/rs/zerolog/log"

	"github.com/robertof/go-ble-advert-exporter/utils"
)

type Advertisement = ble.Advertisement

type Handle struct {
	dev      *linux.Device
	deviceId int
}

// Init opens the adapter hciN and programs its allow-list, if any.
func Init(deviceId int, opts ScanOptions) (*Handle, error) {
	log.Debug().
		Stringer("ScanType", opts.scanType()).
		Stringer("FilterPolicy", opts.filterPolicy()).
		Int("DeviceID", deviceId).
		Msg("Initializing Bluetooth device")

	dev, err := linux.NewDevice(
		ble.OptDeviceID(deviceId),
		ble.OptScanParams(cmd.LESetScanParameters{
			LEScanType:           uint8(opts.scanType()),     // 0x00: passive, 0x01: active
			LEScanInterval:       0x0004,                     // 0x0004 - 0x4000; N * 0.625msec
			LEScanWindow:         0x0004,                     // 0x0004 - 0x4000; N * 0.625msec
			OwnAddressType:       0x00,                       // 0x00: public, 0x01: random
			ScanningFilterPolicy: uint8(opts.filterPolicy()), // 0x00: accept all, 0x01: ignore non-allow-listed.
		}),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to init bluetooth device: %w", err)
	}

	h := &Handle{
		dev:      dev,
		deviceId: deviceId,
	}

	if len(opts.AllowList) == 0 {
		return h, nil
	}

	if err := h.setAllowList(opts.AllowList); err != nil {
		_ = dev.Stop()
		return nil, err
	}

	return h, nil
}

// Source names the adapter advertisements are received from, e.g. hci0.
func (h *Handle) Source() string {
	return fmt.Sprintf("hci%d", h.deviceId)
}

// controllerAddress converts addr to the little endian layout HCI commands use.
func controllerAddress(addr net.HardwareAddr) ([6]byte, error) {
	if len(addr) != 6 {
		return [6]byte{}, fmt.Errorf("%q is not a 6 byte MAC address", addr.String())
	}

	return [6]byte(utils.Reverse(addr)), nil
}

// send runs an HCI command whose response carries status.
func (h *Handle) send(what string, c hci.Command, status *uint8, rp hci.CommandRP) error {
	if err := h.dev.HCI.Send(c, rp); err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}

	if *status != 0 {
		return fmt.Errorf("failed to %s: got status: %v", what, *status)
	}

	return nil
}

// setAllowList replaces the controller allow-list with addrs.
func (h *Handle) setAllowList(addrs []net.HardwareAddr) error {
	log.Debug().
		Array("DeviceAddresses", utils.ToZeroLogArray(addrs)).
		Msg("Allow-listing the configured Bluetooth devices")

	var cleared cmd.LEClearWhiteListRP

	if err := h.send("clear allow-list", &cmd.LEClearWhiteList{}, &cleared.Status, &cleared); err != nil {
		return err
	}

	for _, addr := range addrs {
		controllerAddr, err := controllerAddress(addr)
		if err != nil {
			return fmt.Errorf("failed to allow-list device: %w", err)
		}

		var added cmd.LEAddDeviceToWhiteListRP

		err = h.send("allow-list device "+addr.String(), &cmd.LEAddDeviceToWhiteList{
			AddressType: 0x00, // public
			Address:     controllerAddr,
		}, &added.Status, &added)

		if err != nil {
			return err
		}
	}

	return nil
}

func (h *Handle) Stop() error {
	return h.dev.Stop()
}
