package ble

import (
	"net"
	"strconv"
	"strings"
)

// ScanOptions configures how the adapter scans.
type ScanOptions struct {
	// Request scan responses from peripherals, which usually carry the local name.
	Active bool
	// When not empty the controller only reports advertisements of these addresses.
	AllowList []net.HardwareAddr
}

func (o ScanOptions) scanType() scanType {
	if o.Active {
		return scanTypeActive
	}

	return scanTypePassive
}

func (o ScanOptions) filterPolicy() filterPolicy {
	if len(o.AllowList) > 0 {
		return filterPolicyAllowListedOnly
	}

	return filterPolicyAcceptAll
}

func (o ScanOptions) String() string {
	parts := []string{strings.ToLower(o.scanType().String()) + " scan"}

	if n := len(o.AllowList); n > 0 {
		parts = append(parts, "allow-list of "+strconv.Itoa(n))
	}

	return strings.Join(parts, ", ")
}

type scanType uint8

const (
	scanTypePassive scanType = iota
	scanTypeActive
)

func (s scanType) String() string {
	switch s {
	case scanTypeActive:
		return "Active"
	case scanTypePassive:
		return "Passive"
	default:
		panic("unknown scanType value: " + strconv.Itoa(int(s)))
	}
}

type filterPolicy uint8

const (
	filterPolicyAcceptAll filterPolicy = iota
	filterPolicyAllowListedOnly
)

func (f filterPolicy) String() string {
	switch f {
	case filterPolicyAcceptAll:
		return "Accept All"
	case filterPolicyAllowListedOnly:
		return "Allow-listed Only"
	default:
		panic("unknown filterPolicy value: " + strconv.Itoa(int(f)))
	}
}
