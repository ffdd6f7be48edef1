package entity

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/robertof/go-ble-advert-exporter/advert"
	"github.com/robertof/go-ble-advert-exporter/device"
	"github.com/robertof/go-ble-advert-exporter/store"
)

// Entity is updated by the manager with every advertisement of its device.
type Entity interface {
	UniqueID() string
	Update(s advert.Snapshot)
	State() State
}

type base struct {
	entityID   string
	uniqueID   string
	name       string
	entryID    string
	address    string
	deviceName string

	available   bool
	lastUpdated time.Time
}

func newBase(e store.Entry, suffix, name string) base {
	return base{
		uniqueID:   e.UniqueID + "_" + suffix,
		name:       e.Title + " " + name,
		entryID:    e.EntryID,
		address:    e.Device.Address,
		deviceName: e.Title,
	}
}

func (b *base) UniqueID() string {
	return b.uniqueID
}

func (b *base) state(kind Kind) State {
	return State{
		EntityID:    b.entityID,
		UniqueID:    b.uniqueID,
		Name:        b.name,
		Kind:        kind,
		EntryID:     b.entryID,
		Address:     b.address,
		DeviceName:  b.deviceName,
		Available:   b.available,
		LastUpdated: b.lastUpdated,
	}
}

// AdvertisementSensor exposes the latest advertisement of a device. Its state is the RSSI.
type AdvertisementSensor struct {
	base

	snapshot *advert.Snapshot
}

func NewAdvertisementSensor(e store.Entry) *AdvertisementSensor {
	return &AdvertisementSensor{base: newBase(e, "advertisement", "Advertisement")}
}

func (a *AdvertisementSensor) Update(s advert.Snapshot) {
	a.snapshot = &s
	a.available = true
	a.lastUpdated = s.Time
}

// Snapshot returns the current advertisement, if any has been received.
func (a *AdvertisementSensor) Snapshot() (advert.Snapshot, bool) {
	if a.snapshot == nil {
		return advert.Snapshot{}, false
	}

	return *a.snapshot, true
}

func (a *AdvertisementSensor) attributes() map[string]any {
	s := a.snapshot

	if s == nil {
		return map[string]any{
			"name":              nil,
			"address":           a.address,
			"rssi":              nil,
			"manufacturer_data": map[string]string{},
			"service_data":      map[string]string{},
			"service_uuids":     []string{},
			"source":            nil,
			"connectable":       nil,
			"time":              nil,
			"tx_power":          nil,
			"raw":               nil,
		}
	}

	attrs := map[string]any{
		"name":              nil,
		"address":           s.Address,
		"rssi":              s.RSSI,
		"manufacturer_data": s.ManufacturerDataHex(),
		"service_data":      s.ServiceDataHex(),
		"service_uuids":     append([]string{}, s.ServiceUUIDs...),
		"source":            s.Source,
		"connectable":       s.Connectable,
		"time":              s.UnixTime(),
		"tx_power":          nil,
		"raw":               nil,
	}

	if s.Name != "" {
		attrs["name"] = s.Name
	}

	if s.TxPower != nil {
		attrs["tx_power"] = *s.TxPower
	}

	if raw := s.RawHex(); raw != nil {
		attrs["raw"] = *raw
	}

	return attrs
}

func (a *AdvertisementSensor) State() State {
	st := a.state(KindAdvertisement)
	st.DeviceClass = "signal_strength"
	st.StateClass = "measurement"
	st.Unit = "dBm"
	st.Attributes = a.attributes()
	st.State = StateUnavailable

	if a.available && a.snapshot != nil {
		rssi := float64(a.snapshot.RSSI)
		st.Value = &rssi
		st.State = strconv.Itoa(a.snapshot.RSSI)
	}

	return st
}

// ConnectivitySensor is on while the device keeps advertising and turns off once nothing was
// heard from it for longer than the timeout.
type ConnectivitySensor struct {
	base

	on       bool
	lastSeen time.Time
}

func NewConnectivitySensor(e store.Entry) *ConnectivitySensor {
	c := &ConnectivitySensor{base: newBase(e, "connectivity", "Connectivity")}
	c.available = true

	return c
}

func (c *ConnectivitySensor) Update(s advert.Snapshot) {
	c.lastSeen = s.Time
	c.lastUpdated = s.Time
	c.on = true
}

// CheckTimeout turns the sensor off when the device has been silent for longer than timeout.
// It reports whether the state changed.
func (c *ConnectivitySensor) CheckTimeout(now time.Time, timeout time.Duration) bool {
	if c.lastSeen.IsZero() || !c.on {
		return false
	}

	if now.Sub(c.lastSeen) > timeout {
		c.on = false
		c.lastUpdated = now

		return true
	}

	return false
}

func (c *ConnectivitySensor) State() State {
	st := c.state(KindConnectivity)
	st.DeviceClass = "connectivity"
	st.Attributes = map[string]any{}
	st.State = StateOff

	if c.on {
		st.State = StateOn
	}

	return st
}

// RuleSensor exposes the value a rule extracts from the advertisement.
type RuleSensor struct {
	base

	rule    device.Rule
	ruleID  string
	value   *float64
	rawHex  *string
	advName *string
}

func NewRuleSensor(e store.Entry, r device.Rule, index int) *RuleSensor {
	ruleID := r.EffectiveID(index)

	name := r.Name

	if name == "" {
		name = "Rule " + strconv.Itoa(index+1)
	}

	return &RuleSensor{
		base:   newBase(e, "rule_"+ruleID, name),
		rule:   r,
		ruleID: ruleID,
	}
}

func (r *RuleSensor) Update(s advert.Snapshot) {
	r.available = true
	r.lastUpdated = s.Time
	r.value, r.rawHex, r.advName = nil, nil, nil

	if s.Name != "" {
		name := s.Name
		r.advName = &name
	}

	if v, chunk, ok := r.rule.Evaluate(s); ok {
		raw := hex.EncodeToString(chunk)
		r.value, r.rawHex = &v, &raw
	}
}

func (r *RuleSensor) State() State {
	st := r.state(KindRule)
	st.StateClass = "measurement"
	st.Unit = r.rule.Unit
	st.State = StateUnavailable

	if r.available {
		st.State = StateUnknown
	}

	if r.available && r.value != nil {
		v := *r.value
		st.Value = &v
		st.State = strconv.FormatFloat(v, 'f', -1, 64)
	}

	attrs := map[string]any{
		"name":        nil,
		"address":     r.address,
		"source_type": string(r.rule.SourceType),
		"source_key":  r.rule.SourceKey,
		"offset":      r.rule.Offset,
		"length":      r.rule.Length,
		"endian":      string(r.rule.EndianOrDefault()),
		"signed":      r.rule.Signed,
		"scale":       r.rule.ScaleOrDefault(),
		"unit":        nil,
		"raw_bytes":   nil,
	}

	if r.advName != nil {
		attrs["name"] = *r.advName
	}

	if r.rule.Unit != "" {
		attrs["unit"] = r.rule.Unit
	}

	if r.rawHex != nil {
		attrs["raw_bytes"] = *r.rawHex
	}

	st.Attributes = attrs

	return st
}
