// Package entity holds the sensor entities of configured devices and the manager that keeps
// them in sync with the advertisement listener.
package entity

import (
	"strings"
	"time"
)

const (
	StateUnavailable = "unavailable"
	StateUnknown     = "unknown"
	StateOn          = "on"
	StateOff         = "off"
)

type Kind string

const (
	KindAdvertisement Kind = "advertisement"
	KindConnectivity  Kind = "connectivity"
	KindRule          Kind = "rule"
)

// State is a point-in-time copy of an entity, shaped like Home Assistant entity state.
type State struct {
	EntityID    string         `json:"entity_id"`
	UniqueID    string         `json:"unique_id"`
	Name        string         `json:"friendly_name"`
	Kind        Kind           `json:"kind"`
	EntryID     string         `json:"entry_id"`
	Address     string         `json:"address"`
	DeviceName  string         `json:"device_name"`
	State       string         `json:"state"`
	Available   bool           `json:"available"`
	Attributes  map[string]any `json:"attributes"`
	DeviceClass string         `json:"device_class,omitempty"`
	StateClass  string         `json:"state_class,omitempty"`
	Unit        string         `json:"unit_of_measurement,omitempty"`
	LastUpdated time.Time      `json:"last_updated"`

	// numeric state, nil when unknown or not numeric
	Value *float64 `json:"-"`
}

// Domain is the Home Assistant platform of the entity.
func (s State) Domain() string {
	if s.Kind == KindConnectivity {
		return "binary_sensor"
	}

	return "sensor"
}

// slugify mirrors how entity ids are derived from names: lower case, runs of anything that is
// not a letter or digit collapsed to a single underscore.
func slugify(s string) string {
	var b strings.Builder

	pending := false

	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}

			b.WriteRune(r)
			pending = false
		} else {
			pending = true
		}
	}

	if b.Len() == 0 {
		return "unnamed"
	}

	return b.String()
}
