// Package flow implements the device picker used to configure a device: list what the scanner
// discovered, accept a choice or a pasted address, and create the config entry.
package flow

import (
	"fmt"
	"iter"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/robertof/go-ble-advert-exporter/advert"
	"github.com/robertof/go-ble-advert-exporter/device"
	"github.com/robertof/go-ble-advert-exporter/store"
)

const (
	StepUser = "user"

	ErrorNoDevices = "no_devices"
)

type Discovered interface {
	All() []advert.Snapshot
	Lookup(addr string) (advert.Snapshot, bool)
}

type Entries interface {
	Add(d device.Device, title string) (store.Entry, error)
	Remove(entryID string) (store.Entry, error)
	Get(entryID string) (store.Entry, error)
	UpdateOptions(entryID string, opts store.Options) (store.Entry, error)
}

// Lifecycle loads and unloads the entities of an entry.
type Lifecycle interface {
	Setup(e store.Entry) error
	Unload(entryID string) error
	Reload(e store.Entry) error
}

// Choice is one selectable device.
type Choice struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	Label   string `json:"label"`
}

type Form struct {
	StepID  string            `json:"step_id"`
	Devices []Choice          `json:"devices"`
	Errors  map[string]string `json:"errors"`
}

type Flow struct {
	discovered Discovered
	entries    Entries
	lifecycle  Lifecycle
}

func New(discovered Discovered, entries Entries, lifecycle Lifecycle) *Flow {
	return &Flow{discovered: discovered, entries: entries, lifecycle: lifecycle}
}

// Devices yields the discovered devices matching filter, named devices first, then by name and
// address. An empty filter matches everything.
func (f *Flow) Devices(filter string) iter.Seq[Choice] {
	filter = strings.ToLower(strings.TrimSpace(filter))

	return func(yield func(Choice) bool) {
		found := f.discovered.All()

		sort.Slice(found, func(i, j int) bool {
			a, b := found[i], found[j]

			if (a.Name == "") != (b.Name == "") {
				return a.Name != ""
			}

			if a.Name != b.Name {
				return a.Name < b.Name
			}

			return a.Address < b.Address
		})

		seen := make(map[string]struct{}, len(found))

		for _, s := range found {
			if _, dup := seen[s.Address]; dup {
				continue
			}

			seen[s.Address] = struct{}{}

			if filter != "" &&
				!strings.Contains(strings.ToLower(s.Name), filter) &&
				!strings.Contains(strings.ToLower(s.Address), filter) {
				continue
			}

			name := s.Name

			if name == "" {
				name = s.Address
			}

			if !yield(Choice{Address: s.Address, Name: s.Name, Label: fmt.Sprintf("%s (%s)", name, s.Address)}) {
				return
			}
		}
	}
}

// Form returns the picker form. With nothing discovered the form carries the no_devices error,
// but an address can still be submitted.
func (f *Flow) Form(filter string) Form {
	form := Form{
		StepID:  StepUser,
		Devices: []Choice{},
		Errors:  map[string]string{},
	}

	for c := range f.Devices(filter) {
		form.Devices = append(form.Devices, c)
	}

	if len(form.Devices) == 0 {
		form.Errors["base"] = ErrorNoDevices
	}

	return form
}

// Submit configures the device at address, either picked from the form or pasted. The entry is
// titled with the discovered name of the device, or its address.
func (f *Flow) Submit(address string) (store.Entry, error) {
	d, err := device.New(address, "")
	if err != nil {
		return store.Entry{}, err
	}

	if s, ok := f.discovered.Lookup(d.Address); ok && s.Name != "" {
		d.Name = s.Name
	}

	e, err := f.entries.Add(d, d.Title())
	if err != nil {
		return store.Entry{}, err
	}

	if err := f.lifecycle.Setup(e); err != nil {
		if _, rmErr := f.entries.Remove(e.EntryID); rmErr != nil {
			log.Error().Err(rmErr).Str("EntryID", e.EntryID).Msg("Failed to roll back entry")
		}

		return store.Entry{}, errors.Wrapf(err, "failed to set up %s", d.Address)
	}

	log.Info().Str("EntryID", e.EntryID).Str("Address", d.Address).Str("Title", e.Title).Msg("Device configured")

	return e, nil
}

// RemoveEntry unloads the entities of an entry and deletes it.
func (f *Flow) RemoveEntry(entryID string) (store.Entry, error) {
	if _, err := f.entries.Get(entryID); err != nil {
		return store.Entry{}, err
	}

	if err := f.lifecycle.Unload(entryID); err != nil {
		log.Warn().Err(err).Str("EntryID", entryID).Msg("Entry was not loaded")
	}

	e, err := f.entries.Remove(entryID)
	if err != nil {
		return store.Entry{}, err
	}

	log.Info().Str("EntryID", entryID).Str("Address", e.Device.Address).Msg("Device removed")

	return e, nil
}

// UpdateOptions replaces the rules of an entry and reloads its entities.
func (f *Flow) UpdateOptions(entryID string, opts store.Options) (store.Entry, error) {
	e, err := f.entries.UpdateOptions(entryID, opts)
	if err != nil {
		return store.Entry{}, err
	}

	if err := f.lifecycle.Reload(e); err != nil {
		return store.Entry{}, errors.Wrapf(err, "failed to reload %s", e.Device.Address)
	}

	return e, nil
}
