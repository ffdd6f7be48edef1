// Package store persists configured devices (config entries) and their options.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/robertof/go-ble-advert-exporter/device"
)

const fileVersion = 1

var ErrNotFound = errors.New("entry not found")

type Options struct {
	Rules []device.Rule `json:"rules" yaml:"rules"`
}

type Entry struct {
	EntryID   string        `json:"entry_id" yaml:"entry_id"`
	UniqueID  string        `json:"unique_id" yaml:"unique_id"`
	Title     string        `json:"title" yaml:"title"`
	Device    device.Device `json:"data" yaml:"data"`
	Options   Options       `json:"options" yaml:"options"`
	CreatedAt time.Time     `json:"created_at" yaml:"created_at"`
}

func (e Entry) clone() Entry {
	e.Options.Rules = slices.Clone(e.Options.Rules)

	return e
}

type file struct {
	Version int     `yaml:"version"`
	Entries []Entry `yaml:"entries"`
}

// Store keeps entries in memory and mirrors them to a YAML file after every change. An empty
// path keeps everything in memory.
type Store struct {
	path string

	mu      sync.Mutex
	entries []Entry
}

func Open(path string) (*Store, error) {
	s := &Store{path: path}

	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)

	if errors.Is(err, os.ErrNotExist) {
		log.Debug().Str("Path", path).Msg("store: no entries file yet, starting empty")
		return s, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}

	var f file

	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse entries file %q: %w", path, err)
	}

	if f.Version > fileVersion {
		return nil, fmt.Errorf("entries file %q has unsupported version %d", path, f.Version)
	}

	seen := make(map[string]string, len(f.Entries))

	// hand-edited files may hold any accepted address form
	for i := range f.Entries {
		e := &f.Entries[i]

		addr, err := device.ParseAddress(e.Device.Address)
		if err != nil {
			return nil, fmt.Errorf("entries file %q: entry %q: %w", path, e.EntryID, err)
		}

		e.Device.Address = addr
		e.UniqueID = e.Device.UniqueID()

		if other, dup := seen[e.UniqueID]; dup {
			return nil, fmt.Errorf("entries file %q: entries %q and %q: %w: %s",
				path, other, e.EntryID, device.ErrAlreadyConfigured, addr)
		}

		seen[e.UniqueID] = e.EntryID

		if err := device.ValidateRules(e.Options.Rules); err != nil {
			return nil, fmt.Errorf("entries file %q: entry %q: %w", path, e.EntryID, err)
		}

		if e.Options.Rules == nil {
			e.Options.Rules = []device.Rule{}
		}
	}

	s.entries = f.Entries

	log.Debug().Str("Path", path).Int("Entries", len(s.entries)).Msg("store: loaded entries")

	return s, nil
}

// must hold s.mu
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}

	data, err := yaml.Marshal(file{Version: fileVersion, Entries: s.entries})
	if err != nil {
		return fmt.Errorf("failed to encode entries: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create entries directory: %w", err)
	}

	tmp := s.path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write entries: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace entries file: %w", err)
	}

	return nil
}

// must hold s.mu
func (s *Store) index(entryID string) int {
	return slices.IndexFunc(s.entries, func(e Entry) bool { return e.EntryID == entryID })
}

func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))

	for i, e := range s.entries {
		out[i] = e.clone()
	}

	return out
}

func (s *Store) Get(entryID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(entryID)

	if i < 0 {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, entryID)
	}

	return s.entries[i].clone(), nil
}

func (s *Store) FindByUniqueID(uniqueID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.UniqueID == uniqueID {
			return e.clone(), true
		}
	}

	return Entry{}, false
}

// Add creates an entry for d. Only one entry may exist per device.
func (s *Store) Add(d device.Device, title string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uniqueID := d.UniqueID()

	for _, e := range s.entries {
		if e.UniqueID == uniqueID {
			return Entry{}, fmt.Errorf("%w: %s", device.ErrAlreadyConfigured, d.Address)
		}
	}

	if title == "" {
		title = d.Title()
	}

	e := Entry{
		EntryID:   uuid.NewString(),
		UniqueID:  uniqueID,
		Title:     title,
		Device:    d,
		Options:   Options{Rules: []device.Rule{}},
		CreatedAt: time.Now().UTC(),
	}

	s.entries = append(s.entries, e)

	if err := s.save(); err != nil {
		s.entries = s.entries[:len(s.entries)-1]
		return Entry{}, err
	}

	return e.clone(), nil
}

func (s *Store) Remove(entryID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(entryID)

	if i < 0 {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, entryID)
	}

	removed := s.entries[i]
	prev := s.entries
	s.entries = slices.Delete(slices.Clone(s.entries), i, i+1)

	if err := s.save(); err != nil {
		s.entries = prev
		return Entry{}, err
	}

	return removed, nil
}

// UpdateOptions replaces the options of an entry after validating every rule.
func (s *Store) UpdateOptions(entryID string, opts Options) (Entry, error) {
	if err := device.ValidateRules(opts.Rules); err != nil {
		return Entry{}, err
	}

	if opts.Rules == nil {
		opts.Rules = []device.Rule{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(entryID)

	if i < 0 {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, entryID)
	}

	prev := s.entries[i]
	s.entries[i].Options = Options{Rules: slices.Clone(opts.Rules)}

	if err := s.save(); err != nil {
		s.entries[i] = prev
		return Entry{}, err
	}

	return s.entries[i].clone(), nil
}
