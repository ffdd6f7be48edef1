package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertof/go-ble-advert-exporter/device"
	"github.com/robertof/go-ble-advert-exporter/store"
)

func mustDevice(t *testing.T, addr, name string) device.Device {
	t.Helper()

	d, err := device.New(addr, name)
	require.NoError(t, err)

	return d
}

func TestStore_AddPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "entries.yaml")

	s, err := store.Open(path)
	require.NoError(t, err)

	e, err := s.Add(mustDevice(t, "aa:bb:cc:dd:ee:ff", ""), "Kitchen")
	require.NoError(t, err)
	assert.NotEmpty(t, e.EntryID)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", e.UniqueID)
	assert.Equal(t, "Kitchen", e.Title)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", e.Device.Address)

	scale := 0.01
	_, err = s.UpdateOptions(e.EntryID, store.Options{Rules: []device.Rule{{
		ID: "t", SourceType: device.SourceService, SourceKey: "181a", Offset: 1, Length: 2, Scale: &scale,
	}}})
	require.NoError(t, err)

	reopened, err := store.Open(path)
	require.NoError(t, err)

	entries := reopened.List()
	require.Len(t, entries, 1)
	assert.Equal(t, e.EntryID, entries[0].EntryID)
	assert.Equal(t, "Kitchen", entries[0].Title)
	require.Len(t, entries[0].Options.Rules, 1)
	assert.Equal(t, 0.01, entries[0].Options.Rules[0].ScaleOrDefault())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestStore_RejectsDuplicateDevice(t *testing.T) {
	s, err := store.Open("")
	require.NoError(t, err)

	_, err = s.Add(mustDevice(t, "AA:BB:CC:DD:EE:FF", "one"), "")
	require.NoError(t, err)

	_, err = s.Add(mustDevice(t, "aa-bb-cc-dd-ee-ff", "two"), "")
	assert.ErrorIs(t, err, device.ErrAlreadyConfigured)
	assert.Len(t, s.List(), 1)
}

func TestStore_TitleDefaultsToDevice(t *testing.T) {
	s, _ := store.Open("")

	e, err := s.Add(mustDevice(t, "AA:BB:CC:DD:EE:FF", ""), "")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", e.Title)

	found, ok := s.FindByUniqueID("aa:bb:cc:dd:ee:ff")
	assert.True(t, ok)
	assert.Equal(t, e.EntryID, found.EntryID)
}

func TestStore_RemoveAndNotFound(t *testing.T) {
	s, _ := store.Open("")

	e, err := s.Add(mustDevice(t, "AA:BB:CC:DD:EE:FF", ""), "")
	require.NoError(t, err)

	removed, err := s.Remove(e.EntryID)
	require.NoError(t, err)
	assert.Equal(t, e.EntryID, removed.EntryID)
	assert.Empty(t, s.List())

	_, err = s.Remove(e.EntryID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Get(e.EntryID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.UpdateOptions(e.EntryID, store.Options{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_UpdateOptionsValidates(t *testing.T) {
	s, _ := store.Open("")

	e, err := s.Add(mustDevice(t, "AA:BB:CC:DD:EE:FF", ""), "")
	require.NoError(t, err)

	_, err = s.UpdateOptions(e.EntryID, store.Options{Rules: []device.Rule{{SourceType: "bogus", Length: 1}}})
	assert.ErrorIs(t, err, device.ErrInvalidRule)

	// an explicit rule_1 collides with the default id of the second rule
	_, err = s.UpdateOptions(e.EntryID, store.Options{Rules: []device.Rule{
		{ID: "rule_1", SourceType: device.SourceRaw, Length: 1},
		{SourceType: device.SourceRaw, Length: 1},
	}})
	assert.ErrorIs(t, err, device.ErrInvalidRule)

	got, err := s.Get(e.EntryID)
	require.NoError(t, err)
	assert.Empty(t, got.Options.Rules)
}

func TestOpen_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.yaml")

	require.NoError(t, os.WriteFile(path, []byte("version: 1\nentries:\n  - entry_id: x\n    data:\n      address: nope\n"), 0o600))

	_, err := store.Open(path)
	assert.ErrorIs(t, err, device.ErrInvalidAddress)

	require.NoError(t, os.WriteFile(path, []byte("version: 99\n"), 0o600))

	_, err = store.Open(path)
	assert.Error(t, err)
}

func TestOpen_CanonicalizesAddresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`version: 1
entries:
  - entry_id: x
    unique_id: stale
    title: Thermo
    data:
      address: aa-bb-cc-dd-ee-ff
`), 0o600))

	s, err := store.Open(path)
	require.NoError(t, err)

	got, err := s.Get("x")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", got.Device.Address)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", got.UniqueID)
	assert.NotNil(t, got.Options.Rules)

	_, err = s.Add(mustDevice(t, "AA:BB:CC:DD:EE:FF", ""), "")
	assert.ErrorIs(t, err, device.ErrAlreadyConfigured)
}

func TestOpen_RejectsDuplicatesAndBadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`version: 1
entries:
  - entry_id: x
    data:
      address: AA:BB:CC:DD:EE:FF
  - entry_id: y
    data:
      address: aa-bb-cc-dd-ee-ff
`), 0o600))

	_, err := store.Open(path)
	assert.ErrorIs(t, err, device.ErrAlreadyConfigured)

	require.NoError(t, os.WriteFile(path, []byte(`version: 1
entries:
  - entry_id: x
    data:
      address: AA:BB:CC:DD:EE:FF
    options:
      rules:
        - id: t
          source_type: raw
          length: 1
        - id: t
          source_type: raw
          length: 2
`), 0o600))

	_, err = store.Open(path)
	assert.ErrorIs(t, err, device.ErrInvalidRule)
}
