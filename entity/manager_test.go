package entity

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertof/go-ble-advert-exporter/advert"
	"github.com/robertof/go-ble-advert-exporter/device"
	"github.com/robertof/go-ble-advert-exporter/discovery"
	"github.com/robertof/go-ble-advert-exporter/listener"
)

type observer struct {
	mu      sync.Mutex
	added   []State
	updated []State
	removed []State
}

func (o *observer) EntityAdded(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.added = append(o.added, s)
}

func (o *observer) EntityUpdated(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.updated = append(o.updated, s)
}

func (o *observer) EntityRemoved(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.removed = append(o.removed, s)
}

func (o *observer) counts() (int, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.added), len(o.updated), len(o.removed)
}

func newTestManager(t *testing.T) (*Manager, *listener.Hub, *discovery.Cache) {
	t.Helper()

	cache := discovery.NewCache(discovery.DefaultMaxAge)
	hub := listener.NewHub(cache, "hci0")
	t.Cleanup(hub.Close)

	return NewManager(hub, cache, Options{}), hub, cache
}

func stateOf(t *testing.T, m *Manager, entityID string) string {
	t.Helper()

	st, ok := m.State(entityID)
	require.True(t, ok, entityID)

	return st.State
}

func TestManager_SetupAssignsEntityIDs(t *testing.T) {
	m, _, _ := newTestManager(t)
	o := &observer{}
	m.AddObserver(o)

	require.NoError(t, m.Setup(testEntry(device.Rule{Name: "Temperature", SourceType: device.SourceRaw, Length: 1})))

	var ids []string

	for _, st := range m.States() {
		ids = append(ids, st.EntityID)
	}

	assert.Equal(t, []string{
		"binary_sensor.thermo_connectivity",
		"sensor.thermo_advertisement",
		"sensor.thermo_temperature",
	}, ids)

	added, _, _ := o.counts()
	assert.Equal(t, 3, added)

	assert.ErrorIs(t, m.Setup(testEntry()), ErrAlreadyLoaded)
}

func TestManager_EntityIDCollision(t *testing.T) {
	m, _, _ := newTestManager(t)

	first := testEntry()
	second := testEntry()
	second.EntryID = "entry-2"
	second.UniqueID = "11:22:33:44:55:66"
	second.Device.Address = "11:22:33:44:55:66"

	require.NoError(t, m.Setup(first))
	require.NoError(t, m.Setup(second))

	st, ok := m.State("sensor.thermo_advertisement_2")
	require.True(t, ok)
	assert.Equal(t, "11:22:33:44:55:66_advertisement", st.UniqueID)
}

func TestManager_SeedsFromDiscovery(t *testing.T) {
	m, _, cache := newTestManager(t)

	cache.Record(advert.Snapshot{Address: "AA:BB:CC:DD:EE:FF", RSSI: -55, Time: time.Now()})

	require.NoError(t, m.Setup(testEntry()))

	assert.Equal(t, "-55", stateOf(t, m, "sensor.thermo_advertisement"))
	assert.Equal(t, StateOn, stateOf(t, m, "binary_sensor.thermo_connectivity"))
}

func TestManager_LastAdvertisementWins(t *testing.T) {
	m, hub, _ := newTestManager(t)
	require.NoError(t, m.Setup(testEntry()))

	hub.Dispatch(advert.Snapshot{
		Address:      "AA:BB:CC:DD:EE:FF",
		RSSI:         -40,
		ServiceUUIDs: []string{"0000180d-0000-1000-8000-00805f9b34fb"},
		Time:         time.Now(),
	})
	hub.Dispatch(advert.Snapshot{
		Address:      "AA:BB:CC:DD:EE:FF",
		RSSI:         -80,
		ServiceUUIDs: []string{"0000180f-0000-1000-8000-00805f9b34fb"},
		Time:         time.Now(),
	})

	require.Eventually(t, func() bool {
		return stateOf(t, m, "sensor.thermo_advertisement") == "-80"
	}, 2*time.Second, time.Millisecond)

	st, _ := m.State("sensor.thermo_advertisement")
	assert.Equal(t, []string{"0000180f-0000-1000-8000-00805f9b34fb"}, st.Attributes["service_uuids"])
}

func TestManager_IgnoresOtherAddresses(t *testing.T) {
	m, hub, cache := newTestManager(t)
	o := &observer{}
	m.AddObserver(o)

	require.NoError(t, m.Setup(testEntry()))

	hub.Dispatch(advert.Snapshot{Address: "11:22:33:44:55:66", RSSI: -30, Time: time.Now()})

	// recorded for the picker, but no entity changes.
	require.Eventually(t, func() bool {
		_, ok := cache.Lookup("11:22:33:44:55:66")
		return ok
	}, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateUnavailable, stateOf(t, m, "sensor.thermo_advertisement"))

	_, updated, _ := o.counts()
	assert.Zero(t, updated)
}

func TestManager_UnloadAndReload(t *testing.T) {
	m, hub, _ := newTestManager(t)
	o := &observer{}
	m.AddObserver(o)

	e := testEntry()
	require.NoError(t, m.Setup(e))

	e.Options.Rules = []device.Rule{{ID: "battery", Name: "Battery", SourceType: device.SourceRaw, Length: 1}}
	require.NoError(t, m.Reload(e))

	_, ok := m.State("sensor.thermo_battery")
	assert.True(t, ok)

	require.NoError(t, m.Unload(e.EntryID))
	assert.Empty(t, m.States())
	assert.False(t, m.Loaded(e.EntryID))
	assert.ErrorIs(t, m.Unload(e.EntryID), ErrNotLoaded)

	_, _, removed := o.counts()
	assert.Equal(t, 2+3, removed)

	// nothing is subscribed anymore
	hub.Dispatch(advert.Snapshot{Address: "AA:BB:CC:DD:EE:FF", Time: time.Now()})
	time.Sleep(20 * time.Millisecond)

	_, updated, _ := o.counts()
	assert.Zero(t, updated)
}

func TestManager_CheckTimeouts(t *testing.T) {
	m, _, cache := newTestManager(t)
	o := &observer{}
	m.AddObserver(o)

	start := time.Now()
	cache.Record(advert.Snapshot{Address: "AA:BB:CC:DD:EE:FF", Time: start})

	require.NoError(t, m.Setup(testEntry()))

	m.now = func() time.Time { return start.Add(10 * time.Second) }
	m.CheckTimeouts()
	assert.Equal(t, StateOn, stateOf(t, m, "binary_sensor.thermo_connectivity"))

	m.now = func() time.Time { return start.Add(DefaultConnectivityTimeout + time.Second) }
	m.CheckTimeouts()
	assert.Equal(t, StateOff, stateOf(t, m, "binary_sensor.thermo_connectivity"))

	_, updated, _ := o.counts()
	assert.Equal(t, 1, updated)
}

type lastState struct {
	mu   sync.Mutex
	last map[string]string
}

func (o *lastState) record(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.last[s.EntityID] = s.State
}

func (o *lastState) EntityAdded(s State)   { o.record(s) }
func (o *lastState) EntityUpdated(s State) { o.record(s) }
func (o *lastState) EntityRemoved(State)   {}

func TestManager_NotificationsFollowStateChanges(t *testing.T) {
	m, _, _ := newTestManager(t)
	o := &lastState{last: make(map[string]string)}
	m.AddObserver(o)

	e := testEntry()
	require.NoError(t, m.Setup(e))

	start := time.Now()
	m.now = func() time.Time { return start.Add(time.Hour) }

	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(2)

		go func() {
			defer wg.Done()

			for j := 0; j < 200; j++ {
				m.handleAdvertisement(e.EntryID, advert.Snapshot{Address: e.Device.Address, RSSI: -50, Time: start})
			}
		}()

		go func() {
			defer wg.Done()

			for j := 0; j < 200; j++ {
				m.CheckTimeouts()
			}
		}()
	}

	wg.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()

	assert.Equal(t, stateOf(t, m, "binary_sensor.thermo_connectivity"), o.last["binary_sensor.thermo_connectivity"])
}

var _ Discovered = (*discovery.Cache)(nil)
var _ Subscriber = (*listener.Hub)(nil)
