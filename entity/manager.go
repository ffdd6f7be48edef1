package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/robertof/go-ble-advert-exporter/advert"
	"github.com/robertof/go-ble-advert-exporter/listener"
	"github.com/robertof/go-ble-advert-exporter/store"
)

const (
	DefaultConnectivityTimeout = 30 * time.Second
	DefaultCheckInterval       = 5 * time.Second
)

var (
	ErrAlreadyLoaded = errors.New("entry already loaded")
	ErrNotLoaded     = errors.New("entry not loaded")
)

type Subscriber interface {
	Subscribe(addr string, cb listener.Callback) (*listener.Subscription, error)
}

type Discovered interface {
	Lookup(addr string) (advert.Snapshot, bool)
}

// Observer is told about every entity state change. Calls are serialized and made in the
// order the changes were applied, outside the manager lock.
type Observer interface {
	EntityAdded(State)
	EntityUpdated(State)
	EntityRemoved(State)
}

type Options struct {
	// A device not heard from for this long is reported as disconnected.
	ConnectivityTimeout time.Duration
	// How often connectivity timeouts are checked.
	CheckInterval time.Duration
}

type loadedEntry struct {
	entry        store.Entry
	sub          *listener.Subscription
	entities     []Entity
	connectivity *ConnectivitySensor
	// set once observers were told about the entities
	announced bool
}

type Manager struct {
	opts       Options
	hub        Subscriber
	discovered Discovered

	mu        sync.RWMutex
	entries   map[string]*loadedEntry
	entityIDs map[string]string // entity id -> unique id
	observers []Observer

	// held from the state change until observers were told about it
	notifyMu sync.Mutex

	now func() time.Time
}

func NewManager(hub Subscriber, discovered Discovered, opts Options) *Manager {
	if opts.ConnectivityTimeout <= 0 {
		opts.ConnectivityTimeout = DefaultConnectivityTimeout
	}

	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}

	return &Manager{
		opts:       opts,
		hub:        hub,
		discovered: discovered,
		entries:    make(map[string]*loadedEntry),
		entityIDs:  make(map[string]string),
		now:        time.Now,
	}
}

// AddObserver must be called before entries are set up for the observer to see them added.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observers = append(m.observers, o)
}

// unlockAndNotify releases m.mu, which must be held for writing, and tells observers about
// states. Notifications leave in the same order the changes were made under m.mu.
func (m *Manager) unlockAndNotify(fn func(Observer, State), states []State) {
	observers := append([]Observer(nil), m.observers...)

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Unlock()

	for _, o := range observers {
		for _, st := range states {
			fn(o, st)
		}
	}
}

// must hold m.mu
func (m *Manager) assignEntityID(b *base, domain string) {
	objectID := slugify(b.name)
	id := domain + "." + objectID

	for i := 2; ; i++ {
		if owner, taken := m.entityIDs[id]; !taken || owner == b.uniqueID {
			break
		}

		id = domain + "." + objectID + "_" + strconv.Itoa(i)
	}

	m.entityIDs[id] = b.uniqueID
	b.entityID = id
}

// Setup creates the entities of an entry, seeds them from the last discovered advertisement
// of the device and subscribes to its future advertisements.
func (m *Manager) Setup(e store.Entry) error {
	adv := NewAdvertisementSensor(e)
	conn := NewConnectivitySensor(e)
	entities := []Entity{adv, conn}

	for i, r := range e.Options.Rules {
		entities = append(entities, NewRuleSensor(e, r, i))
	}

	m.mu.Lock()

	if _, ok := m.entries[e.EntryID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, e.EntryID)
	}

	m.assignEntityID(&adv.base, "sensor")
	m.assignEntityID(&conn.base, "binary_sensor")

	for _, ent := range entities[2:] {
		m.assignEntityID(&ent.(*RuleSensor).base, "sensor")
	}

	if s, ok := m.discovered.Lookup(e.Device.Address); ok {
		for _, ent := range entities {
			ent.Update(s)
		}
	}

	loaded := &loadedEntry{
		entry:        e,
		entities:     entities,
		connectivity: conn,
	}
	m.entries[e.EntryID] = loaded

	m.mu.Unlock()

	entryID := e.EntryID
	sub, err := m.hub.Subscribe(e.Device.Address, func(s advert.Snapshot) {
		m.handleAdvertisement(entryID, s)
	})

	if err != nil {
		m.mu.Lock()
		m.forget(loaded)
		m.mu.Unlock()

		return fmt.Errorf("failed to subscribe to %s: %w", e.Device.Address, err)
	}

	m.mu.Lock()

	// unloaded while subscribing
	if m.entries[e.EntryID] != loaded {
		m.mu.Unlock()
		sub.Cancel()

		return fmt.Errorf("%w: %s", ErrNotLoaded, e.EntryID)
	}

	loaded.sub = sub
	loaded.announced = true

	log.Info().
		Str("EntryID", e.EntryID).
		Str("Address", e.Device.Address).
		Str("Title", e.Title).
		Int("Rules", len(e.Options.Rules)).
		Msg("Set up device entities")

	m.unlockAndNotify(Observer.EntityAdded, collectStates(entities))

	return nil
}

// must hold m.mu
func (m *Manager) forget(l *loadedEntry) {
	delete(m.entries, l.entry.EntryID)

	for _, ent := range l.entities {
		delete(m.entityIDs, ent.State().EntityID)
	}
}

// Unload removes the entities of an entry and cancels its subscription.
func (m *Manager) Unload(entryID string) error {
	m.mu.Lock()

	l, ok := m.entries[entryID]

	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLoaded, entryID)
	}

	m.forget(l)

	if l.sub != nil {
		l.sub.Cancel()
	}

	log.Info().Str("EntryID", entryID).Str("Address", l.entry.Device.Address).Msg("Unloaded device entities")

	if !l.announced {
		m.mu.Unlock()
		return nil
	}

	m.unlockAndNotify(Observer.EntityRemoved, collectStates(l.entities))

	return nil
}

// Reload applies a changed entry, e.g. new rules.
func (m *Manager) Reload(e store.Entry) error {
	if err := m.Unload(e.EntryID); err != nil && !errors.Is(err, ErrNotLoaded) {
		return err
	}

	return m.Setup(e)
}

func (m *Manager) handleAdvertisement(entryID string, s advert.Snapshot) {
	m.mu.Lock()

	l, ok := m.entries[entryID]

	// late delivery after unload
	if !ok {
		m.mu.Unlock()
		return
	}

	for _, ent := range l.entities {
		ent.Update(s)
	}

	log.Trace().Str("EntryID", entryID).Str("Address", s.Address).Int("RSSI", s.RSSI).Msg("Updated device entities")

	// still setting up, the added notification carries this update
	if !l.announced {
		m.mu.Unlock()
		return
	}

	m.unlockAndNotify(Observer.EntityUpdated, collectStates(l.entities))
}

// CheckTimeouts turns off the connectivity sensor of every device silent for too long.
func (m *Manager) CheckTimeouts() {
	now := m.now()

	var changed []State

	m.mu.Lock()

	for _, l := range m.entries {
		if l.connectivity.CheckTimeout(now, m.opts.ConnectivityTimeout) {
			changed = append(changed, l.connectivity.State())

			log.Info().
				Str("Address", l.entry.Device.Address).
				Dur("TimeoutSec", m.opts.ConnectivityTimeout).
				Msg("Device stopped advertising, marking as disconnected")
		}
	}

	m.unlockAndNotify(Observer.EntityUpdated, changed)
}

// Run checks connectivity timeouts until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	log.Info().
		Dur("ConnectivityTimeoutSec", m.opts.ConnectivityTimeout).
		Dur("CheckIntervalSec", m.opts.CheckInterval).
		Msg("Starting connectivity checker")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.opts.CheckInterval):
		}

		m.CheckTimeouts()
	}
}

func collectStates(entities []Entity) []State {
	out := make([]State, len(entities))

	for i, ent := range entities {
		out[i] = ent.State()
	}

	return out
}

// States returns every entity state ordered by entity id.
func (m *Manager) States() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []State

	for _, l := range m.entries {
		out = append(out, collectStates(l.entities)...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })

	return out
}

func (m *Manager) State(entityID string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uniqueID, ok := m.entityIDs[entityID]

	if !ok {
		return State{}, false
	}

	for _, l := range m.entries {
		for _, ent := range l.entities {
			if ent.UniqueID() == uniqueID {
				return ent.State(), true
			}
		}
	}

	return State{}, false
}

// Loaded reports whether an entry currently has entities.
func (m *Manager) Loaded(entryID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.entries[entryID]

	return ok
}
