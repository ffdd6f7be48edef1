// Package discovery keeps the last advertisement of every device the scanner has seen, which
// is what the device picker lists and what new entities are seeded from.
package discovery

import (
	"strings"
	"sync"
	"time"

	"github.com/robertof/go-ble-advert-exporter/advert"
)

// DefaultMaxAge hides devices that have not advertised for this long.
const DefaultMaxAge = 15 * time.Minute

type Cache struct {
	// Devices not seen for longer than MaxAge are hidden and eventually pruned. Zero keeps
	// every device forever.
	MaxAge time.Duration

	mu      sync.RWMutex
	devices map[string]advert.Snapshot

	now func() time.Time
}

func NewCache(maxAge time.Duration) *Cache {
	return &Cache{
		MaxAge:  maxAge,
		devices: make(map[string]advert.Snapshot),
		now:     time.Now,
	}
}

// Record stores s as the latest advertisement of its address. A name learnt from an earlier
// advertisement (usually the scan response) is kept when s has none.
func (c *Cache) Record(s advert.Snapshot) {
	if s.Address == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.devices[s.Address]; ok && s.Name == "" {
		s.Name = prev.Name
	}

	c.devices[s.Address] = s
}

func (c *Cache) expired(s advert.Snapshot, now time.Time) bool {
	return c.MaxAge > 0 && now.Sub(s.Time) > c.MaxAge
}

// Lookup returns the latest advertisement of addr, if it is still fresh.
func (c *Cache) Lookup(addr string) (advert.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.devices[strings.ToUpper(addr)]

	if !ok || c.expired(s, c.now()) {
		return advert.Snapshot{}, false
	}

	return s, true
}

// All returns every fresh device in no particular order and prunes expired ones.
func (c *Cache) All() []advert.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]advert.Snapshot, 0, len(c.devices))

	for addr, s := range c.devices {
		if c.expired(s, now) {
			delete(c.devices, addr)
			continue
		}

		out = append(out, s)
	}

	return out
}
