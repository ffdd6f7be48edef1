package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertof/go-ble-advert-exporter/advert"
)

func TestCache_RecordAndLookup(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }

	c.Record(advert.Snapshot{Address: "AA:BB:CC:DD:EE:FF", Name: "Sensor", RSSI: -70, Time: now})
	c.Record(advert.Snapshot{Address: "AA:BB:CC:DD:EE:FF", RSSI: -60, Time: now})
	c.Record(advert.Snapshot{Name: "no address", Time: now})

	got, ok := c.Lookup("aa:bb:cc:dd:ee:ff")
	require.True(t, ok)
	assert.Equal(t, "Sensor", got.Name)
	assert.Equal(t, -60, got.RSSI)
	assert.Len(t, c.All(), 1)

	_, ok = c.Lookup("11:22:33:44:55:66")
	assert.False(t, ok)
}

func TestCache_Expiry(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }

	c.Record(advert.Snapshot{Address: "AA:BB:CC:DD:EE:FF", Time: now.Add(-2 * time.Minute)})
	c.Record(advert.Snapshot{Address: "11:22:33:44:55:66", Time: now})

	_, ok := c.Lookup("AA:BB:CC:DD:EE:FF")
	assert.False(t, ok)

	all := c.All()
	require.Len(t, all, 1)
	assert.Equal(t, "11:22:33:44:55:66", all[0].Address)

	c.MaxAge = 0
	now = now.Add(time.Hour)
	assert.Len(t, c.All(), 1)
}
