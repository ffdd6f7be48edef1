package advert

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ble/ble"
	"github.com/google/uuid"

	"github.com/robertof/go-ble-advert-exporter/utils"
)

// Bluetooth base UUID, 0000xxxx-0000-1000-8000-00805f9b34fb.
var baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

func fromShort(v uint32) string {
	u := baseUUID
	binary.BigEndian.PutUint32(u[:4], v)

	return u.String()
}

// NormalizeUUID returns the lowercase 128-bit string form of a go-ble UUID. 16 and 32-bit UUIDs
// are expanded on the Bluetooth base UUID.
func NormalizeUUID(u ble.UUID) string {
	// go-ble stores UUIDs little-endian.
	switch len(u) {
	case 2:
		return fromShort(uint32(binary.LittleEndian.Uint16(u)))
	case 4:
		return fromShort(binary.LittleEndian.Uint32(u))
	case 16:
		if parsed, err := uuid.FromBytes(utils.Reverse(u)); err == nil {
			return parsed.String()
		}
	}

	return hex.EncodeToString(u)
}

// NormalizeUUIDString accepts a 16-bit ("180d", "0x180d"), 32-bit ("0000180d") or full 128-bit
// UUID string and returns its lowercase 128-bit form.
func NormalizeUUIDString(s string) (string, error) {
	s = strings.TrimSpace(s)
	short := strings.TrimPrefix(strings.ToLower(s), "0x")

	switch len(short) {
	case 4, 8:
		v, err := strconv.ParseUint(short, 16, 32)
		if err != nil {
			return "", fmt.Errorf("invalid short UUID %q: %w", s, err)
		}

		return fromShort(uint32(v)), nil
	}

	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", s, err)
	}

	return u.String(), nil
}
