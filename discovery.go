package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"

	"github.com/robertof/go-ble-advert-exporter/advert"
	"github.com/robertof/go-ble-advert-exporter/ble"
	"github.com/robertof/go-ble-advert-exporter/discovery"
	"github.com/robertof/go-ble-advert-exporter/flow"
	"github.com/robertof/go-ble-advert-exporter/utils"
)

func doDeviceDiscovery(cfg config) {
	log.Info().
		Dur("DurationSec", cfg.DiscoveryDuration).
		Msg("Starting in device discovery mode - collecting devices...")

	handle, err := ble.Init(cfg.BluetoothDeviceId, ble.ScanOptions{Active: true})

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
	}

	ctx := ble.WrapContextWithSigHandler(
		context.WithTimeout(
			context.Background(),
			cfg.DiscoveryDuration,
		),
	)

	cache := discovery.NewCache(0)

	// service UUIDs merged across every advertisement of a device
	var mu sync.Mutex
	services := make(map[string]map[string]bool)

	err = handle.ScanAll(ctx, func(a ble.Advertisement) {
		s := advert.FromAdvertisement(a, handle.Source(), time.Now())

		if s.Address == "" {
			return
		}

		cache.Record(s)

		mu.Lock()

		known := services[s.Address]

		if known == nil {
			known = make(map[string]bool)
			services[s.Address] = known
		}

		for _, uuid := range s.ServiceUUIDs {
			known[uuid] = true
		}

		for uuid := range s.ServiceData {
			known[uuid] = true
		}

		mu.Unlock()

		log.Debug().
			Str("Addr", s.Address).
			Str("Name", s.Name).
			Int("RSSI", s.RSSI).
			Bool("Connectable", s.Connectable).
			Strs("Services", s.ServiceUUIDs).
			Hex("Raw", s.Raw).
			Msg("Received device advertisement")
	})

	if err != nil && !utils.IsContextDone(err) {
		log.Fatal().Err(err).Msg("Failed to initiate scan")
	}

	if err := handle.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop Bluetooth device")
	}

	found := 0

	for choice := range flow.New(cache, nil, nil).Devices("") {
		found += 1

		s, _ := cache.Lookup(choice.Address)

		uuids := maps.Keys(services[choice.Address])
		sort.Strings(uuids)

		log.Info().
			Str("Addr", choice.Address).
			Str("Name", s.Name).
			Int("RSSI", s.RSSI).
			Bool("Connectable", s.Connectable).
			Strs("Services", uuids).
			Interface("ManufacturerData", s.ManufacturerDataHex()).
			Msg("Found device")
	}

	log.Info().Int("Found", found).Msg("Finished device discovery")
}
