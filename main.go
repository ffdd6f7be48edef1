package main

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/robertof/go-ble-advert-exporter/api"
	"github.com/robertof/go-ble-advert-exporter/ble"
	"github.com/robertof/go-ble-advert-exporter/device"
	"github.com/robertof/go-ble-advert-exporter/discovery"
	"github.com/robertof/go-ble-advert-exporter/entity"
	"github.com/robertof/go-ble-advert-exporter/flow"
	"github.com/robertof/go-ble-advert-exporter/listener"
	"github.com/robertof/go-ble-advert-exporter/metrics"
	"github.com/robertof/go-ble-advert-exporter/mqtt"
	"github.com/robertof/go-ble-advert-exporter/store"
	"github.com/robertof/go-ble-advert-exporter/utils"
)

func main() {
	zerolog.DurationFieldUnit = time.Second
	zerolog.TimeFieldFormat = time.RFC3339Nano

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05.000",
	})

	cfg := ParseArgs()

	if cfg.Trace || os.Getenv("TRACE") != "" {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else if cfg.Debug || os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if cfg.DiscoverDevices {
		doDeviceDiscovery(cfg)
		return
	}

	log.Info().
		Str("BindAddr", cfg.BindAddress).
		Str("Entries", cfg.EntriesPath).
		Array("Devices", utils.ToZeroLogArray(cfg.Devices)).
		Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
		Bool("MQTT", cfg.MQTT.Broker != "").
		Msg("Starting with the specified configuration")

	entries, err := store.Open(cfg.EntriesPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configured devices")
	}

	seedEntries(cfg, entries)

	bleHandle := initBle(cfg, entries.List())

	cache := discovery.NewCache(cfg.DiscoveryMaxAge)
	hub := listener.NewHub(cache, bleHandle.Source())
	hub.QueueSize = cfg.QueueSize

	mgr := entity.NewManager(hub, cache, entity.Options{
		ConnectivityTimeout: cfg.ConnectivityTimeout,
		CheckInterval:       cfg.CheckInterval,
	})

	var publisher *mqtt.Publisher

	if cfg.MQTT.Broker != "" {
		publisher = mqtt.New(cfg.MQTT)
		mgr.AddObserver(publisher)
	}

	for _, e := range entries.List() {
		if err := mgr.Setup(e); err != nil {
			log.Error().Err(err).Str("EntryID", e.EntryID).Msg("Failed to set up device")
		}
	}

	registry := prometheus.NewRegistry()

	listener.RegisterMetrics(registry)
	metrics.RegisterCollector(mgr.States, registry)

	if cfg.EnableMetamonitoring {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	server := api.New(mgr, flow.New(cache, entries, mgr), entries, registry)

	ctx := ble.WrapContextWithSigHandler(context.WithCancel(context.Background()))
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(ctx, bleHandle) })
	g.Go(func() error { return mgr.Run(ctx) })
	g.Go(func() error { return server.ListenAndServe(ctx, cfg.BindAddress) })

	if publisher != nil {
		g.Go(func() error { return publisher.Run(ctx) })
	}

	err = g.Wait()

	hub.Close()

	if stopErr := bleHandle.Stop(); stopErr != nil {
		log.Warn().Err(stopErr).Msg("Failed to stop Bluetooth device")
	}

	if err != nil {
		log.Fatal().Err(err).Msg("Exiting due to error")
	}

	log.Info().Msg("Bye")
}

// seedEntries configures the devices and rules given on the command line, on top of the
// stored ones.
func seedEntries(cfg config, entries *store.Store) {
	for _, d := range cfg.Devices {
		if _, ok := entries.FindByUniqueID(d.UniqueID()); ok {
			log.Debug().Stringer("Device", d).Msg("Device already configured")
			continue
		}

		if _, err := entries.Add(d, d.Title()); err != nil {
			log.Fatal().Err(err).Stringer("Device", d).Msg("Failed to configure device")
		}
	}

	rules := make(map[string][]device.Rule)

	for _, rs := range cfg.Rules {
		rules[rs.addr] = append(rules[rs.addr], rs.rule)
	}

	for addr, list := range rules {
		e, ok := entries.FindByUniqueID(device.FormatMAC(addr))

		if !ok {
			log.Fatal().Str("Address", addr).Msg("Rule given for a device that is not configured")
		}

		if _, err := entries.UpdateOptions(e.EntryID, store.Options{Rules: list}); err != nil {
			log.Fatal().Err(err).Str("Address", addr).Msg("Failed to set device rules")
		}

		log.Info().Array("Rules", utils.ToZeroLogArray(list)).Str("Address", addr).Msg("Rules configured")
	}
}

func initBle(cfg config, configured []store.Entry) *ble.Handle {
	opts := ble.ScanOptions{Active: cfg.ActiveScan}

	if cfg.AllowList {
		for _, e := range configured {
			opts.AllowList = append(opts.AllowList, e.Device.Addr())
		}

		if len(opts.AllowList) == 0 {
			log.Warn().Msg("No devices configured, the allow-list is not applied")
		}
	}

	bleHandle, err := ble.Init(cfg.BluetoothDeviceId, opts)

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
	}

	log.Info().Stringer("ScanOptions", opts).Str("Source", bleHandle.Source()).Msg("Bluetooth device ready")

	return bleHandle
}
