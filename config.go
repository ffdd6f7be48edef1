package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/robertof/go-ble-advert-exporter/device"
	"github.com/robertof/go-ble-advert-exporter/discovery"
	"github.com/robertof/go-ble-advert-exporter/entity"
	"github.com/robertof/go-ble-advert-exporter/listener"
	"github.com/robertof/go-ble-advert-exporter/mqtt"
)

type ruleSpec struct {
	addr string
	rule device.Rule
}

type config struct {
	Debug, Trace         bool
	BindAddress          string
	EnableMetamonitoring bool
	DiscoverDevices      bool
	DiscoveryDuration    time.Duration
	BluetoothDeviceId    int
	ActiveScan           bool
	AllowList            bool
	EntriesPath          string
	QueueSize            int
	ConnectivityTimeout  time.Duration
	CheckInterval        time.Duration
	DiscoveryMaxAge      time.Duration
	MQTT                 mqtt.Config
	Devices              []device.Device
	Rules                []ruleSpec
}

type deviceList struct {
	list *[]device.Device
}

func (d *deviceList) String() string {
	return ""
}

func (d *deviceList) Set(v string) error {
	dev, err := device.FromSpec(device.NewSpec(v))
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}

	*d.list = append(*d.list, dev)

	return nil
}

type ruleList struct {
	list *[]ruleSpec
}

func (r *ruleList) String() string {
	return ""
}

func (r *ruleList) Set(v string) error {
	addr, rule, err := device.RuleFromSpec(device.NewSpec(v))
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}

	*r.list = append(*r.list, ruleSpec{addr: addr, rule: rule})

	return nil
}

func ParseArgs() config {
	var cfg config

	flag.StringVar(&cfg.BindAddress, "bind", "localhost:9102", "Where the HTTP API and metrics will bind to")
	flag.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", 0, "Bluetooth (HCI) device ID")
	flag.BoolVar(&cfg.ActiveScan, "active-scan", true, "Request scan responses (names, extra service data) from devices")
	flag.BoolVar(&cfg.AllowList, "allow-list", false,
		"Only receive advertisements of the devices configured at startup. Hides every other device from the picker")
	flag.BoolVar(&cfg.DiscoverDevices, "discover", false, "Discover available BLE devices and quit")
	flag.DurationVar(&cfg.DiscoveryDuration, "discover-duration", 5*time.Second, "How long -discover scans for")
	flag.BoolVar(&cfg.EnableMetamonitoring, "metamonitoring", true, "Enable metamonitoring metrics")
	flag.StringVar(&cfg.EntriesPath, "entries", "ble-advert-entries.yaml",
		"File the configured devices are stored in. Empty keeps them in memory only")
	flag.IntVar(&cfg.QueueSize, "queue-size", listener.DefaultQueueSize,
		"Advertisements queued per device before older ones are dropped")
	flag.DurationVar(&cfg.ConnectivityTimeout, "connectivity-timeout", entity.DefaultConnectivityTimeout,
		"A device not advertising for this long is reported as disconnected")
	flag.DurationVar(&cfg.CheckInterval, "check-interval", entity.DefaultCheckInterval,
		"How frequently connectivity timeouts are checked")
	flag.DurationVar(&cfg.DiscoveryMaxAge, "discovery-max-age", discovery.DefaultMaxAge,
		"Devices not seen for this long are no longer offered for configuration")
	flag.StringVar(&cfg.MQTT.Broker, "mqtt-broker", "", "MQTT broker host. Empty disables MQTT publishing")
	flag.IntVar(&cfg.MQTT.Port, "mqtt-port", mqtt.DefaultPort, "MQTT broker port")
	flag.StringVar(&cfg.MQTT.ClientID, "mqtt-client-id", mqtt.DefaultClientID, "MQTT client ID")
	flag.StringVar(&cfg.MQTT.Username, "mqtt-username", "", "MQTT username")
	flag.StringVar(&cfg.MQTT.DiscoveryPrefix, "mqtt-discovery-prefix", mqtt.DefaultDiscoveryPrefix,
		"Home Assistant MQTT discovery prefix")
	flag.StringVar(&cfg.MQTT.BaseTopic, "mqtt-base-topic", mqtt.DefaultBaseTopic, "Topic prefix for states and availability")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
	flag.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

	flag.Var(&deviceList{list: &cfg.Devices}, "device",
		"Device to configure on startup in the form of `key=value,key=value`.\n"+
			"Keys: addr (required), name")
	flag.Var(&ruleList{list: &cfg.Rules}, "rule",
		"Byte extraction rule in the form of `key=value,key=value`. Replaces the stored rules of the device.\n"+
			"Keys: addr (required), id, name, source_type (manufacturer_data, service_data, raw), source_key,\n"+
			"offset, length, endian (big, little), signed, scale, unit")

	flag.Parse()

	// kept out of the process arguments
	cfg.MQTT.Password = os.Getenv("MQTT_PASSWORD")

	return cfg
}
