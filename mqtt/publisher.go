// Package mqtt mirrors entity states to an MQTT broker using Home Assistant MQTT discovery.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/robertof/go-ble-advert-exporter/entity"
)

const (
	DefaultPort            = 1883
	DefaultClientID        = "ble-advert-exporter"
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultBaseTopic       = "ble_advert"

	payloadOnline  = "online"
	payloadOffline = "offline"
	// Home Assistant treats this payload as an unknown sensor state
	payloadNone = "None"

	publishTimeout = 5 * time.Second
	connectPoll    = 200 * time.Millisecond
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	Broker          string
	Port            int
	ClientID        string
	Username        string
	Password        string
	DiscoveryPrefix string
	BaseTopic       string
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}

	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}

	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = DefaultDiscoveryPrefix
	}

	if c.BaseTopic == "" {
		c.BaseTopic = DefaultBaseTopic
	}
}

// client is the part of paho.Client the publisher uses.
type client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

type change struct {
	state   entity.State
	added   bool
	removed bool
}

// Publisher is an entity observer. Changes are coalesced per entity and published by Run, so
// observers never block on the broker.
type Publisher struct {
	cfg    Config
	client client

	mu       sync.Mutex
	known    map[string]entity.State
	dirty    map[string]change
	announce bool

	wake chan struct{}
}

func New(cfg Config) *Publisher {
	cfg.setDefaults()

	p := newPublisher(cfg, nil)

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetWill(p.statusTopic(), payloadOffline, 1, true)

	opts.SetOnConnectHandler(func(_ paho.Client) {
		log.Info().Str("Broker", cfg.Broker).Int("Port", cfg.Port).Msg("MQTT connected")
		p.onConnect()
	})

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	p.client = paho.NewClient(opts)

	return p
}

func newPublisher(cfg Config, c client) *Publisher {
	return &Publisher{
		cfg:    cfg,
		client: c,
		known:  make(map[string]entity.State),
		dirty:  make(map[string]change),
		wake:   make(chan struct{}, 1),
	}
}

func (p *Publisher) statusTopic() string {
	return p.cfg.BaseTopic + "/status"
}

// topicID makes a unique id usable as a discovery object id.
func topicID(uniqueID string) string {
	return strings.ReplaceAll(uniqueID, ":", "")
}

func (p *Publisher) configTopic(st entity.State) string {
	return fmt.Sprintf("%s/%s/%s/config", p.cfg.DiscoveryPrefix, st.Domain(), topicID(st.UniqueID))
}

func (p *Publisher) stateTopic(st entity.State) string {
	return fmt.Sprintf("%s/%s/state", p.cfg.BaseTopic, topicID(st.UniqueID))
}

func (p *Publisher) attributesTopic(st entity.State) string {
	return fmt.Sprintf("%s/%s/attributes", p.cfg.BaseTopic, topicID(st.UniqueID))
}

func (p *Publisher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// every known entity is republished after a (re)connect, the broker may have lost them.
func (p *Publisher) onConnect() {
	p.mu.Lock()

	p.announce = true

	for id, st := range p.known {
		p.dirty[id] = change{state: st, added: true}
	}

	p.mu.Unlock()

	p.signal()
}

func (p *Publisher) EntityAdded(st entity.State) {
	p.mu.Lock()
	p.known[st.UniqueID] = st
	p.dirty[st.UniqueID] = change{state: st, added: true}
	p.mu.Unlock()

	p.signal()
}

func (p *Publisher) EntityUpdated(st entity.State) {
	p.mu.Lock()

	if _, ok := p.known[st.UniqueID]; !ok {
		p.mu.Unlock()
		return
	}

	p.known[st.UniqueID] = st

	c := p.dirty[st.UniqueID]
	c.state = st
	p.dirty[st.UniqueID] = c

	p.mu.Unlock()

	p.signal()
}

func (p *Publisher) EntityRemoved(st entity.State) {
	p.mu.Lock()
	delete(p.known, st.UniqueID)
	p.dirty[st.UniqueID] = change{state: st, removed: true}
	p.mu.Unlock()

	p.signal()
}

type deviceInfo struct {
	Identifiers []string   `json:"identifiers"`
	Connections [][]string `json:"connections"`
	Name        string     `json:"name"`
}

type discoveryConfig struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	ObjectID            string     `json:"object_id"`
	StateTopic          string     `json:"state_topic"`
	JSONAttributesTopic string     `json:"json_attributes_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	DeviceClass         string     `json:"device_class,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Unit                string     `json:"unit_of_measurement,omitempty"`
	PayloadOn           string     `json:"payload_on,omitempty"`
	PayloadOff          string     `json:"payload_off,omitempty"`
	Device              deviceInfo `json:"device"`
}

func (p *Publisher) discoveryConfig(st entity.State) discoveryConfig {
	cfg := discoveryConfig{
		Name:                st.Name,
		UniqueID:            st.UniqueID,
		ObjectID:            strings.TrimPrefix(st.EntityID, st.Domain()+"."),
		StateTopic:          p.stateTopic(st),
		JSONAttributesTopic: p.attributesTopic(st),
		AvailabilityTopic:   p.statusTopic(),
		DeviceClass:         st.DeviceClass,
		StateClass:          st.StateClass,
		Unit:                st.Unit,
		Device: deviceInfo{
			Identifiers: []string{strings.ToLower(st.Address)},
			Connections: [][]string{{"mac", strings.ToLower(st.Address)}},
			Name:        st.DeviceName,
		},
	}

	if st.Kind == entity.KindConnectivity {
		cfg.PayloadOn = entity.StateOn
		cfg.PayloadOff = entity.StateOff
	}

	return cfg
}

func statePayload(st entity.State) string {
	if st.State == entity.StateUnavailable || st.State == entity.StateUnknown {
		return payloadNone
	}

	return st.State
}

func (p *Publisher) publish(topic string, retained bool, payload any) error {
	token := p.client.Publish(topic, 1, retained, payload)

	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}

	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "failed to publish to %s", topic)
	}

	log.Trace().Str("Topic", topic).Bool("Retained", retained).Msg("mqtt: published")

	return nil
}

func (p *Publisher) publishChange(c change) error {
	st := c.state

	if c.removed {
		for _, topic := range []string{p.configTopic(st), p.stateTopic(st), p.attributesTopic(st)} {
			if err := p.publish(topic, true, []byte{}); err != nil {
				return err
			}
		}

		return nil
	}

	if c.added {
		data, err := json.Marshal(p.discoveryConfig(st))
		if err != nil {
			return errors.Wrap(err, "failed to encode discovery config")
		}

		if err := p.publish(p.configTopic(st), true, data); err != nil {
			return err
		}
	}

	attrs, err := json.Marshal(st.Attributes)
	if err != nil {
		return errors.Wrap(err, "failed to encode attributes")
	}

	if err := p.publish(p.attributesTopic(st), true, attrs); err != nil {
		return err
	}

	return p.publish(p.stateTopic(st), true, statePayload(st))
}

// flush publishes the pending changes. Nothing is consumed while disconnected, the reconnect
// republishes everything anyway.
func (p *Publisher) flush() {
	if !p.client.IsConnected() {
		return
	}

	p.mu.Lock()
	pending := p.dirty
	announce := p.announce
	p.dirty = make(map[string]change)
	p.announce = false
	p.mu.Unlock()

	if announce {
		if err := p.publish(p.statusTopic(), true, payloadOnline); err != nil {
			log.Error().Err(err).Msg("Failed to publish availability")
		}
	}

	for id, c := range pending {
		if err := p.publishChange(c); err != nil {
			log.Error().Err(err).Str("UniqueID", id).Msg("Failed to publish entity")
		}
	}
}

func (p *Publisher) connect(ctx context.Context) error {
	token := p.client.Connect()

	for {
		if token.WaitTimeout(connectPoll) {
			if err := token.Error(); err != nil {
				return errors.Wrap(err, "mqtt connect")
			}

			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Run connects to the broker and publishes changes until ctx is done. The availability topic
// is set to offline on the way out.
func (p *Publisher) Run(ctx context.Context) error {
	log.Info().
		Str("Broker", p.cfg.Broker).
		Str("DiscoveryPrefix", p.cfg.DiscoveryPrefix).
		Str("BaseTopic", p.cfg.BaseTopic).
		Msg("Starting MQTT publisher")

	if err := p.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return err
	}

	defer func() {
		if err := p.publish(p.statusTopic(), true, payloadOffline); err != nil {
			log.Warn().Err(err).Msg("Failed to publish offline availability")
		}

		p.client.Disconnect(250)

		log.Info().Msg("MQTT publisher stopped")
	}()

	for {
		p.flush()

		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		}
	}
}
