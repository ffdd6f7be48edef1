// Package listener fans the scanner's advertisement stream out to per-address subscribers.
package listener

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/robertof/go-ble-advert-exporter/advert"
	"github.com/robertof/go-ble-advert-exporter/ble"
	"github.com/robertof/go-ble-advert-exporter/device"
	"github.com/robertof/go-ble-advert-exporter/utils"
)

// DefaultQueueSize bounds the advertisements waiting for a slow subscriber of one address.
const DefaultQueueSize = 10

var (
	receivedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ble_advert_received_total",
		Help: "Advertisements received from the scanner.",
	})
	dispatchedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ble_advert_dispatched_total",
		Help: "Advertisements handed to subscribers of their address.",
	})
	droppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ble_advert_dropped_total",
		Help: "Queued advertisements superseded by a newer one before delivery.",
	})
)

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(receivedCounter, dispatchedCounter, droppedCounter)
}

type Callback func(advert.Snapshot)

type Scanner interface {
	ScanAll(ctx context.Context, onAdvertisement func(ble.Advertisement)) error
}

// Recorder sees every advertisement, subscribed or not.
type Recorder interface {
	Record(advert.Snapshot)
}

type Hub struct {
	// adapter name stamped into snapshots.
	Source    string
	QueueSize int

	recorder Recorder

	mu      sync.Mutex
	workers map[string]*worker
	nextID  uint64

	now func() time.Time
}

// worker serializes the callbacks of one address so each device has a single writer and sees
// advertisements in arrival order.
type worker struct {
	addr string
	ch   chan advert.Snapshot
	stop chan struct{}
	subs map[uint64]Callback
}

type Subscription struct {
	hub  *Hub
	addr string
	id   uint64
	once sync.Once
}

func NewHub(recorder Recorder, source string) *Hub {
	return &Hub{
		Source:    source,
		QueueSize: DefaultQueueSize,
		recorder:  recorder,
		workers:   make(map[string]*worker),
		now:       time.Now,
	}
}

// Subscribe registers cb for advertisements from addr until the subscription is cancelled.
func (h *Hub) Subscribe(addr string, cb Callback) (*Subscription, error) {
	canonical, err := device.ParseAddress(addr)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	w := h.workers[canonical]

	if w == nil {
		size := h.QueueSize

		if size <= 0 {
			size = DefaultQueueSize
		}

		w = &worker{
			addr: canonical,
			ch:   make(chan advert.Snapshot, size),
			stop: make(chan struct{}),
			subs: make(map[uint64]Callback),
		}
		h.workers[canonical] = w

		go h.work(w)
	}

	h.nextID += 1
	w.subs[h.nextID] = cb

	log.Debug().Str("Address", canonical).Uint64("SubscriptionID", h.nextID).Msg("listener: subscribed")

	return &Subscription{hub: h, addr: canonical, id: h.nextID}, nil
}

// Unsubscribe drops every subscription of addr.
func (h *Hub) Unsubscribe(addr string) {
	canonical, err := device.ParseAddress(addr)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if w := h.workers[canonical]; w != nil {
		h.stopWorker(w)
	}
}

// Cancel is idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()

		w := s.hub.workers[s.addr]

		if w == nil {
			return
		}

		// Unsubscribe may have replaced the worker this subscription belonged to.
		if _, ok := w.subs[s.id]; !ok {
			return
		}

		delete(w.subs, s.id)

		if len(w.subs) == 0 {
			s.hub.stopWorker(w)
		}
	})
}

// must hold h.mu
func (h *Hub) stopWorker(w *worker) {
	delete(h.workers, w.addr)
	close(w.stop)

	log.Debug().Str("Address", w.addr).Msg("listener: no subscribers left, worker stopped")
}

func (h *Hub) work(w *worker) {
	for {
		select {
		case <-w.stop:
			return
		case s := <-w.ch:
			h.mu.Lock()

			// the worker may have been stopped while this advertisement was queued.
			select {
			case <-w.stop:
				h.mu.Unlock()
				return
			default:
			}

			cbs := make([]Callback, 0, len(w.subs))

			for _, cb := range w.subs {
				cbs = append(cbs, cb)
			}

			h.mu.Unlock()

			for _, cb := range cbs {
				cb(s)
			}

			dispatchedCounter.Inc()
		}
	}
}

// Dispatch records s and queues it for the subscribers of its address, if any. When the queue
// is full the oldest queued advertisement is dropped: only the latest one matters.
func (h *Hub) Dispatch(s advert.Snapshot) {
	receivedCounter.Inc()

	if h.recorder != nil {
		h.recorder.Record(s)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	w := h.workers[s.Address]

	if w == nil {
		return
	}

	select {
	case w.ch <- s:
		return
	default:
	}

	select {
	case <-w.ch:
		droppedCounter.Inc()
	default:
	}

	select {
	case w.ch <- s:
	default:
		droppedCounter.Inc()
	}
}

func (h *Hub) HandleAdvertisement(a ble.Advertisement) {
	s := advert.FromAdvertisement(a, h.Source, h.now())

	log.Trace().
		Str("Address", s.Address).
		Str("LocalName", s.Name).
		Int("RSSI", s.RSSI).
		Hex("Raw", s.Raw).
		Msg("listener: received advertisement")

	h.Dispatch(s)
}

// Run scans until ctx is done. Cancellation is not reported as an error.
func (h *Hub) Run(ctx context.Context, scanner Scanner) error {
	log.Info().Str("Source", h.Source).Msg("Starting advertisement listener")

	err := scanner.ScanAll(ctx, h.HandleAdvertisement)

	if ctx.Err() != nil && (err == nil || utils.IsContextDone(err)) {
		log.Info().Msg("Advertisement listener stopped")
		return nil
	}

	return err
}

// Close stops every worker. Subscriptions become no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, w := range h.workers {
		h.stopWorker(w)
	}
}
