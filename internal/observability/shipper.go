package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medulla-ai/medulla/internal/infra"
)

// IndexFunc writes one event to the analytics store.
type IndexFunc func(ctx context.Context, e Event) error

// IndexBackend is the slice of the analytics store the shipper needs. The
// search client satisfies it; anything else that can report connectivity and
// index a document works too.
type IndexBackend interface {
	Connected() bool
	IndexDocument(ctx context.Context, index, id string, body any) error
}

// ShipperConfig configures the index shipper.
type ShipperConfig struct {
	// IndexName is the target index for shipped events.
	IndexName string

	// QueueSize bounds the in-flight buffer. When full, the oldest queued
	// event is dropped to admit the newest.
	QueueSize int

	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before a probe.
	Cooldown time.Duration

	// ShipTimeout bounds a single index write.
	ShipTimeout time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

func (c *ShipperConfig) applyDefaults() {
	if c.IndexName == "" {
		c.IndexName = "medulla-events"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ShipTimeout <= 0 {
		c.ShipTimeout = 5 * time.Second
	}
}

// Shipper forwards events to the analytics store without ever blocking the
// emitter. Writes go through a bounded queue drained by a single worker; the
// store call sits behind a circuit breaker, so a dead store costs one failed
// write per cooldown window instead of one per event. Events dropped here are
// still in the file journal.
type Shipper struct {
	config  ShipperConfig
	index   IndexFunc
	breaker *infra.CircuitBreaker
	logger  *Logger
	metrics *Metrics

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	dropped atomic.Int64
	warned  atomic.Bool
}

// NewShipper creates a shipper around an explicit index function and starts
// its worker.
func NewShipper(index IndexFunc, config ShipperConfig, logger *Logger, metrics *Metrics) *Shipper {
	config.applyDefaults()

	s := &Shipper{
		config:  config,
		index:   index,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan Event, config.QueueSize),
		done:    make(chan struct{}),
	}

	s.breaker = infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
		Name:             "index-shipper",
		FailureThreshold: config.FailureThreshold,
		Cooldown:         config.Cooldown,
		Now:              config.Now,
		OnStateChange: func(from, to string) {
			logger.Info(context.Background(), "index shipper circuit state changed",
				"from", from, "to", to)
			if metrics != nil {
				if to == infra.CircuitOpen {
					metrics.ShipperCircuitOpen.Set(1)
				} else {
					metrics.ShipperCircuitOpen.Set(0)
				}
			}
		},
	})

	s.wg.Add(1)
	go s.run()
	return s
}

// NewShipperFromBackend builds a shipper over a store handler. The handler
// must report a connected state; otherwise no shipper is created and events
// stay journal-only.
func NewShipperFromBackend(backend IndexBackend, config ShipperConfig, logger *Logger, metrics *Metrics) (*Shipper, error) {
	if backend == nil {
		return nil, errors.New("index backend is nil")
	}
	if !backend.Connected() {
		return nil, errors.New("index backend not connected")
	}
	config.applyDefaults()

	index := func(ctx context.Context, e Event) error {
		id := fmt.Sprintf("%d-%s", e.Seq, e.TraceID)
		return backend.IndexDocument(ctx, config.IndexName, id, e)
	}
	return NewShipper(index, config, logger, metrics), nil
}

// Write enqueues an event for shipping. It never blocks: when the queue is
// full the oldest queued event is evicted. Implements Sink.
func (s *Shipper) Write(e Event) error {
	select {
	case <-s.done:
		return errors.New("shipper closed")
	default:
	}

	select {
	case s.queue <- e:
		return nil
	default:
	}

	// Queue full: evict the oldest, then retry once. A concurrent writer can
	// still win the freed slot, in which case this event is the drop.
	select {
	case <-s.queue:
		s.recordDrop()
	default:
	}
	select {
	case s.queue <- e:
	default:
		s.recordDrop()
	}
	return nil
}

func (s *Shipper) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case e := <-s.queue:
					s.ship(e)
				default:
					return
				}
			}
		case e := <-s.queue:
			s.ship(e)
		}
	}
}

func (s *Shipper) ship(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShipTimeout)
	defer cancel()

	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.index(ctx, e)
	})
	if err == nil {
		s.warned.Store(false)
		return
	}

	if errors.Is(err, infra.ErrCircuitOpen) {
		s.recordDrop()
		if s.warned.CompareAndSwap(false, true) {
			s.logger.Warn(ctx, "index shipper circuit open, dropping events",
				"dropped_total", s.dropped.Load(), "queued", len(s.queue))
		}
		return
	}

	s.logger.Debug(ctx, "index write failed", "event_type", string(e.Type), "error", err)
}

func (s *Shipper) recordDrop() {
	s.dropped.Add(1)
	if s.metrics != nil {
		s.metrics.ShipperDropped.Inc()
	}
}

// Dropped returns the number of events lost to queue eviction or an open
// circuit.
func (s *Shipper) Dropped() int64 {
	return s.dropped.Load()
}

// CircuitState reports the breaker state ("closed", "open", "half-open").
func (s *Shipper) CircuitState() string {
	return s.breaker.State()
}

// Close stops accepting events and drains the queue. It returns early with
// the context's error if draining outlasts the deadline.
func (s *Shipper) Close(ctx context.Context) error {
	s.once.Do(func() { close(s.done) })

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
