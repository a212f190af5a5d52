// Package bus fans audit events out to subscribers.
//
// A single dispatcher goroutine drains an unbounded FIFO queue, so every
// subscriber sees events in publish order and, for one event, subscribers are
// invoked in registration order. Publish never waits for handlers.
//
// Each subscription runs its handler on its own serial lane: a handler is
// never invoked concurrently with itself, and a call that overruns the
// handler timeout only holds back later events for that subscriber.
package bus

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

var ErrClosed = errors.New("event bus closed")

// Handler consumes one event. The context expires after the bus handler timeout.
type Handler func(ctx context.Context, ev models.AuditEvent) error

type Config struct {
	HandlerTimeout time.Duration
	Logger         *log.Logger
}

type Bus struct {
	mu      sync.Mutex
	subs    []*Subscription
	queue   []models.AuditEvent
	pending int
	idle    chan struct{}
	closed  bool
	nextID  uint64

	signal  chan struct{}
	done    chan struct{}
	lanes   sync.WaitGroup
	timeout time.Duration
	logger  *log.Logger
}

// Subscription is a handle for removing a handler from the bus.
type Subscription struct {
	id      uint64
	name    string
	handler Handler
	bus     *Bus
	active  atomic.Bool

	mu      sync.Mutex
	backlog []call
	running bool
}

type call struct {
	ev   models.AuditEvent
	done chan struct{}
}

func New(cfg Config) *Bus {
	timeout := cfg.HandlerTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[audit.bus] ", log.LstdFlags)
	}
	idle := make(chan struct{})
	close(idle)
	b := &Bus{
		idle:    idle,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		timeout: timeout,
		logger:  logger,
	}
	go b.run()
	return b
}

// Subscribe registers handler after every existing subscriber.
func (b *Bus) Subscribe(name string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, name: name, handler: handler, bus: b}
	sub.active.Store(true)
	b.subs = append(b.subs, sub)
	return sub
}

func (s *Subscription) Name() string { return s.name }

// Cancel stops delivery to the handler. A call already in progress is not
// interrupted; events still queued on its lane are dropped.
func (s *Subscription) Cancel() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == s.id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish queues ev for delivery to the subscribers registered when it is
// dequeued.
func (b *Bus) Publish(ev models.AuditEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.queue = append(b.queue, ev.Clone())
	b.pending++
	if b.pending == 1 {
		b.idle = make(chan struct{})
	}
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return nil
}

// Flush blocks until every event published so far, and everything those
// deliveries published in turn, has been handed to all subscribers. It must
// not be called from inside a handler.
func (b *Bus) Flush(ctx context.Context) error {
	b.mu.Lock()
	idle := b.idle
	b.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, drains the queue, stops the dispatcher and
// waits for subscriber lanes to finish.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	lanes := make(chan struct{})
	go func() {
		b.lanes.Wait()
		close(lanes)
	}()
	select {
	case <-lanes:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		ev, subs, ok := b.next()
		if !ok {
			return
		}
		for _, sub := range subs {
			if sub.active.Load() {
				b.deliver(sub, ev)
			}
		}
		b.finish()
	}
}

func (b *Bus) next() (models.AuditEvent, []*Subscription, bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			ev := b.queue[0]
			b.queue[0] = models.AuditEvent{}
			b.queue = b.queue[1:]
			subs := append([]*Subscription(nil), b.subs...)
			b.mu.Unlock()
			return ev, subs, true
		}
		if b.closed {
			b.mu.Unlock()
			return models.AuditEvent{}, nil, false
		}
		b.mu.Unlock()
		<-b.signal
	}
}

func (b *Bus) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending--
	if b.pending == 0 {
		close(b.idle)
	}
}

// deliver queues ev on the subscriber's lane and waits up to the handler
// timeout for it. If the lane is still busy with an earlier event the
// dispatcher does not wait at all.
func (b *Bus) deliver(sub *Subscription, ev models.AuditEvent) {
	done := make(chan struct{})
	if queued := sub.push(ev, done); queued {
		b.logger.Printf("handler %s busy, %s (%s) queued behind earlier events", sub.name, ev.Name, ev.ID)
		return
	}
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		b.logger.Printf("handler %s timed out after %s on %s (%s)", sub.name, b.timeout, ev.Name, ev.ID)
	}
}

// push appends to the lane and reports whether an earlier call is still
// pending. The lane goroutine is started on demand.
func (s *Subscription) push(ev models.AuditEvent, done chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog = append(s.backlog, call{ev: ev, done: done})
	if s.running {
		return true
	}
	s.running = true
	s.bus.lanes.Add(1)
	go s.drain()
	return false
}

func (s *Subscription) drain() {
	defer s.bus.lanes.Done()
	for {
		s.mu.Lock()
		if len(s.backlog) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		c := s.backlog[0]
		s.backlog[0] = call{}
		s.backlog = s.backlog[1:]
		s.mu.Unlock()

		if s.active.Load() {
			s.bus.invoke(s, c.ev)
		}
		close(c.done)
	}
}

func (b *Bus) invoke(sub *Subscription, ev models.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("handler %s failed on %s (%s): panic: %v", sub.name, ev.Name, ev.ID, r)
		}
	}()
	if err := sub.handler(ctx, ev.Clone()); err != nil {
		b.logger.Printf("handler %s failed on %s (%s): %v", sub.name, ev.Name, ev.ID, err)
	}
}
