package scopepubsub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/scopekit/scope/internal/scoperingbuf"
)

// Broker fans out published values to subscribers. Every subscriber owns a
// bounded queue drained by a dedicated goroutine, so Publish never waits on a
// slow consumer: when a subscriber's queue is full, the oldest queued value is
// overwritten and counted as a drop against that subscriber only.
type Broker[T any] struct {
	mtx         sync.Mutex
	transform   func(T) T
	buffer      int
	subscribers map[chan<- T]*subscriber[T]
	active      atomic.Bool
}

type subscriber[T any] struct {
	allow func(T) bool
	queue *scoperingbuf.RingBuffer[T]
	kick  chan struct{}
	done  chan struct{}
	ch    chan<- T

	skips atomic.Uint64
	sends atomic.Uint64
	drops atomic.Uint64
}

// NewBroker returns an empty broker. The transform function, if non-nil, is
// applied to every published value before fan-out. The buffer is the default
// per-subscriber queue capacity, applied when Subscribe is called with a
// non-positive buffer.
func NewBroker[T any](transform func(T) T, buffer int) *Broker[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &Broker[T]{
		transform:   transform,
		buffer:      buffer,
		subscribers: map[chan<- T]*subscriber[T]{},
	}
}

// Publish the value to every subscriber whose allow function accepts it.
// Values are enqueued in call order, so publishes serialized by the caller
// reach every subscriber in that same order. Publish enqueues and returns, it
// never waits for delivery.
func (b *Broker[T]) Publish(ctx context.Context, val T) {
	if !b.active.Load() { // optimization
		return
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	if len(b.subscribers) <= 0 { // re-check, might have changed
		return
	}

	if b.transform != nil {
		val = b.transform(val)
	}

	for _, sub := range b.subscribers {
		if !sub.allow(val) {
			sub.skips.Add(1)
			continue
		}
		if _, dropped := sub.queue.Add(val); dropped {
			sub.drops.Add(1)
		}
		select {
		case sub.kick <- struct{}{}:
		default: // a wakeup is already pending
		}
	}
}

// Subscribe registers the channel with the broker, and blocks until the
// context is canceled, delivering accepted values to the channel in publish
// order. The buffer bounds how many undelivered values may be queued for this
// subscriber; non-positive means the broker default. Subscribe returns the
// final subscription stats alongside the context's error.
func (b *Broker[T]) Subscribe(ctx context.Context, allow func(T) bool, buffer int, ch chan<- T) (Stats, error) {
	if buffer <= 0 {
		buffer = b.buffer
	}

	sub := &subscriber[T]{
		allow: allow,
		queue: scoperingbuf.NewRingBuffer[T](buffer),
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		ch:    ch,
	}

	if err := func() error {
		b.mtx.Lock()
		defer b.mtx.Unlock()

		if _, ok := b.subscribers[ch]; ok {
			return fmt.Errorf("already subscribed")
		}

		b.subscribers[ch] = sub

		b.active.Store(len(b.subscribers) > 0)

		return nil
	}(); err != nil {
		return Stats{}, err
	}

	go sub.pump()

	<-ctx.Done()

	func() {
		b.mtx.Lock()
		defer b.mtx.Unlock()

		delete(b.subscribers, ch)

		b.active.Store(len(b.subscribers) > 0)
	}()

	close(sub.done)

	return sub.stats(), ctx.Err()
}

// Stats returns the current stats of the subscription represented by the given
// channel.
func (b *Broker[T]) Stats(ctx context.Context, ch chan<- T) (Stats, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	sub, ok := b.subscribers[ch]
	if !ok {
		return Stats{}, fmt.Errorf("not subscribed")
	}

	return sub.stats(), nil
}

// ActiveSubscribers returns the current number of subscriptions.
func (b *Broker[T]) ActiveSubscribers() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return len(b.subscribers)
}

// pump drains the queue to the subscriber channel. It runs in its own
// goroutine, so a blocked channel send stalls only this subscriber while the
// queue keeps absorbing, and overwriting, published values.
func (s *subscriber[T]) pump() {
	for {
		for {
			val, ok := s.queue.PopOldest()
			if !ok {
				break
			}
			select {
			case s.ch <- val:
				s.sends.Add(1)
			case <-s.done:
				return
			}
		}
		select {
		case <-s.kick:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber[T]) stats() Stats {
	return Stats{
		Skips: s.skips.Load(),
		Sends: s.sends.Load(),
		Drops: s.drops.Load(),
	}
}

// Stats describe the delivery history of a single subscription.
type Stats struct {
	Skips uint64 `json:"skips"`
	Sends uint64 `json:"sends"`
	Drops uint64 `json:"drops"`
}

// Overrun is true if the subscription fell behind and lost values.
func (s Stats) Overrun() bool {
	return s.Drops > 0
}

func (s Stats) String() string {
	return fmt.Sprintf("skips=%d sends=%d drops=%d", s.Skips, s.Sends, s.Drops)
}
