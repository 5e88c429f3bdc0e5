package scopepubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func assertEqual[T any](t *testing.T, have, want T) {
	t.Helper()
	if !cmp.Equal(have, want) {
		t.Fatal(cmp.Diff(have, want))
	}
}

func TestBrokerOrderedDelivery(t *testing.T) {
	t.Parallel()

	b := NewBroker[int](nil, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		ch     = make(chan int)
		statsc = make(chan Stats, 1)
	)
	go func() {
		stats, _ := b.Subscribe(ctx, func(int) bool { return true }, 0, ch)
		statsc <- stats
	}()

	waitForSubscribers(t, b, ch)

	go func() {
		for i := 1; i <= 10; i++ {
			b.Publish(ctx, i)
		}
	}()

	received := []int{}
	for i := 0; i < 10; i++ {
		select {
		case val := <-ch:
			received = append(received, val)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for value %d", i+1)
		}
	}

	assertEqual(t, received, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	cancel()

	stats := <-statsc
	assertEqual(t, stats.Sends, uint64(10))
	assertEqual(t, stats.Drops, uint64(0))
	assertEqual(t, stats.Overrun(), false)
}

func TestBrokerSkips(t *testing.T) {
	t.Parallel()

	b := NewBroker[int](nil, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan int)
	go b.Subscribe(ctx, func(i int) bool { return i%2 == 0 }, 0, ch)

	waitForSubscribers(t, b, ch)

	go func() {
		for i := 1; i <= 6; i++ {
			b.Publish(ctx, i)
		}
	}()

	received := []int{}
	for i := 0; i < 3; i++ {
		received = append(received, <-ch)
	}
	assertEqual(t, received, []int{2, 4, 6})

	stats, err := b.Stats(ctx, ch)
	assertEqual(t, err == nil, true)
	assertEqual(t, stats.Skips, uint64(3))
}

func TestBrokerDropOldest(t *testing.T) {
	t.Parallel()

	b := NewBroker[int](nil, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		ch     = make(chan int)
		statsc = make(chan Stats, 1)
	)
	go func() {
		stats, _ := b.Subscribe(ctx, func(int) bool { return true }, 0, ch)
		statsc <- stats
	}()

	waitForSubscribers(t, b, ch)

	// Publish far more than the queue can hold, with nobody receiving. The
	// pump can be blocked on at most one in-flight send, so the rest beyond
	// the queue capacity must be dropped, oldest first.
	for i := 1; i <= 100; i++ {
		b.Publish(ctx, i)
	}

	received := []int{}
	for {
		var (
			val int
			ok  bool
		)
		select {
		case val = <-ch:
			ok = true
		case <-time.After(100 * time.Millisecond):
		}
		if !ok {
			break
		}
		received = append(received, val)
	}

	// Deliveries are a strictly increasing subsequence of what was published,
	// ending with the newest value.
	if len(received) == 0 {
		t.Fatal("no values received")
	}
	for i := 1; i < len(received); i++ {
		if received[i] <= received[i-1] {
			t.Fatalf("out of order: %v", received)
		}
	}
	assertEqual(t, received[len(received)-1], 100)

	cancel()

	stats := <-statsc
	if stats.Drops == 0 {
		t.Fatal("expected drops")
	}
	assertEqual(t, stats.Overrun(), true)
	assertEqual(t, stats.Sends, uint64(len(received)))
}

func TestBrokerDoubleSubscribe(t *testing.T) {
	t.Parallel()

	b := NewBroker[int](nil, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan int)
	go b.Subscribe(ctx, func(int) bool { return true }, 0, ch)

	waitForSubscribers(t, b, ch)

	_, err := b.Subscribe(ctx, func(int) bool { return true }, 0, ch)
	if err == nil {
		t.Fatal("expected error from second subscribe on the same channel")
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	t.Parallel()

	b := NewBroker[int](nil, 10)

	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan int)
	errc := make(chan error, 1)
	go func() {
		_, err := b.Subscribe(ctx, func(int) bool { return true }, 0, ch)
		errc <- err
	}()

	waitForSubscribers(t, b, ch)
	assertEqual(t, b.ActiveSubscribers(), 1)

	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, have %v", err)
	}

	assertEqual(t, b.ActiveSubscribers(), 0)

	// Publishing after unsubscribe delivers nothing.
	b.Publish(context.Background(), 1)
	select {
	case val := <-ch:
		t.Fatalf("unexpected delivery %d", val)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitForSubscribers(t *testing.T, b *Broker[int], ch chan<- int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := b.Stats(context.Background(), ch); err == nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("subscription never became active")
}
