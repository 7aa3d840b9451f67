package audio

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	if b.SubscriberCount() != 0 {
		t.Errorf("Initial SubscriberCount = %d, want 0", b.SubscriberCount())
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	if b.SubscriberCount() != 2 {
		t.Errorf("After 2 subscribes: SubscriberCount = %d, want 2", b.SubscriberCount())
	}

	b.Unsubscribe(s1)
	if b.SubscriberCount() != 1 {
		t.Errorf("After 1 unsubscribe: SubscriberCount = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(s1) // second call is a no-op

	b.Unsubscribe(s2)
	if b.SubscriberCount() != 0 {
		t.Errorf("After all unsubscribed: SubscriberCount = %d, want 0", b.SubscriberCount())
	}

	select {
	case <-s1.Done():
	default:
		t.Error("Done not closed after unsubscribe")
	}
}

func TestBroadcastDeliversToAll(t *testing.T) {
	b := NewBroadcaster()
	subs := make([]*Subscriber, 3)
	for i := range subs {
		subs[i] = b.Subscribe()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan []float32, 1)
	go b.Run(ctx, source, nil)

	source <- []float32{0.25, -0.25}

	for i, s := range subs {
		select {
		case got := <-s.C:
			if got[0] != 0.25 {
				t.Errorf("subscriber %d got %v", i, got[0])
			}
		case <-time.After(time.Second):
			t.Errorf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcastDropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	slow := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan []float32, WaveformFrames*3)
	go b.Run(ctx, source, nil)

	for i := 0; i < WaveformFrames*3; i++ {
		source <- []float32{float32(i)}
	}
	time.Sleep(100 * time.Millisecond)

	if n := len(slow.C); n > WaveformFrames {
		t.Errorf("slow subscriber holds %d blocks, cap is %d", n, WaveformFrames)
	}
}

func TestBroadcastReleasesSourceBlocks(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe()

	released := make(chan []float32, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan []float32, 1)
	go b.Run(ctx, source, func(block []float32) { released <- block })

	block := []float32{0.5, 0.75}
	source <- block

	var got []float32
	select {
	case got = <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("subscriber timed out")
	}
	select {
	case r := <-released:
		if &r[0] != &block[0] {
			t.Error("released a different block")
		}
	case <-time.After(time.Second):
		t.Fatal("block was not released")
	}

	// The subscriber's copy survives reuse of the source block.
	block[0] = -1
	if got[0] != 0.5 {
		t.Errorf("subscriber block changed to %v after release", got[0])
	}
}

func TestBroadcastStopsOnContextCancel(t *testing.T) {
	b := NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Run(ctx, make(chan []float32), nil)
	}()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcaster did not stop after context cancel")
	}
}
