package audio

import (
	"context"
	"sync"
)

// Broadcaster fans out waveform blocks from one engine to N visualizers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// Subscriber receives waveform blocks from the broadcaster.
type Subscriber struct {
	C    chan []float32 // buffered channel of mono waveform blocks
	done chan struct{}
}

// Done is closed when the subscriber is removed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber.
func (b *Broadcaster) Subscribe() *Subscriber {
	s := &Subscriber{
		C:    make(chan []float32, WaveformFrames),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its Done channel. Safe to call
// more than once.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, ok := b.subscribers[s]
	delete(b.subscribers, s)
	b.mu.Unlock()
	if ok {
		close(s.done)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Run reads blocks from source and fans out to all subscribers.
// Slow subscribers get blocks dropped rather than stalling the fan-out.
// When release is non-nil each block is copied for the subscribers and
// handed back to release.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []float32, release func([]float32)) {
	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-source:
			if !ok {
				return
			}
			if release != nil {
				owned := append([]float32(nil), block...)
				release(block)
				block = owned
			}
			b.mu.RLock()
			for s := range b.subscribers {
				select {
				case s.C <- block:
				default:
					// subscriber too slow, drop block
				}
			}
			b.mu.RUnlock()
		}
	}
}
