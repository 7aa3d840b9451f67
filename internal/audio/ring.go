package audio

// RingBuffer is a fixed-capacity circular store of mono samples with a single
// writer and a single reader. It is not safe for concurrent use; the Engine
// serializes access.
//
// When full, Write overwrites the oldest unread sample so the producer never
// blocks. Overwritten reports how many samples were lost that way.
type RingBuffer struct {
	storage   []float32
	writePos  int
	readPos   int
	available int

	overwritten uint64
}

// NewRingBuffer allocates a buffer holding capacity samples.
// A non-positive capacity is rounded up to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{storage: make([]float32, capacity)}
}

// Capacity returns the fixed number of samples the buffer can hold.
func (r *RingBuffer) Capacity() int {
	return len(r.storage)
}

// Available returns the number of unread samples.
func (r *RingBuffer) Available() int {
	return r.available
}

// Overwritten returns the running total of unread samples lost to
// overwrite-on-full.
func (r *RingBuffer) Overwritten() uint64 {
	return r.overwritten
}

// Fill returns Available()/Capacity().
func (r *RingBuffer) Fill() float64 {
	return float64(r.available) / float64(len(r.storage))
}

// Write appends samples and returns how many were stored, which is always
// len(samples).
func (r *RingBuffer) Write(samples []float32) int {
	capacity := len(r.storage)
	for _, s := range samples {
		r.storage[r.writePos] = s
		r.writePos = (r.writePos + 1) % capacity
		if r.available < capacity {
			r.available++
		} else {
			// full: drop the oldest unread sample
			r.readPos = (r.readPos + 1) % capacity
			r.overwritten++
		}
	}
	return len(samples)
}

// Read fills out with the oldest unread samples and returns how many real
// samples were copied. The rest of out is zeroed.
func (r *RingBuffer) Read(out []float32) int {
	capacity := len(r.storage)
	n := 0
	for i := range out {
		if r.available == 0 {
			clear(out[i:])
			break
		}
		out[i] = r.storage[r.readPos]
		r.readPos = (r.readPos + 1) % capacity
		r.available--
		n++
	}
	return n
}

// Reset discards buffered content without releasing storage.
func (r *RingBuffer) Reset() {
	r.writePos = 0
	r.readPos = 0
	r.available = 0
}
