// Package audio holds the capture-side sample buffer and codecs.
package audio

import (
	"sync"
	"time"
)

// Chunk is an immutable run of mono samples drained from a Buffer.
type Chunk struct {
	Sequence   uint64
	SampleRate int
	Samples    []float32
	// Start is the offset of the first sample from the start of the session.
	Start time.Duration
}

// Duration returns the audio length of the chunk.
func (c Chunk) Duration() time.Duration {
	return samplesToDuration(int64(len(c.Samples)), c.SampleRate)
}

// End returns the session offset just past the last sample.
func (c Chunk) End() time.Duration {
	return c.Start + c.Duration()
}

// Buffer is a bounded sliding window of samples. Once full, pushes evict the
// oldest samples first. It is safe for one writer and one reader.
type Buffer struct {
	mu         sync.Mutex
	data       []float32
	writePos   int
	filled     int
	size       int
	sampleRate int

	// offset is the absolute index of the oldest buffered sample.
	offset  int64
	nextSeq uint64
}

// NewBuffer creates a buffer holding at most capacity samples.
func NewBuffer(capacity, sampleRate int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		data:       make([]float32, capacity),
		size:       capacity,
		sampleRate: sampleRate,
	}
}

// NewBufferForWindow sizes a buffer to hold window worth of audio.
func NewBufferForWindow(window time.Duration, sampleRate int) *Buffer {
	return NewBuffer(int(window.Seconds()*float64(sampleRate)), sampleRate)
}

// Push appends samples, evicting the oldest ones past capacity.
func (b *Buffer) Push(samples []float32) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(samples) >= b.size {
		dropped := len(samples) - b.size
		b.offset += int64(b.filled + dropped)
		copy(b.data, samples[dropped:])
		b.writePos = 0
		b.filled = b.size
		return
	}

	for _, s := range samples {
		b.data[b.writePos] = s
		b.writePos = (b.writePos + 1) % b.size
		if b.filled < b.size {
			b.filled++
		} else {
			b.offset++
		}
	}
}

// Drain extracts and clears the buffered samples. It reports false when
// nothing was pushed since the previous drain.
func (b *Buffer) Drain() (Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.filled == 0 {
		return Chunk{}, false
	}

	samples := make([]float32, b.filled)
	start := (b.writePos - b.filled + b.size) % b.size
	for i := range samples {
		samples[i] = b.data[(start+i)%b.size]
	}

	chunk := Chunk{
		Sequence:   b.nextSeq,
		SampleRate: b.sampleRate,
		Samples:    samples,
		Start:      samplesToDuration(b.offset, b.sampleRate),
	}
	b.nextSeq++
	b.offset += int64(b.filled)
	b.writePos = 0
	b.filled = 0
	return chunk, true
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filled
}

// Capacity returns the maximum number of buffered samples.
func (b *Buffer) Capacity() int {
	return b.size
}

// Full reports whether the window is at capacity.
func (b *Buffer) Full() bool {
	return b.Len() == b.size
}

// ElapsedSeconds returns the buffered duration. Display only.
func (b *Buffer) ElapsedSeconds() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sampleRate <= 0 {
		return 0
	}
	return float64(b.filled) / float64(b.sampleRate)
}

func samplesToDuration(n int64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
