// Package history keeps a bounded, time-ordered window of telemetry samples.
package history

import (
	"github.com/fnm-team/rigdash/internal/rig"
)

// DefaultCapacity is how many samples the dashboard keeps for its current view.
const DefaultCapacity = 100

// Buffer is a fixed-capacity ring of samples. Insertion order is time order;
// when full, the oldest sample is evicted before the new one is stored.
// Buffer is not safe for concurrent use; the session controller serializes access.
type Buffer struct {
	buf   []rig.Sample
	start int // index of the oldest sample
	n     int
}

// New creates a Buffer holding at most capacity samples. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{buf: make([]rig.Sample, capacity)}
}

// Append stores s as the newest sample.
func (b *Buffer) Append(s rig.Sample) {
	if b.n == len(b.buf) {
		b.buf[b.start] = s
		b.start = (b.start + 1) % len(b.buf)
		return
	}
	b.buf[(b.start+b.n)%len(b.buf)] = s
	b.n++
}

// Latest returns the newest sample.
func (b *Buffer) Latest() (rig.Sample, bool) {
	if b.n == 0 {
		return rig.Sample{}, false
	}
	return b.buf[b.newest()], true
}

// All returns a copy of the samples, oldest first.
func (b *Buffer) All() []rig.Sample {
	out := make([]rig.Sample, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.buf[(b.start+i)%len(b.buf)]
	}
	return out
}

// RelabelLatest overwrites the phase of the newest sample. Used only to show
// "Stopped" after the operator halts the rig.
func (b *Buffer) RelabelLatest(p rig.Phase) bool {
	if b.n == 0 {
		return false
	}
	b.buf[b.newest()].Phase = p
	return true
}

func (b *Buffer) Len() int { return b.n }
func (b *Buffer) Cap() int { return len(b.buf) }

// Reset drops every sample but keeps the capacity.
func (b *Buffer) Reset() {
	clear(b.buf)
	b.start = 0
	b.n = 0
}

func (b *Buffer) newest() int {
	return (b.start + b.n - 1) % len(b.buf)
}
