package postcopy

import (
	"context"
	"sync"
)

// FakeDevice is an in-memory software stand-in for Device, grounded on
// the same one-struct-per-behavior shape as the gokvm iodev package's
// NoopDevice/ACPIShutDownDevice. It drives the destination daemon in
// tests without a real userfaultfd: guest "faults" are injected with
// Fault, and MarkPageCached/RemoveShmem calls are recorded for
// assertions (exactly-once delivery, property 2 of spec §8).
type FakeDevice struct {
	mu sync.Mutex

	fd int

	pending  []uint64
	wake     chan struct{}
	cached   map[uint64]int // offset -> call count, to assert exactly-once
	removed  []uint64
	finished bool
	nrPages  int
	resident int
}

// NewFakeDevice returns a FakeDevice backing a block of nrHostPages host
// pages, none yet resident.
func NewFakeDevice(nrHostPages int) *FakeDevice {
	return &FakeDevice{
		fd:      -1,
		wake:    make(chan struct{}, 1),
		cached:  make(map[uint64]int),
		nrPages: nrHostPages,
	}
}

func (f *FakeDevice) Fd() int { return f.fd }

// Fault injects a guest page fault at host-page offset off, as if the
// real UMEM device had just observed one.
func (f *FakeDevice) Fault(off uint64) {
	f.mu.Lock()
	f.pending = append(f.pending, off)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *FakeDevice) GetPageRequests(ctx context.Context, maxRequests int) ([]uint64, error) {
	for {
		f.mu.Lock()
		if len(f.pending) > 0 {
			n := len(f.pending)
			if n > maxRequests {
				n = maxRequests
			}

			out := f.pending[:n]
			f.pending = f.pending[n:]
			f.mu.Unlock()

			return out, nil
		}
		f.mu.Unlock()

		select {
		case <-f.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *FakeDevice) MarkPageCached(offsets []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, off := range offsets {
		f.cached[off]++
		f.resident++
	}

	f.finished = f.resident >= f.nrPages

	return nil
}

func (f *FakeDevice) RemoveShmem(localOffset uint64, length int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removed = append(f.removed, localOffset)

	return nil
}

func (f *FakeDevice) Finished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.finished
}

// CachedCount returns how many times MarkPageCached covered off, for
// exactly-once assertions in tests.
func (f *FakeDevice) CachedCount(off uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.cached[off]
}

// Removed returns a copy of the offsets passed to RemoveShmem, in order.
func (f *FakeDevice) Removed() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]uint64, len(f.removed))
	copy(out, f.removed)

	return out
}
