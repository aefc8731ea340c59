package postcopy

import (
	"context"
	"testing"
	"time"
)

func TestFakeDeviceGetPageRequestsBlocksUntilFault(t *testing.T) {
	t.Parallel()

	d := NewFakeDevice(4)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan []uint64)

	go func() {
		offs, err := d.GetPageRequests(ctx, 8)
		if err != nil {
			t.Errorf("GetPageRequests: %v", err)
		}

		done <- offs
	}()

	d.Fault(42)

	select {
	case offs := <-done:
		if len(offs) != 1 || offs[0] != 42 {
			t.Fatalf("GetPageRequests = %v, want [42]", offs)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("GetPageRequests never returned after Fault")
	}
}

func TestFakeDeviceGetPageRequestsRespectsMax(t *testing.T) {
	t.Parallel()

	d := NewFakeDevice(8)
	d.Fault(1)
	d.Fault(2)
	d.Fault(3)

	offs, err := d.GetPageRequests(context.Background(), 2)
	if err != nil {
		t.Fatalf("GetPageRequests: %v", err)
	}

	if len(offs) != 2 {
		t.Fatalf("GetPageRequests returned %d offsets, want 2", len(offs))
	}
}

func TestFakeDeviceGetPageRequestsCtxCancel(t *testing.T) {
	t.Parallel()

	d := NewFakeDevice(4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.GetPageRequests(ctx, 8); err == nil {
		t.Fatalf("GetPageRequests with a cancelled context should have errored")
	}
}

func TestFakeDeviceMarkPageCachedExactlyOnceAndFinished(t *testing.T) {
	t.Parallel()

	d := NewFakeDevice(2)

	if d.Finished() {
		t.Fatalf("Finished() true before any page is cached")
	}

	if err := d.MarkPageCached([]uint64{0}); err != nil {
		t.Fatalf("MarkPageCached: %v", err)
	}

	if d.CachedCount(0) != 1 {
		t.Fatalf("CachedCount(0) = %d, want 1", d.CachedCount(0))
	}

	if d.Finished() {
		t.Fatalf("Finished() true with only 1 of 2 pages resident")
	}

	if err := d.MarkPageCached([]uint64{1}); err != nil {
		t.Fatalf("MarkPageCached: %v", err)
	}

	if !d.Finished() {
		t.Fatalf("Finished() false once every host page is resident")
	}
}

func TestFakeDeviceRemoveShmemRecordsOffsets(t *testing.T) {
	t.Parallel()

	d := NewFakeDevice(4)

	if err := d.RemoveShmem(0, 4096); err != nil {
		t.Fatalf("RemoveShmem: %v", err)
	}

	if err := d.RemoveShmem(4096, 4096); err != nil {
		t.Fatalf("RemoveShmem: %v", err)
	}

	got := d.Removed()
	if len(got) != 2 || got[0] != 0 || got[1] != 4096 {
		t.Fatalf("Removed() = %v, want [0 4096]", got)
	}
}
