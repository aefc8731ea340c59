package postcopy

import (
	"errors"
	"testing"
	"time"
)

func TestFakeFaultPipeWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	p := NewFakeFaultPipe(4)

	n, err := p.WriteOffsets([]uint64{10, 20, 30})
	if err != nil {
		t.Fatalf("WriteOffsets: %v", err)
	}

	if n != 3 {
		t.Fatalf("WriteOffsets wrote %d, want 3", n)
	}

	buf := make([]uint64, 8)

	n, err = p.ReadOffsets(buf)
	if err != nil {
		t.Fatalf("ReadOffsets: %v", err)
	}

	if n != 3 {
		t.Fatalf("ReadOffsets read %d, want 3", n)
	}

	got := map[uint64]bool{}
	for _, v := range buf[:n] {
		got[v] = true
	}

	for _, want := range []uint64{10, 20, 30} {
		if !got[want] {
			t.Fatalf("offset %d missing from ReadOffsets result %v", want, buf[:n])
		}
	}
}

func TestFakeFaultPipeWouldBlockWhenFull(t *testing.T) {
	t.Parallel()

	p := NewFakeFaultPipe(2)

	n, err := p.WriteOffsets([]uint64{1, 2, 3})
	if !errors.Is(err, ErrPipeWouldBlock) {
		t.Fatalf("WriteOffsets past capacity = %v, want ErrPipeWouldBlock", err)
	}

	if n != 2 {
		t.Fatalf("WriteOffsets wrote %d before blocking, want 2", n)
	}
}

func TestFakeFaultPipeReadBlocksUntilWrite(t *testing.T) {
	t.Parallel()

	p := NewFakeFaultPipe(4)

	done := make(chan int)

	go func() {
		buf := make([]uint64, 4)
		n, _ := p.ReadOffsets(buf)
		done <- n
	}()

	select {
	case <-done:
		t.Fatalf("ReadOffsets returned before any offset was written")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := p.WriteOffsets([]uint64{99}); err != nil {
		t.Fatalf("WriteOffsets: %v", err)
	}

	select {
	case n := <-done:
		if n != 1 {
			t.Fatalf("ReadOffsets returned %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ReadOffsets never returned after a write")
	}
}

func TestFakeFaultPipeReadReturnsEOFAfterClose(t *testing.T) {
	t.Parallel()

	p := NewFakeFaultPipe(4)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	buf := make([]uint64, 1)

	n, err := p.ReadOffsets(buf)
	if err != nil {
		t.Fatalf("ReadOffsets after Close: %v", err)
	}

	if n != 0 {
		t.Fatalf("ReadOffsets after Close returned %d, want 0", n)
	}
}

func TestOSFaultPipeWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	p, err := NewOSFaultPipe()
	if err != nil {
		t.Skipf("pipe2 unavailable in this sandbox: %v", err)
	}
	defer p.Close()

	n, err := p.WriteOffsets([]uint64{111, 222})
	if err != nil {
		t.Fatalf("WriteOffsets: %v", err)
	}

	if n != 2 {
		t.Fatalf("WriteOffsets wrote %d, want 2", n)
	}

	buf := make([]uint64, 2)

	n, err = p.ReadOffsets(buf)
	if err != nil {
		t.Fatalf("ReadOffsets: %v", err)
	}

	if n != 2 || buf[0] != 111 || buf[1] != 222 {
		t.Fatalf("ReadOffsets = %v (n=%d), want [111 222] (n=2)", buf, n)
	}
}

func TestOSFaultPipeWouldBlockWhenFull(t *testing.T) {
	t.Parallel()

	p, err := NewOSFaultPipe()
	if err != nil {
		t.Skipf("pipe2 unavailable in this sandbox: %v", err)
	}
	defer p.Close()

	// Keep writing until the kernel pipe buffer can't take any more
	// 8-byte offsets without blocking; a real O_NONBLOCK fd reports
	// EAGAIN at that point instead of stalling the writer.
	offs := make([]uint64, 1<<20)

	_, err = p.WriteOffsets(offs)
	if !errors.Is(err, ErrPipeWouldBlock) {
		t.Fatalf("WriteOffsets of more than the pipe can hold = %v, want ErrPipeWouldBlock", err)
	}
}
