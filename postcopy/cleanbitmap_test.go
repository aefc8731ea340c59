package postcopy

import (
	"bytes"
	"testing"

	"github.com/RoaringBitmap/roaring/roaring64"
)

func TestWriteReadCleanBitmapRoundTrip(t *testing.T) {
	t.Parallel()

	src, err := NewBlock("pc.ram", 0, 8*4096, 4096, 4096)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	dirty := roaring64.New()
	dirty.Add(2) // target page 2 is still dirty: every other page is "clean"

	var buf bytes.Buffer
	if err := WriteCleanBitmap(&buf, []*Block{src}, dirty); err != nil {
		t.Fatalf("WriteCleanBitmap: %v", err)
	}

	dst, err := NewBlock("pc.ram", 0, 8*4096, 4096, 4096)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	reg := NewRegistry([]*Block{dst})

	if err := ReadCleanBitmap(&buf, reg); err != nil {
		t.Fatalf("ReadCleanBitmap: %v", err)
	}

	for tp := 0; tp < dst.NrTargetPages(); tp++ {
		want := tp != 2

		if got := dst.PhysReceived.IsSet(tp); got != want {
			t.Fatalf("PhysReceived[%d] = %v, want %v", tp, got, want)
		}

		if got := dst.PhysRequested.IsSet(tp); got != want {
			t.Fatalf("PhysRequested[%d] = %v, want %v", tp, got, want)
		}

		if got := dst.CleanBitmap.IsSet(tp); got != want {
			t.Fatalf("CleanBitmap[%d] = %v, want %v", tp, got, want)
		}
	}
}

func TestReadCleanBitmapSkipsUnknownBlock(t *testing.T) {
	t.Parallel()

	other, err := NewBlock("pc.other", 0, 4096, 4096, 4096)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteCleanBitmap(&buf, []*Block{other}, roaring64.New()); err != nil {
		t.Fatalf("WriteCleanBitmap: %v", err)
	}

	reg := NewRegistry(nil)

	if err := ReadCleanBitmap(&buf, reg); err != nil {
		t.Fatalf("ReadCleanBitmap with an unregistered block id: %v", err)
	}
}

func TestReadCleanBitmapRejectsGeometryMismatch(t *testing.T) {
	t.Parallel()

	src, err := NewBlock("pc.ram", 0, 4096, 4096, 4096)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteCleanBitmap(&buf, []*Block{src}, roaring64.New()); err != nil {
		t.Fatalf("WriteCleanBitmap: %v", err)
	}

	mismatched, err := NewBlock("pc.ram", 0, 8192, 4096, 4096)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	reg := NewRegistry([]*Block{mismatched})

	if err := ReadCleanBitmap(&buf, reg); err == nil {
		t.Fatalf("expected a geometry-mismatch error")
	}
}

func TestWriteCleanBitmapMultipleBlocksTerminator(t *testing.T) {
	t.Parallel()

	a, err := NewBlock("a", 0, 4096, 4096, 4096)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	b, err := NewBlock("b", 0, 4096, 4096, 4096)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteCleanBitmap(&buf, []*Block{a, b}, roaring64.New()); err != nil {
		t.Fatalf("WriteCleanBitmap: %v", err)
	}

	reg := NewRegistry([]*Block{
		mustNewBlock(t, "a", 4096),
		mustNewBlock(t, "b", 4096),
	})

	if err := ReadCleanBitmap(&buf, reg); err != nil {
		t.Fatalf("ReadCleanBitmap: %v", err)
	}
}

func mustNewBlock(t *testing.T, id string, length uint64) *Block {
	t.Helper()

	b, err := NewBlock(id, 0, length, 4096, 4096)
	if err != nil {
		t.Fatalf("NewBlock(%q): %v", id, err)
	}

	return b
}
