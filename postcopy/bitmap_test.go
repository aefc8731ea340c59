package postcopy

import "testing"

func TestBitmapTestAndSet(t *testing.T) {
	t.Parallel()

	b := NewBitmap(128)

	if wasSet := b.TestAndSet(5); wasSet {
		t.Fatalf("TestAndSet(5) on a fresh bitmap reported already set")
	}

	if !b.IsSet(5) {
		t.Fatalf("bit 5 not set after TestAndSet")
	}

	if wasSet := b.TestAndSet(5); !wasSet {
		t.Fatalf("TestAndSet(5) on an already-set bit reported not set")
	}
}

func TestBitmapSetIsSet(t *testing.T) {
	t.Parallel()

	b := NewBitmap(64)

	for _, i := range []int{0, 1, 63} {
		b.Set(i)

		if !b.IsSet(i) {
			t.Fatalf("bit %d not set after Set", i)
		}
	}

	if b.IsSet(2) {
		t.Fatalf("bit 2 unexpectedly set")
	}
}

func TestBitmapClear(t *testing.T) {
	t.Parallel()

	b := NewBitmap(16)
	b.Set(3)
	b.Clear(3)

	if b.IsSet(3) {
		t.Fatalf("bit 3 still set after Clear")
	}
}

func TestBitmapAllSetAndSetRange(t *testing.T) {
	t.Parallel()

	b := NewBitmap(16)

	if b.AllSet(0, 4) {
		t.Fatalf("AllSet true on an all-zero bitmap")
	}

	b.SetRange(0, 4)

	if !b.AllSet(0, 4) {
		t.Fatalf("AllSet false after SetRange covering the same range")
	}

	if b.AllSet(0, 5) {
		t.Fatalf("AllSet true past the range that was actually set")
	}
}

func TestBitmapPopCount(t *testing.T) {
	t.Parallel()

	b := NewBitmap(200)
	for _, i := range []int{0, 64, 65, 199} {
		b.Set(i)
	}

	if got := b.PopCount(); got != 4 {
		t.Fatalf("PopCount() = %d, want 4", got)
	}
}

func TestBitmapNextSet(t *testing.T) {
	t.Parallel()

	b := NewBitmap(100)
	b.Set(10)
	b.Set(50)

	i, ok := b.NextSet(0)
	if !ok || i != 10 {
		t.Fatalf("NextSet(0) = (%d, %v), want (10, true)", i, ok)
	}

	i, ok = b.NextSet(11)
	if !ok || i != 50 {
		t.Fatalf("NextSet(11) = (%d, %v), want (50, true)", i, ok)
	}

	if _, ok := b.NextSet(51); ok {
		t.Fatalf("NextSet(51) found a bit past the last set one")
	}
}

func TestBitmapCopyFrom(t *testing.T) {
	t.Parallel()

	src := NewBitmap(32)
	src.Set(1)
	src.Set(30)

	dst := NewBitmap(32)
	dst.Set(5)

	dst.CopyFrom(src)

	for _, i := range []int{1, 5, 30} {
		if !dst.IsSet(i) {
			t.Fatalf("bit %d not set in dst after CopyFrom", i)
		}
	}

	if dst.IsSet(2) {
		t.Fatalf("bit 2 unexpectedly set in dst after CopyFrom")
	}
}

func TestBitmapCopyFromShorterDst(t *testing.T) {
	t.Parallel()

	src := NewBitmap(64)
	src.Set(40)

	dst := NewBitmap(16)
	dst.CopyFrom(src)

	if dst.IsSet(15) {
		t.Fatalf("CopyFrom set a bit beyond dst's length")
	}
}

func TestBitmapConcurrentSetIsRaceFree(t *testing.T) {
	b := NewBitmap(64)

	done := make(chan struct{})

	for g := 0; g < 8; g++ {
		go func(bit int) {
			b.Set(bit % 64)
			done <- struct{}{}
		}(g)
	}

	for g := 0; g < 8; g++ {
		<-done
	}

	for g := 0; g < 8; g++ {
		if !b.IsSet(g % 64) {
			t.Fatalf("bit %d not observed set after concurrent Set", g%64)
		}
	}
}
