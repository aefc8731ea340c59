package postcopy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
)

type fakeBackgroundSource struct {
	mu    sync.Mutex
	pages []fakeBGPage
}

type fakeBGPage struct {
	blockID string
	offset  uint64
	page    []byte
}

func (f *fakeBackgroundSource) NextDirtyPage() (string, uint64, []byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pages) == 0 {
		return "", 0, nil, false
	}

	p := f.pages[0]
	f.pages = f.pages[1:]

	return p.blockID, p.offset, p.page, true
}

func (f *fakeBackgroundSource) PendingBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return int64(len(f.pages)) * 4096
}

func (f *fakeBackgroundSource) Seek(string, uint64) {}

func TestEngineServesDemandRequestWithPrefault(t *testing.T) {
	t.Parallel()

	block, err := NewBlock("pc.ram", 0, 4*4096, 4096, 4096)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	block.ShMem = make([]byte, block.Length)
	for i := range block.ShMem {
		block.ShMem[i] = byte(i / 4096)
	}

	reg := NewRegistry([]*Block{block})

	pr, pw := io.Pipe()

	eng := NewEngine(reg, bufio.NewReader(pr), nil, 0)
	eng.PrefaultForward = 1

	respW := &ResponseWriter{}
	flushed := make(chan []byte, 8)
	flush := func() error {
		buf := append([]byte{}, respW.Bytes()...)
		respW.Reset()
		flushed <- buf

		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx, respW, flush) }()

	if err := NewEncoder(pw).EncodePage("pc.ram", []uint64{0}); err != nil {
		t.Fatalf("EncodePage: %v", err)
	}

	var data []byte

	select {
	case data = <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatalf("no flush observed after a demand request")
	}

	r := NewResponseReader(bufio.NewReader(bytes.NewReader(data)), 4096)

	rec1, err := r.Next()
	if err != nil {
		t.Fatalf("Next (offset 0): %v", err)
	}

	if rec1.Offset != 0 || rec1.Page[0] != 0 {
		t.Fatalf("rec1 = offset %d page[0]=%d, want offset 0 page[0]=0", rec1.Offset, rec1.Page[0])
	}

	rec2, err := r.Next()
	if err != nil {
		t.Fatalf("Next (prefaulted offset 4096): %v", err)
	}

	if rec2.Offset != 4096 || rec2.Page[0] != 1 {
		t.Fatalf("rec2 = offset %d page[0]=%d, want offset 4096 page[0]=1 (prefault-forward)", rec2.Offset, rec2.Page[0])
	}
}

func TestEngineBackgroundSliceThenEOCCompletes(t *testing.T) {
	t.Parallel()

	block, err := NewBlock("pc.ram", 0, 4096, 4096, 4096)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	reg := NewRegistry([]*Block{block})

	bg := &fakeBackgroundSource{pages: []fakeBGPage{
		{blockID: "pc.ram", offset: 0, page: make([]byte, 4096)},
	}}

	pr, pw := io.Pipe()

	eng := NewEngine(reg, bufio.NewReader(pr), bg, 0)

	respW := &ResponseWriter{}
	flushed := make(chan []byte, 8)
	flush := func() error {
		buf := append([]byte{}, respW.Bytes()...)
		respW.Reset()
		flushed <- buf

		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx, respW, flush) }()

	var data []byte

	select {
	case data = <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatalf("no background-slice flush observed")
	}

	r := NewResponseReader(bufio.NewReader(bytes.NewReader(data)), 4096)

	rec, err := r.Next()
	if err != nil || rec.Flags&RespPage == 0 {
		t.Fatalf("first background record = %+v, err=%v, want a PAGE record", rec, err)
	}

	rec, err = r.Next()
	if err != nil || rec.Flags&RespEOS == 0 {
		t.Fatalf("second background record = %+v, err=%v, want EOS once the scan is exhausted", rec, err)
	}

	if err := NewEncoder(pw).EncodeEOC(); err != nil {
		t.Fatalf("EncodeEOC: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after ALL_PAGES_SENT + EOC, want nil (COMPLETED)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run never completed after EOC arrived on an ALL_PAGES_SENT session")
	}
}

func TestEngineSaveIterateSaveCompleteSavePending(t *testing.T) {
	t.Parallel()

	bg := &fakeBackgroundSource{pages: []fakeBGPage{
		{blockID: "pc.ram", offset: 0, page: make([]byte, 4096)},
		{blockID: "pc.ram", offset: 4096, page: make([]byte, 4096)},
	}}

	eng := &Engine{bg: bg}

	if got := eng.SavePending(); got != 2*4096 {
		t.Fatalf("SavePending() = %d, want %d", got, 2*4096)
	}

	done, err := eng.SaveIterate()
	if err != nil || done {
		t.Fatalf("SaveIterate() = (%v, %v), want (false, nil) with pages remaining", done, err)
	}

	done, err = eng.SaveIterate()
	if err != nil || done {
		t.Fatalf("SaveIterate() = (%v, %v), want (false, nil) on the last page", done, err)
	}

	done, err = eng.SaveIterate()
	if err != nil || !done {
		t.Fatalf("SaveIterate() = (%v, %v), want (true, nil) once exhausted", done, err)
	}

	var w ResponseWriter
	eng.SaveComplete(&w)

	r := NewResponseReader(bufio.NewReader(bytes.NewReader(w.Bytes())), 4096)

	rec, err := r.Next()
	if err != nil || rec.Flags&RespEOS == 0 {
		t.Fatalf("SaveComplete did not emit an EOS record: %+v, %v", rec, err)
	}
}

func TestEngineBeginWritesCleanBitmap(t *testing.T) {
	t.Parallel()

	srcBlock, err := NewBlock("pc.ram", 0, 4*4096, 4096, 4096)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	reg := NewRegistry([]*Block{srcBlock})

	pr, _ := io.Pipe()
	eng := NewEngine(reg, bufio.NewReader(pr), nil, 0)

	dirty := roaring64.New()
	dirty.Add(1)

	var cleanStream bytes.Buffer

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Begin(&cleanStream, dirty) }()

	if err := <-errCh; err != nil {
		t.Fatalf("Begin: %v", err)
	}

	dstBlock, err := NewBlock("pc.ram", 0, 4*4096, 4096, 4096)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	dstReg := NewRegistry([]*Block{dstBlock})

	if err := ReadCleanBitmap(&cleanStream, dstReg); err != nil {
		t.Fatalf("ReadCleanBitmap: %v", err)
	}

	if dstBlock.CleanBitmap.IsSet(1) {
		t.Fatalf("target page 1 marked clean, but it was dirty at Begin")
	}

	if !dstBlock.CleanBitmap.IsSet(0) || !dstBlock.CleanBitmap.IsSet(2) {
		t.Fatalf("target pages 0 and 2 should be marked clean")
	}
}
