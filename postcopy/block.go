package postcopy

import (
	"errors"
	"fmt"
)

// Block is the destination-side view of a contiguous guest-memory region
// under post-copy management (data model §3). ShMem is the shared-memory
// backing the region, mapped by both the daemon and the owning VMM
// process; only the mig-read thread writes into it.
type Block struct {
	ID     string
	Offset uint64
	Length uint64
	ShMem  []byte

	TargetPageSize int
	HostPageSize   int

	PhysRequested *Bitmap
	PhysReceived  *Bitmap
	CleanBitmap   *Bitmap // nil if pre-copy did not run

	PendingClean   *Bitmap // indexed by host-page offset within the block
	NrPendingClean int64   // atomic counter, mirrors PendingClean's population
}

var (
	ErrIDTooLong2        = errors.New("postcopy: block id exceeds 255 bytes")
	ErrLengthNotPageMult = errors.New("postcopy: block length not a multiple of the target page size")
)

// NewBlock allocates a Block with fresh, all-zero bitmaps sized for
// length/targetPageSize target pages and length/hostPageSize host pages.
func NewBlock(id string, offset, length uint64, targetPageSize, hostPageSize int) (*Block, error) {
	if len(id) > MaxIDLen {
		return nil, fmt.Errorf("%w: %q", ErrIDTooLong2, id)
	}

	if length%uint64(targetPageSize) != 0 {
		return nil, fmt.Errorf("%w: length=%d target_page_size=%d", ErrLengthNotPageMult, length, targetPageSize)
	}

	nrTarget := int(length) / targetPageSize
	nrHost := int(length) / hostPageSize

	return &Block{
		ID:             id,
		Offset:         offset,
		Length:         length,
		TargetPageSize: targetPageSize,
		HostPageSize:   hostPageSize,
		PhysRequested:  NewBitmap(nrTarget),
		PhysReceived:   NewBitmap(nrTarget),
		PendingClean:   NewBitmap(nrHost),
	}, nil
}

// NrTargetPages returns the number of target-page slots in the block.
func (b *Block) NrTargetPages() int { return int(b.Length) / b.TargetPageSize }

// NrHostPages returns the number of host-page slots in the block.
func (b *Block) NrHostPages() int { return int(b.Length) / b.HostPageSize }

// Contains reports whether the byte offset off falls within the block.
func (b *Block) Contains(off uint64) bool { return off < b.Length }

// TargetGEHost reports whether one target page spans one or more whole
// host pages (the "target ≥ host" branch of §4.4.1/§4.4.2), as opposed to
// several target pages packing into a single host page.
func (b *Block) TargetGEHost() bool { return b.TargetPageSize >= b.HostPageSize }

// Ratio returns R: when TargetGEHost, the number of host pages covered by
// one target page; otherwise the number of target pages covered by one
// host page.
func (b *Block) Ratio() int {
	if b.TargetGEHost() {
		return b.TargetPageSize / b.HostPageSize
	}

	return b.HostPageSize / b.TargetPageSize
}

// Registry is a lookup table of Blocks by id, shared between the source
// engine (which resolves a PAGE request's block id) and the destination
// daemon (which resolves CONTINUE frames against last_block_read).
type Registry struct {
	byID map[string]*Block
	list []*Block
}

// NewRegistry builds a Registry over blocks, created once at post-copy
// hand-off from the enumeration of guest RAM regions (§3 Lifecycle).
func NewRegistry(blocks []*Block) *Registry {
	r := &Registry{byID: make(map[string]*Block, len(blocks)), list: blocks}
	for _, b := range blocks {
		r.byID[b.ID] = b
	}

	return r
}

// Lookup returns the block with the given id, or nil if unknown.
func (r *Registry) Lookup(id string) *Block { return r.byID[id] }

// Blocks returns all registered blocks in enumeration order.
func (r *Registry) Blocks() []*Block { return r.list }

var errUnknownBlock = errors.New("postcopy: unknown block id")

// MustLookup is Lookup but returns an error instead of nil, for call
// sites that treat an unknown id as a session-ending protocol error.
func (r *Registry) MustLookup(id string) (*Block, error) {
	b := r.Lookup(id)
	if b == nil {
		return nil, fmt.Errorf("%w: %q", errUnknownBlock, id)
	}

	return b, nil
}

