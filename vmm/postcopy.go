package vmm

// postcopy.go is the thin glue SPEC_FULL.md's MODULE MAP calls for:
// wiring postcopy.Engine/postcopy.Daemon into gokvm's migration surface,
// over an already-connected net.Conn. It is the only migration path in
// the repository: the earlier pre-copy snapshot-and-send code was
// removed (see DESIGN.md).

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/gokvm/gokvm/postcopy"
)

// PostcopyConfig holds the knobs the flag package exposes for a postcopy
// migration: prefault window, background-scan rate limit, and whether to
// skip the clean-bitmap transfer and force postcopy from the start.
type PostcopyConfig struct {
	PrefaultForward  int
	PrefaultBackward int
	RateLimitBps     int64
	ForcePostcopy    bool
}

const targetPageSize = 4096

// memBackgroundSource feeds the source engine's background slice with a
// single linear scan over guest RAM. gokvm's Machine has no separate
// KVM dirty-page-log tracker (KVM_GET_DIRTY_LOG is never wired; see
// DESIGN.md), so every page is treated as dirty exactly once per pass.
type memBackgroundSource struct {
	block  *postcopy.Block
	mem    []byte
	cursor int
}

func newMemBackgroundSource(b *postcopy.Block, mem []byte) *memBackgroundSource {
	return &memBackgroundSource{block: b, mem: mem}
}

func (s *memBackgroundSource) NextDirtyPage() (string, uint64, []byte, bool) {
	if s.cursor >= s.block.NrTargetPages() {
		return "", 0, nil, false
	}

	off := uint64(s.cursor) * uint64(s.block.TargetPageSize)
	page := s.mem[off : off+uint64(s.block.TargetPageSize)]
	s.cursor++

	return s.block.ID, off, page, true
}

func (s *memBackgroundSource) PendingBytes() int64 {
	remaining := s.block.NrTargetPages() - s.cursor
	if remaining < 0 {
		remaining = 0
	}

	return int64(remaining) * int64(s.block.TargetPageSize)
}

func (s *memBackgroundSource) Seek(blockID string, offset uint64) {
	if blockID != s.block.ID {
		return
	}

	s.cursor = int(offset / uint64(s.block.TargetPageSize))
}

// MigrateOut drives a full post-copy migration of mem to a destination
// already accepted on conn. mem is registered as a single block named
// "pc.ram" so the wire codec's per-block offsets line up directly with
// machine.Machine.Mem().
func MigrateOut(ctx context.Context, conn net.Conn, mem []byte, cfg PostcopyConfig) error {
	block, err := postcopy.NewBlock("pc.ram", 0, uint64(len(mem)), targetPageSize, targetPageSize)
	if err != nil {
		return fmt.Errorf("postcopy: build block: %w", err)
	}

	reg := postcopy.NewRegistry([]*postcopy.Block{block})
	bg := newMemBackgroundSource(block, mem)

	eng := postcopy.NewEngine(reg, bufio.NewReader(conn), bg, cfg.RateLimitBps)
	eng.PrefaultForward = cfg.PrefaultForward
	eng.PrefaultBackward = cfg.PrefaultBackward

	if !cfg.ForcePostcopy {
		// gokvm has no KVM_GET_DIRTY_LOG-backed pre-copy phase (see
		// memBackgroundSource above), so there is never a real dirty
		// bitmap to report here; mark every page dirty rather than pass
		// an empty bitmap, which would wrongly tell the destination
		// every page is already clean at hand-off.
		allDirty := roaring64.New()
		allDirty.AddRange(0, uint64(block.NrTargetPages()))

		if err := eng.Begin(conn, allDirty); err != nil {
			return fmt.Errorf("postcopy: begin: %w", err)
		}
	}

	respW := &postcopy.ResponseWriter{}
	flush := func() error {
		if len(respW.Bytes()) == 0 {
			return nil
		}

		_, err := conn.Write(respW.Bytes())
		respW.Reset()

		return err
	}

	return eng.Run(ctx, respW, flush)
}

// MigrateIn drives the destination side of a post-copy migration over
// conn. devices supplies the UMEM collaborator for every block named in
// reg; production callers need a real userfaultfd-backed
// postcopy.Device per block (postcopy/umem.go's own contract says this
// is out of scope to ship here, see DESIGN.md), so this function takes
// it as a parameter rather than constructing one. toQemu/fromQemu are
// the daemon's control-byte pipes back to the VMM process, and
// faultWrite/faultRead are the fault-notification pipe pair the fault
// ingestor on the VMM side reads from. forcePostcopy must match the
// value the source passed to MigrateOut: when false, the clean-bitmap
// stream MigrateOut writes during Begin is read off conn before the
// daemon's threads start consuming response records from it.
func MigrateIn(
	ctx context.Context,
	conn net.Conn,
	reg *postcopy.Registry,
	devices map[string]postcopy.Device,
	faultWrite postcopy.FaultWriter,
	faultRead postcopy.FaultReader,
	toQemu io.Writer,
	fromQemu io.Reader,
	forcePostcopy bool,
) error {
	if !forcePostcopy {
		if err := postcopy.ReadCleanBitmap(conn, reg); err != nil {
			return fmt.Errorf("postcopy: read clean bitmap: %w", err)
		}
	}

	d := &postcopy.Daemon{
		State:      postcopy.NewSharedState(),
		Reg:        reg,
		Devices:    devices,
		RespR:      postcopy.NewResponseReader(bufio.NewReader(conn), targetPageSize),
		ReqW:       postcopy.NewEncoder(conn),
		Flush:      func() error { return nil },
		ToQemu:     toQemu,
		FromQemu:   fromQemu,
		FaultWrite: faultWrite,
		FaultRead:  faultRead,
	}

	return d.Run(ctx)
}
