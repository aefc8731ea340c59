package postcopy

// daemon.go implements the destination daemon (umemd) of §4.4: five
// long-lived threads coordinating through SharedState and the per-block
// bitmaps. Each OS thread of the original becomes a goroutine here;
// golang.org/x/sync/errgroup supervises the set: first
// error cancels the shared context, and every thread's loop checks
// SharedState.ShouldExit()/ctx.Done() to converge on END_MASK (§4.5).

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// MaxRequests bounds how many fault offsets mig-write pulls from a
// single UMEM descriptor per scan (§4.4.2).
const MaxRequests = 512 * 65

// Daemon is the destination umemd. All fields are wired by the caller
// (the incoming subcommand, through vmm.MigrateIn, over a net.Conn with
// FakeDevice and FakeFaultPipe; tests: in-process fakes) since the type itself is
// process-boundary agnostic, per SPEC_FULL.md's PROCESS BOUNDARY
// section.
type Daemon struct {
	State *SharedState
	Reg   *Registry

	// Devices is the UMEM collaborator per block; mig-write multiplexes
	// fault requests across all of them (§4.4.2's "select across all
	// UMEM descriptors").
	Devices map[string]Device

	RespR *ResponseReader // response stream from source, mig-read's input
	ReqW  *Encoder         // request stream to source, mig-write's output
	Flush func() error     // flushes ReqW's underlying writer

	ToQemu   io.Writer // control byte sink: pipe thread -> VMM
	FromQemu io.Reader // control byte source: VMM -> pipe thread

	FaultWrite FaultWriter // fault-write pipe: mig-read -> ingestor
	FaultRead  FaultReader // fault-read pipe: ingestor -> fault thread

	Logger *log.Logger

	lastBlockWritten string
}

var (
	errUnknownRecordBlock = errors.New("postcopy: response record names an unregistered block")
	errUnexpectedByte     = errors.New("postcopy: pipe thread received unexpected control byte")
)

// Control bytes exchanged on the to_qemu/from_qemu pipes (§6).
const (
	ctlDaemonQuit  byte = 1
	ctlDaemonError byte = 2
	ctlQemuQuit    byte = 3
)

// Run launches the five threads and blocks until all have exited,
// returning the first error any of them reported (nil on a clean
// shutdown). Before doing so it primes every block's clean-bitmap fast
// path (§4.6): "mark cached" is issued once for every page ReadCleanBitmap
// already marked resident, which is why a pending-clean backlog is
// likely right at startup.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.primeCleanBitmap(); err != nil {
		return fmt.Errorf("postcopy: prime clean bitmap: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.migRead(ctx) })
	g.Go(func() error { return d.migWrite(ctx) })
	g.Go(func() error { return d.pipeThread(ctx) })
	g.Go(func() error { return d.faultThread(ctx) })
	g.Go(func() error { return d.pendingCleanThread(ctx) })

	return g.Wait()
}

// migRead is §4.4.1: receive page payloads, write into shared memory,
// mark UMEM cached.
func (d *Daemon) migRead(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		rec, err := d.RespR.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.onUpstreamEOS()

				return nil
			}

			d.State.Set(FlagErrorReq)
			d.State.WakePending()

			return fmt.Errorf("postcopy: mig-read: %w", err)
		}

		switch {
		case rec.Flags&RespEOS != 0:
			d.onUpstreamEOS()

			return nil

		case rec.Flags&RespMemSize != 0:
			d.logf("mig-read: MEM_SIZE record accepted and ignored (%d)", rec.MemSize)

		case rec.Flags&RespHook != 0:
			// reserved; never acted upon, see SPEC_FULL.md SUPPLEMENTED FEATURES

		default:
			if err := d.ramLoaded(rec); err != nil {
				d.State.Set(FlagErrorReq)
				d.State.WakePending()

				return fmt.Errorf("postcopy: mig-read: ram_loaded: %w", err)
			}
		}

		if d.State.ShouldExit() {
			return nil
		}
	}
}

func (d *Daemon) logf(format string, args ...interface{}) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
	}
}

func (d *Daemon) onUpstreamEOS() {
	d.State.Set(FlagEOCSendReq)
	d.State.Set(FlagEOSReceived)
	d.State.WakePending()
}

// ramLoaded applies one payload-carrying response record to shared
// memory and updates phys_received, per §4.4.1's target/host ratio
// cases, then triggers "mark cached" for whatever host pages that
// completes.
func (d *Daemon) ramLoaded(rec Record) error {
	b := d.Reg.Lookup(rec.BlockID)
	if b == nil {
		return fmt.Errorf("%w: %q", errUnknownRecordBlock, rec.BlockID)
	}

	payload, err := payloadBytes(b, rec)
	if err != nil {
		return err
	}

	if rec.Offset+uint64(len(payload)) > uint64(len(b.ShMem)) {
		return fmt.Errorf("%w: offset=%d len=%d", ErrShortPayload, rec.Offset, len(payload))
	}

	copy(b.ShMem[rec.Offset:], payload)

	tp := int(rec.Offset / uint64(b.TargetPageSize))

	hostOffs := d.markTargetReceived(b, tp)
	if len(hostOffs) == 0 {
		return nil
	}

	return d.markCached(b, hostOffs)
}

func payloadBytes(b *Block, rec Record) ([]byte, error) {
	switch {
	case rec.Flags&RespPage != 0:
		return rec.Page, nil

	case rec.Flags&RespCompress != 0:
		return bytes.Repeat([]byte{rec.Fill}, b.TargetPageSize), nil

	case rec.Flags&RespXBZRLE != 0:
		prior := make([]byte, b.TargetPageSize)
		copy(prior, b.ShMem[rec.Offset:rec.Offset+uint64(b.TargetPageSize)])

		if err := rec.Patch.Apply(prior); err != nil {
			return nil, err
		}

		return prior, nil

	default:
		return nil, fmt.Errorf("%w: flags=0x%x", ErrUnknownPageFlags, rec.Flags)
	}
}

// markTargetReceived test-and-sets phys_received[tp] and returns the
// host-page offsets (in bytes, within the block) that are now known
// complete as a result, per the target≥host / target<host cases of
// §4.4.1. Returns nil if tp was already set, or (target<host) if the
// covering host page isn't fully received yet.
func (d *Daemon) markTargetReceived(b *Block, tp int) []uint64 {
	wasSet := b.PhysReceived.TestAndSet(tp)
	if wasSet {
		return nil
	}

	if b.TargetGEHost() {
		r := b.Ratio()
		base := tp * r

		offs := make([]uint64, r)
		for i := 0; i < r; i++ {
			offs[i] = uint64(base+i) * uint64(b.HostPageSize)
		}

		return offs
	}

	r := b.Ratio()
	hostTP := tp / r

	for i := 0; i < r; i++ {
		if !b.PhysReceived.IsSet(hostTP*r + i) {
			return nil
		}
	}

	return []uint64{uint64(hostTP) * uint64(b.HostPageSize)}
}

// markCached performs the two-step "mark cached" of §4.4.1: always
// notify UMEM, then best-effort notify the fault-write pipe, routing
// overflow to pending_clean_bitmap without blocking.
func (d *Daemon) markCached(b *Block, hostOffs []uint64) error {
	if dev := d.Devices[b.ID]; dev != nil {
		if err := dev.MarkPageCached(hostOffs); err != nil {
			return err
		}
	}

	n, err := d.FaultWrite.WriteOffsets(hostOffs)
	if err != nil {
		if !errors.Is(err, ErrPipeWouldBlock) {
			return err
		}

		overflow := hostOffs[n:]
		for _, off := range overflow {
			hp := int(off / uint64(b.HostPageSize))
			if !b.PendingClean.TestAndSet(hp) {
				atomic.AddInt64(&b.NrPendingClean, 1)
			}
		}

		d.State.AddPending(int64(len(overflow)))
	}

	return nil
}

// primeCleanBitmap walks every block's clean bitmap once, at startup,
// and issues "mark cached" for the host pages it covers, per §4.6's
// "dedicated bitmap thread", folded here into Daemon startup rather
// than run as its own long-lived goroutine since the walk is one-shot
// and must complete before mig-read's phys_received test-and-set logic
// would otherwise treat these pages as freshly arrived.
func (d *Daemon) primeCleanBitmap() error {
	for _, b := range d.Reg.Blocks() {
		if b.CleanBitmap == nil {
			continue
		}

		hostOffs := cleanHostOffsets(b)
		if len(hostOffs) == 0 {
			continue
		}

		if err := d.markCached(b, hostOffs); err != nil {
			return fmt.Errorf("block %q: %w", b.ID, err)
		}
	}

	return nil
}

// cleanHostOffsets returns, in the same target/host ratio terms as
// markTargetReceived, the host-page byte offsets that b's clean bitmap
// already covers in full, each returned exactly once, so invariant 5
// ("told cached at most once per page") holds across the clean-bitmap
// fast path and normal mig-read loading alike.
func cleanHostOffsets(b *Block) []uint64 {
	r := b.Ratio()

	var hostOffs []uint64

	if b.TargetGEHost() {
		for tp := 0; tp < b.NrTargetPages(); tp++ {
			if !b.CleanBitmap.IsSet(tp) {
				continue
			}

			base := tp * r
			for i := 0; i < r; i++ {
				hostOffs = append(hostOffs, uint64(base+i)*uint64(b.HostPageSize))
			}
		}

		return hostOffs
	}

	for hp := 0; hp < b.NrHostPages(); hp++ {
		base := hp * r

		allClean := true

		for i := 0; i < r; i++ {
			if !b.CleanBitmap.IsSet(base + i) {
				allClean = false

				break
			}
		}

		if allClean {
			hostOffs = append(hostOffs, uint64(hp)*uint64(b.HostPageSize))
		}
	}

	return hostOffs
}

// migWrite is §4.4.2: pull demand requests from every UMEM device, ack
// pages already known present, and forward the rest upstream.
func (d *Daemon) migWrite(ctx context.Context) error {
	for {
		if d.State.ShouldExit() {
			return nil
		}

		if err := d.maybeSendEOC(); err != nil {
			d.State.Set(FlagErrorReq)

			return fmt.Errorf("postcopy: mig-write: EOC: %w", err)
		}

		tctx, cancel := context.WithTimeout(ctx, time.Second)
		byBlock := d.pullFaultRequests(tctx)
		cancel()

		if ctx.Err() != nil {
			return nil
		}

		for blockID, offs := range byBlock {
			b := d.Reg.Lookup(blockID)
			if b == nil {
				continue
			}

			if err := d.serveFaultBatch(b, offs); err != nil {
				d.State.Set(FlagErrorReq)

				return fmt.Errorf("postcopy: mig-write: %w", err)
			}
		}
	}
}

// maybeSendEOC transmits EOC on the request stream once something has
// asked for it (EOC_SEND_REQ, set when mig-read sees EOS or the fault
// thread observes all blocks finished), exactly once (§4.5).
func (d *Daemon) maybeSendEOC() error {
	flags := d.State.Snapshot()
	if flags&FlagEOCSendReq == 0 || flags&FlagEOCSending != 0 {
		return nil
	}

	d.State.Set(FlagEOCSending)

	if err := d.ReqW.EncodeEOC(); err != nil {
		return err
	}

	if err := d.Flush(); err != nil {
		return err
	}

	d.State.Set(FlagEOCSent)

	return nil
}

// pullFaultRequests drains up to MaxRequests host-page offsets from
// every device concurrently, with a shared 1-second ceiling standing in
// for §4.4.2's select(..., 1s timeout).
func (d *Daemon) pullFaultRequests(ctx context.Context) map[string][]uint64 {
	type result struct {
		id   string
		offs []uint64
	}

	resCh := make(chan result, len(d.Devices))

	for id, dev := range d.Devices {
		id, dev := id, dev

		go func() {
			offs, err := dev.GetPageRequests(ctx, MaxRequests)
			if err != nil || len(offs) == 0 {
				resCh <- result{id: id}

				return
			}

			resCh <- result{id: id, offs: offs}
		}()
	}

	out := make(map[string][]uint64)

	for i := 0; i < len(d.Devices); i++ {
		r := <-resCh
		if len(r.offs) > 0 {
			out[r.id] = r.offs
		}
	}

	return out
}

// serveFaultBatch is the per-block body of §4.4.2's scan: classify each
// raw host-page fault offset as already-present (fast ack) or needing a
// request, then flush both batches.
func (d *Daemon) serveFaultBatch(b *Block, hostOffs []uint64) error {
	var pageClean []uint64

	var request []uint64

	seenTP := make(map[int]bool)

	for _, off := range hostOffs {
		if b.TargetGEHost() {
			tp := int(off / uint64(b.TargetPageSize))

			if d.isKnownPresent(b, tp) {
				r := b.Ratio()
				base := tp * r

				for i := 0; i < r; i++ {
					pageClean = append(pageClean, uint64(base+i)*uint64(b.HostPageSize))
				}

				continue
			}

			if !seenTP[tp] {
				seenTP[tp] = true

				if !b.PhysRequested.TestAndSet(tp) {
					request = append(request, uint64(tp)*uint64(b.TargetPageSize))
				}
			}
		} else {
			hp := int(off / uint64(b.HostPageSize))
			r := b.Ratio()
			base := hp * r

			allPresent := true

			for i := 0; i < r; i++ {
				if !d.isKnownPresent(b, base+i) {
					allPresent = false

					break
				}
			}

			if allPresent {
				pageClean = append(pageClean, uint64(hp)*uint64(b.HostPageSize))

				continue
			}

			for i := 0; i < r; i++ {
				tp := base + i
				if !seenTP[tp] && !b.PhysRequested.TestAndSet(tp) {
					seenTP[tp] = true

					request = append(request, uint64(tp)*uint64(b.TargetPageSize))
				}
			}
		}
	}

	if len(pageClean) > 0 {
		if dev := d.Devices[b.ID]; dev != nil {
			if err := dev.MarkPageCached(pageClean); err != nil {
				return err
			}
		}
	}

	if len(request) == 0 {
		return nil
	}

	offsets := make([]uint64, len(request))
	for i, byteOff := range request {
		offsets[i] = byteOff / uint64(b.TargetPageSize)
	}

	var encErr error
	if d.lastBlockWritten == b.ID {
		encErr = d.ReqW.EncodePageCont(offsets)
	} else {
		encErr = d.ReqW.EncodePage(b.ID, offsets)
		d.lastBlockWritten = b.ID
	}

	if encErr != nil {
		return encErr
	}

	return d.Flush()
}

// isKnownPresent reports whether target page tp of b is already known
// resident, via either the clean-bitmap fast path or phys_received.
func (d *Daemon) isKnownPresent(b *Block, tp int) bool {
	if b.CleanBitmap != nil && b.CleanBitmap.IsSet(tp) {
		return true
	}

	return b.PhysReceived.IsSet(tp)
}

// pipeThread is §4.4.3: carries control messages to/from the VMM.
func (d *Daemon) pipeThread(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.pipeReadLoop(ctx) })
	g.Go(func() error { return d.pipeSendLoop(ctx) })

	return g.Wait()
}

func (d *Daemon) pipeReadLoop(ctx context.Context) error {
	buf := make([]byte, 1)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := d.FromQemu.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("postcopy: pipe thread read: %w", err)
		}

		if n == 0 {
			continue
		}

		switch buf[0] {
		case ctlQemuQuit:
			d.State.Set(FlagQuitReceived)
			d.State.Set(FlagQuitHandled)
			d.State.Set(FlagQuitQueued)
			d.State.WakePending()

			return nil

		default:
			return fmt.Errorf("%w: %d", errUnexpectedByte, buf[0])
		}
	}
}

func (d *Daemon) pipeSendLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		flags := d.State.Snapshot()

		if flags&FlagErrorReq != 0 && flags&FlagErrorSending == 0 {
			d.State.Set(FlagErrorSending)

			if _, err := d.ToQemu.Write([]byte{ctlDaemonError}); err != nil {
				return err
			}

			d.State.Set(FlagErrorSent)
		}

		flags = d.State.Snapshot()

		if flags&FlagQuitQueued != 0 && flags&FlagQuitSending == 0 {
			d.State.Set(FlagQuitSending)

			if _, err := d.ToQemu.Write([]byte{ctlDaemonQuit}); err != nil {
				return err
			}

			if c, ok := d.ToQemu.(io.Closer); ok {
				_ = c.Close()
			}

			d.State.Set(FlagQuitSent)
			d.State.WakePending()

			return nil
		}
	}
}

// faultThread is §4.4.5: reads page-completion acks echoed by the VMM
// ingestor and releases the corresponding shared-memory backing.
func (d *Daemon) faultThread(ctx context.Context) error {
	buf := make([]uint64, 512)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := d.FaultRead.ReadOffsets(buf)
		if err != nil {
			return fmt.Errorf("postcopy: fault thread: %w", err)
		}

		if n == 0 {
			if d.State.ShouldExit() {
				return nil
			}

			continue
		}

		for _, off := range buf[:n] {
			d.dispatchFaultAck(off)
		}

		if d.allBlocksFinished() {
			d.beginShutdown()

			return nil
		}
	}
}

func (d *Daemon) dispatchFaultAck(globalOff uint64) {
	for _, b := range d.Reg.Blocks() {
		if !b.Contains(globalOff) {
			continue
		}

		local := globalOff - b.Offset

		if dev := d.Devices[b.ID]; dev != nil {
			_ = dev.RemoveShmem(local, b.HostPageSize)
		}

		return
	}
}

func (d *Daemon) allBlocksFinished() bool {
	for _, b := range d.Reg.Blocks() {
		dev := d.Devices[b.ID]
		if dev == nil || !dev.Finished() {
			return false
		}
	}

	return true
}

func (d *Daemon) beginShutdown() {
	d.State.Set(FlagEOCSendReq)
	d.State.Set(FlagQuitQueued)
	d.State.WakePending()
}

// pipeBufOffsets is the largest batch the pending-clean thread accumulates
// per write: one fewer than the pipeBufBytes/8 offsets that
// OSFaultPipe.WriteOffsets puts in a single pipe write (§4.4.4).
const pipeBufOffsets = pipeBufBytes/8 - 1

// pendingCleanThread is §4.4.4: drains pending_clean_bitmap once the
// fault-write pipe has room, batching arrivals with a 1-second delay.
func (d *Daemon) pendingCleanThread(ctx context.Context) error {
	for {
		d.State.WaitPending(func() bool { return ctx.Err() != nil || d.State.ShouldExit() })

		if ctx.Err() != nil {
			return nil
		}

		if d.State.NrPending() == 0 && d.State.ShouldExit() {
			return nil
		}

		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nil
		}

		d.drainPendingClean()
	}
}

func (d *Daemon) drainPendingClean() {
	for _, b := range d.Reg.Blocks() {
		for {
			batch := d.collectPendingBatch(b, pipeBufOffsets)
			if len(batch) == 0 {
				break
			}

			n, err := d.FaultWrite.WriteOffsets(batch)
			if err != nil && !errors.Is(err, ErrPipeWouldBlock) {
				return
			}

			d.State.DrainPending(int64(n))

			for _, off := range batch[:n] {
				hp := int(off / uint64(b.HostPageSize))
				b.PendingClean.Clear(hp)
				atomic.AddInt64(&b.NrPendingClean, -1)
			}

			if n < len(batch) {
				return
			}
		}
	}
}

func (d *Daemon) collectPendingBatch(b *Block, max int) []uint64 {
	var out []uint64

	from := 0

	for len(out) < max {
		hp, ok := b.PendingClean.NextSet(from)
		if !ok {
			break
		}

		out = append(out, uint64(hp)*uint64(b.HostPageSize))
		from = hp + 1
	}

	return out
}
