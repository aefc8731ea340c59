package vmm_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gokvm/gokvm/postcopy"
	"github.com/gokvm/gokvm/vmm"
)

const pcTestPageSize = 4096

// TestMigrateOutMigrateInTransfersMemory drives vmm.MigrateOut and
// vmm.MigrateIn against each other over a net.Pipe(), with ForcePostcopy
// set so the background scan (memBackgroundSource) alone carries every
// page across: no demand faults are injected, mirroring a guest that
// never touches its own memory during the transfer.
func TestMigrateOutMigrateInTransfersMemory(t *testing.T) {
	t.Parallel()

	srcMem := make([]byte, 2*pcTestPageSize)
	for i := range srcMem {
		srcMem[i] = byte(i/pcTestPageSize + 1)
	}

	dstMem := make([]byte, len(srcMem))

	dstBlock, err := postcopy.NewBlock("pc.ram", 0, uint64(len(dstMem)), pcTestPageSize, pcTestPageSize)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	dstBlock.ShMem = dstMem

	dstReg := postcopy.NewRegistry([]*postcopy.Block{dstBlock})

	dev := postcopy.NewFakeDevice(dstBlock.NrHostPages())
	devices := map[string]postcopy.Device{"pc.ram": dev}

	faultPipe := postcopy.NewFakeFaultPipe(postcopy.MaxRequests)

	toQemuR, toQemuW := io.Pipe()
	fromQemuR, fromQemuW := io.Pipe()

	go func() {
		var b [1]byte
		if _, err := toQemuR.Read(b[:]); err != nil {
			return
		}

		_, _ = fromQemuW.Write([]byte{3}) // ctlQemuQuit, mirrors a VMM process acking shutdown
	}()

	srcConn, dstConn := net.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	outDone := make(chan error, 1)
	inDone := make(chan error, 1)

	go func() {
		outDone <- vmm.MigrateOut(ctx, srcConn, srcMem, vmm.PostcopyConfig{ForcePostcopy: true})
	}()

	go func() {
		inDone <- vmm.MigrateIn(ctx, dstConn, dstReg, devices, faultPipe, faultPipe, toQemuW, fromQemuR, true)
	}()

	var outErr, inErr error

	var outGot, inGot bool

	deadline := time.After(15 * time.Second)

	for !outGot || !inGot {
		select {
		case outErr = <-outDone:
			outGot = true
		case inErr = <-inDone:
			inGot = true
		case <-deadline:
			t.Fatalf("MigrateOut/MigrateIn never converged")
		}
	}

	if outErr != nil {
		t.Fatalf("MigrateOut returned %v, want nil", outErr)
	}

	if inErr != nil {
		t.Fatalf("MigrateIn returned %v, want nil", inErr)
	}

	if !bytes.Equal(dstMem, srcMem) {
		t.Fatalf("destination memory does not match source after migration")
	}

	if !dev.Finished() {
		t.Fatalf("device never reached Finished() after migration")
	}
}

// TestMigrateOutMigrateInWithCleanBitmapTransfer exercises the
// ForcePostcopy: false path: MigrateOut writes the §4.6 clean-bitmap
// stream during Begin before switching to normal post-copy framing, and
// MigrateIn must consume it with ReadCleanBitmap before its Daemon starts
// decoding response records off the same connection, or the two sides
// desync on the very first migration.
func TestMigrateOutMigrateInWithCleanBitmapTransfer(t *testing.T) {
	t.Parallel()

	srcMem := make([]byte, 2*pcTestPageSize)
	for i := range srcMem {
		srcMem[i] = byte(i/pcTestPageSize + 1)
	}

	dstMem := make([]byte, len(srcMem))

	dstBlock, err := postcopy.NewBlock("pc.ram", 0, uint64(len(dstMem)), pcTestPageSize, pcTestPageSize)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	dstBlock.ShMem = dstMem

	dstReg := postcopy.NewRegistry([]*postcopy.Block{dstBlock})

	dev := postcopy.NewFakeDevice(dstBlock.NrHostPages())
	devices := map[string]postcopy.Device{"pc.ram": dev}

	faultPipe := postcopy.NewFakeFaultPipe(postcopy.MaxRequests)

	toQemuR, toQemuW := io.Pipe()
	fromQemuR, fromQemuW := io.Pipe()

	go func() {
		var b [1]byte
		if _, err := toQemuR.Read(b[:]); err != nil {
			return
		}

		_, _ = fromQemuW.Write([]byte{3}) // ctlQemuQuit
	}()

	srcConn, dstConn := net.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	outDone := make(chan error, 1)
	inDone := make(chan error, 1)

	go func() {
		outDone <- vmm.MigrateOut(ctx, srcConn, srcMem, vmm.PostcopyConfig{ForcePostcopy: false})
	}()

	go func() {
		inDone <- vmm.MigrateIn(ctx, dstConn, dstReg, devices, faultPipe, faultPipe, toQemuW, fromQemuR, false)
	}()

	var outErr, inErr error

	var outGot, inGot bool

	deadline := time.After(15 * time.Second)

	for !outGot || !inGot {
		select {
		case outErr = <-outDone:
			outGot = true
		case inErr = <-inDone:
			inGot = true
		case <-deadline:
			t.Fatalf("MigrateOut/MigrateIn never converged")
		}
	}

	if outErr != nil {
		t.Fatalf("MigrateOut returned %v, want nil", outErr)
	}

	if inErr != nil {
		t.Fatalf("MigrateIn returned %v, want nil", inErr)
	}

	if !bytes.Equal(dstMem, srcMem) {
		t.Fatalf("destination memory does not match source after migration")
	}

	if !dev.Finished() {
		t.Fatalf("device never reached Finished() after migration")
	}

	// MigrateOut's clean bitmap reports every page dirty (gokvm has no
	// real pre-copy source), so no page is primed cached at hand-off; both
	// pages must instead be marked cached after arriving through normal
	// post-copy.
	if dev.CachedCount(0) == 0 || dev.CachedCount(pcTestPageSize) == 0 {
		t.Fatalf("expected both pages to be marked cached via normal post-copy, got CachedCount(0)=%d CachedCount(%d)=%d",
			dev.CachedCount(0), pcTestPageSize, dev.CachedCount(pcTestPageSize))
	}
}
