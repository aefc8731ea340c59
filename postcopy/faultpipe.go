package postcopy

// faultpipe.go implements the inner "fault-write" / "fault-read" pipes
// of §4.3/§6: a native-endian u64 stream of host-page offsets between
// the daemon and the VMM's fault ingestor, writable in a non-blocking
// fashion so mig-read never stalls on backpressure (§5's "never a
// deadlock" guarantee) — overflow routes to the pending-clean thread
// instead.

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// pipeBufBytes is PIPE_BUF (Linux limits.h), the largest atomic pipe
// write size; golang.org/x/sys/unix does not export this constant.
const pipeBufBytes = 4096

// ErrPipeWouldBlock is returned by FaultWriter.WriteOffsets when the
// pipe cannot currently accept any more bytes (the EAGAIN case of
// §4.4.1), distinct from a real I/O error.
var ErrPipeWouldBlock = errors.New("postcopy: fault-write pipe would block")

// FaultWriter is the daemon's non-blocking write side of the
// fault-write pipe.
type FaultWriter interface {
	// WriteOffsets attempts to write all of offs as native-endian u64
	// values, each write bounded to PIPE_BUF. Returns the number of
	// offsets actually written; a partial count with ErrPipeWouldBlock
	// means the caller must queue the remainder (pending_clean_bitmap).
	WriteOffsets(offs []uint64) (n int, err error)
}

// FaultReader is the blocking read side used by the fault thread and,
// on the VMM side, by the ingestor.
type FaultReader interface {
	// ReadOffsets blocks until at least one offset is available and
	// returns as many as fit in buf.
	ReadOffsets(buf []uint64) (n int, err error)
}

// OSFaultPipe wraps a real unix.Pipe2(O_NONBLOCK) pair, grounded on the
// teacher's raw-syscall style in kvm/kvm.go and the uffd non-blocking
// read/write pattern in other_examples/dsmmcken-dh-cli__uffd_linux.go.
// It talks to the fds via raw unix.Write/unix.Read rather than os.File
// so that O_NONBLOCK's EAGAIN is observed directly instead of being
// absorbed by the runtime poller the way os.File's non-blocking-pipe
// integration would.
type OSFaultPipe struct {
	rfd int
	wfd int
}

// NewOSFaultPipe creates a fault-write pipe with both ends O_NONBLOCK,
// matching §6's "non-blocking I/O" requirement.
func NewOSFaultPipe() (*OSFaultPipe, error) {
	var fds [2]int

	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}

	return &OSFaultPipe{rfd: fds[0], wfd: fds[1]}, nil
}

func (p *OSFaultPipe) WriteOffsets(offs []uint64) (int, error) {
	maxPerWrite := pipeBufBytes / 8
	written := 0

	for written < len(offs) {
		chunk := offs[written:]
		if len(chunk) > maxPerWrite {
			chunk = chunk[:maxPerWrite]
		}

		buf := make([]byte, 8*len(chunk))

		for i, o := range chunk {
			binary.LittleEndian.PutUint64(buf[i*8:i*8+8], o)
		}

		n, err := unix.Write(p.wfd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return written, ErrPipeWouldBlock
			}

			return written, err
		}

		written += n / 8
		if n%8 != 0 {
			// PIPE_BUF-bounded writes are atomic for <=PIPE_BUF sized
			// writes per pipe(7); a non-multiple-of-8 short write would
			// indicate a torn write, which should not happen here.
			return written, errTornFaultWrite
		}
	}

	return written, nil
}

func (p *OSFaultPipe) ReadOffsets(buf []uint64) (int, error) {
	raw := make([]byte, 8*len(buf))

	n, err := unix.Read(p.rfd, raw)
	if err != nil {
		return 0, err
	}

	count := n / 8
	for i := 0; i < count; i++ {
		buf[i] = binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
	}

	return count, nil
}

func (p *OSFaultPipe) Close() error {
	err1 := unix.Close(p.rfd)
	err2 := unix.Close(p.wfd)

	if err1 != nil {
		return err1
	}

	return err2
}

// ReadFD and WriteFD expose the raw descriptors; nothing in this
// repository hands them to another process.
func (p *OSFaultPipe) ReadFD() int  { return p.rfd }
func (p *OSFaultPipe) WriteFD() int { return p.wfd }

var errTornFaultWrite = errors.New("postcopy: torn write on fault-write pipe")

// FakeFaultPipe is an in-memory FaultWriter/FaultReader for tests, with
// a bounded queue that simulates EAGAIN once full.
type FakeFaultPipe struct {
	cap    int
	ch     chan uint64
	closed chan struct{}
}

// NewFakeFaultPipe returns a FakeFaultPipe buffering up to capacity
// offsets before WriteOffsets reports ErrPipeWouldBlock.
func NewFakeFaultPipe(capacity int) *FakeFaultPipe {
	return &FakeFaultPipe{cap: capacity, ch: make(chan uint64, capacity), closed: make(chan struct{})}
}

func (f *FakeFaultPipe) WriteOffsets(offs []uint64) (int, error) {
	for i, o := range offs {
		select {
		case f.ch <- o:
		default:
			return i, ErrPipeWouldBlock
		}
	}

	return len(offs), nil
}

// ReadOffsets blocks for at least one offset, then drains whatever else
// is immediately available, up to len(buf). Returns (0, nil) once
// Close has been called and the queue is empty, signaling EOF the same
// way a real closed pipe would.
func (f *FakeFaultPipe) ReadOffsets(buf []uint64) (int, error) {
	select {
	case o := <-f.ch:
		buf[0] = o
	case <-f.closed:
		select {
		case o := <-f.ch:
			buf[0] = o
		default:
			return 0, nil
		}
	}

	n := 1

	for n < len(buf) {
		select {
		case o := <-f.ch:
			buf[n] = o
			n++
		default:
			return n, nil
		}
	}

	return n, nil
}

// Close marks the pipe closed so a blocked ReadOffsets returns EOF.
func (f *FakeFaultPipe) Close() error {
	close(f.closed)

	return nil
}
