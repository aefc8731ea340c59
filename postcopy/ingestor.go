package postcopy

// ingestor.go implements the destination fault ingestor of §4.3: a
// helper that lives in the main VMM process (not the daemon) and closes
// the force-fault loop described there. For each host-page offset the
// daemon reports as freshly cached, the ingestor touches one byte of
// the corresponding guest-memory address to pull it into its own page
// tables, then echoes the offset back so the daemon can release the
// waiting vCPU.

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Ingestor drains a FaultReader (the daemon's fault-write pipe, from
// the VMM side) and writes the same offsets back out via a FaultWriter
// (the fault-read pipe), touching mem at each offset in between.
type Ingestor struct {
	in  FaultReader
	out FaultWriter
	mem []byte

	hostPageSize int
}

// NewIngestor constructs an Ingestor over mem, the guest RAM mapping
// shared with the daemon, echoing offsets from in to out.
func NewIngestor(in FaultReader, out FaultWriter, mem []byte, hostPageSize int) *Ingestor {
	return &Ingestor{in: in, out: out, mem: mem, hostPageSize: hostPageSize}
}

// Run reads batches of offsets until in returns EOF or an error, force-
// faulting and echoing each. SIGPIPE is expected to already be masked
// by the caller (os/exec'd processes inherit Go's default SIGPIPE
// disposition, which ignores it for non-stdio fds).
func (ig *Ingestor) Run() error {
	buf := make([]uint64, 512)

	for {
		n, err := ig.in.ReadOffsets(buf)
		if err != nil {
			if errors.Is(err, unix.EPIPE) {
				return nil
			}

			return fmt.Errorf("postcopy: ingestor read: %w", err)
		}

		if n == 0 {
			// A zero-length, no-error read on a raw pipe fd means the
			// write end has closed: EOF, the ingestor's exit condition.
			return nil
		}

		offs := buf[:n]

		for _, off := range offs {
			ig.forceFault(off)
		}

		if _, err := ig.out.WriteOffsets(offs); err != nil {
			return fmt.Errorf("postcopy: ingestor echo: %w", err)
		}
	}
}

// forceFault reads one byte at the host-page offset to materialize the
// page in the ingestor's own page tables.
func (ig *Ingestor) forceFault(off uint64) {
	if off >= uint64(len(ig.mem)) {
		return
	}

	_ = ig.mem[off]
}
