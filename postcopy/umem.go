package postcopy

import "context"

// Device is the UMEM collaborator of §6: the userspace-fault memory
// object backing guest RAM. It is out of scope to implement for real
// here (spec §1) — the guest-memory userfault device is a collaborator,
// not part of the core — so this package only specifies the contract the
// destination daemon's threads drive, plus (in fake_device.go) a
// software test double that exercises every method.
//
// Offsets passed to and returned from Device are host-page offsets
// within the owning Block, unless documented otherwise.
type Device interface {
	// Fd returns a descriptor pollable for pending fault requests, for
	// use in a select-style multiplexer (mig-write, §4.4.2).
	Fd() int

	// GetPageRequests blocks (respecting ctx) until at least one fault
	// is pending, then returns up to maxRequests host-page offsets that
	// UMEM wants filled, draining its internal fault queue.
	GetPageRequests(ctx context.Context, maxRequests int) ([]uint64, error)

	// MarkPageCached tells UMEM that the host pages at offsets now hold
	// valid data and any vCPU faulted on them may be released. Called
	// at most once per host page over the session (invariant 5).
	MarkPageCached(offsets []uint64) error

	// RemoveShmem releases the shared-memory backing for a resident
	// byte range, called by the fault thread once the VMM ingestor has
	// force-faulted the corresponding host page into its own tables.
	RemoveShmem(localOffset uint64, length int) error

	// Finished reports whether every page in the block this Device
	// backs is resident (the "umem_shmem_finished" predicate of
	// §4.4.5).
	Finished() bool
}
