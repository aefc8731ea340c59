package flag

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/alecthomas/kong"
	"github.com/gokvm/gokvm/postcopy"
	"github.com/gokvm/gokvm/probe"
	"github.com/gokvm/gokvm/vmm"
	"golang.org/x/sync/errgroup"
)

func Parse() error {
	c := CLI{}

	programName := "gokvm"
	programDesc := "gokvm is a small Linux KVM Hypervisor which supports kernel boot"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

func (d *ProbeCMD) Run() error {
	if err := probe.KVMCapabilities(); err != nil {
		return err
	}

	return nil
}

func (s *BootCMD) Run() error {
	defparams := `console=ttyS0 earlyprintk=serial noapic noacpi notsc ` +
		`debug apic=debug show_lapic=all mitigations=off lapic tsc_early_khz=2000 ` +
		`dyndbg="file arch/x86/kernel/smpboot.c +plf ; file drivers/net/virtio_net.c +plf" pci=realloc=off ` +
		`virtio_pci.force_legacy=1 rdinit=/init init=/init ` +
		`gokvm.ipv4_addr=192.168.20.1/24`

	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return err
	}

	traceC, err := ParseSize(s.TraceCount, "")
	if err != nil {
		return err
	}

	if len(s.Params) > 0 {
		defparams = s.Params
	}

	c := &vmm.Config{
		Dev:        s.Dev,
		Kernel:     s.Kernel,
		Initrd:     s.Initrd,
		Params:     defparams,
		TapIfName:  s.TapIfName,
		Disk:       s.Disk,
		NCPUs:      s.NCPUs,
		MemSize:    memSize,
		TraceCount: traceC,
	}

	vmm := vmm.New(*c)

	if err := vmm.Init(); err != nil {
		log.Fatal(err)
	}

	if err := vmm.Setup(); err != nil {
		log.Fatal(err)
	}

	if err := vmm.Boot(); err != nil {
		log.Fatal(err)
	}

	return nil
}

func (s *MigrateCMD) Run() error {
	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return err
	}

	v := vmm.New(vmm.Config{
		Dev:     s.Dev,
		Kernel:  s.Kernel,
		Initrd:  s.Initrd,
		Params:  s.Params,
		NCPUs:   s.NCPUs,
		MemSize: memSize,
	})

	if err := v.Init(); err != nil {
		return fmt.Errorf("migrate: init: %w", err)
	}

	if err := v.Setup(); err != nil {
		return fmt.Errorf("migrate: setup: %w", err)
	}

	conn, err := net.Dial("tcp", s.To)
	if err != nil {
		return fmt.Errorf("migrate: dial %s: %w", s.To, err)
	}
	defer conn.Close()

	cfg := vmm.PostcopyConfig{
		PrefaultForward:  s.Prefault,
		PrefaultBackward: s.Prefault,
		RateLimitBps:     s.RateLimit,
		ForcePostcopy:    s.Force,
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(v.Boot)
	g.Go(func() error {
		return vmm.MigrateOut(ctx, conn, v.Mem(), cfg)
	})

	return g.Wait()
}

func (s *IncomingCMD) Run() error {
	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.Listen)
	if err != nil {
		return fmt.Errorf("incoming: listen %s: %w", s.Listen, err)
	}
	defer ln.Close()

	log.Printf("incoming: waiting for a migration on %s", s.Listen)

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("incoming: accept: %w", err)
	}
	defer conn.Close()

	block, err := postcopy.NewBlock("pc.ram", 0, uint64(memSize), 4096, 4096)
	if err != nil {
		return fmt.Errorf("incoming: build block: %w", err)
	}

	reg := postcopy.NewRegistry([]*postcopy.Block{block})
	devices := map[string]postcopy.Device{
		block.ID: postcopy.NewFakeDevice(block.NrHostPages()),
	}

	faultPipe := postcopy.NewFakeFaultPipe(postcopy.MaxRequests)

	// No real VMM process sits on the other end of the control pipes in
	// this standalone demo path; simulate one just enough to let the
	// daemon's pipe thread converge cleanly: drain what it writes to
	// ToQemu, and close FromQemu once it does so the pipe thread's read
	// loop sees EOF instead of hanging forever.
	toQemuR, toQemuW := io.Pipe()
	fromQemuR, fromQemuW := io.Pipe()

	go func() {
		_, _ = io.Copy(io.Discard, toQemuR)
		fromQemuW.Close()
	}()

	return vmm.MigrateIn(context.Background(), conn, reg, devices, faultPipe, faultPipe, toQemuW, fromQemuR, s.Force)
}
