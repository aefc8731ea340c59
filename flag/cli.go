package flag

// CLI is the top-level kong command tree for the gokvm binary.
type CLI struct {
	Boot     BootCMD     `cmd:"" help:"Boot a Linux kernel under KVM."`
	Probe    ProbeCMD    `cmd:"" help:"Report which KVM capabilities this host supports."`
	Migrate  MigrateCMD  `cmd:"" help:"Boot a guest and migrate it out to a destination via post-copy."`
	Incoming IncomingCMD `cmd:"" help:"Accept an incoming post-copy migration."`
}

// ProbeCMD reports the KVM extensions available on this host.
type ProbeCMD struct{}

// MigrateCMD boots a guest locally and immediately starts sending it,
// page by page, to a destination already running 'gokvm incoming'.
type MigrateCMD struct {
	Dev       string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
	Kernel    string `short:"k" default:"./bzImage" help:"kernel image path"`
	Initrd    string `short:"i" default:"./initrd" help:"initrd path"`
	Params    string `short:"p" help:"kernel command-line parameters"`
	NCPUs     int    `short:"c" default:"1" help:"number of vcpus"`
	MemSize   string `short:"m" default:"1G" help:"memory size: number[gGmMkK], defaults to G"`
	To        string `short:"t" required:"" help:"destination host:port accepting the migration"`
	RateLimit int64  `help:"background-scan rate limit in bytes/sec, 0 disables limiting"`
	Prefault  int    `default:"1" help:"pages to prefault forward and backward around a demand fault"`
	Force     bool   `default:"true" help:"skip the clean-bitmap transfer and start post-copy immediately"`
}

// IncomingCMD accepts a post-copy migration and serves page requests for
// it. It has no real userfaultfd-backed device to page guest memory into
// on demand (see DESIGN.md), so it drives the destination daemon against
// an in-memory stand-in and is meant for exercising the wire protocol
// end-to-end, not for receiving a guest that will actually run.
type IncomingCMD struct {
	Listen  string `short:"l" required:"" help:"address to accept the migration connection on"`
	MemSize string `short:"m" default:"1G" help:"guest memory size: number[gGmMkK], defaults to G"`
	Force   bool   `default:"true" help:"expect post-copy to start immediately, with no clean-bitmap transfer; must match the sender's --force"`
}

// BootCMD boots a guest kernel.
type BootCMD struct {
	Dev        string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
	Kernel     string `short:"k" default:"./bzImage" help:"kernel image path"`
	Initrd     string `short:"i" default:"./initrd" help:"initrd path"`
	Params     string `short:"p" help:"kernel command-line parameters"`
	TapIfName  string `short:"t" default:"" help:"name of tap interface"`
	Disk       string `short:"d" default:"" help:"path of disk file (for /dev/vda)"`
	NCPUs      int    `short:"c" default:"1" help:"number of vcpus"`
	MemSize    string `short:"m" default:"1G" help:"memory size: number[gGmMkK], defaults to G"`
	TraceCount string `short:"T" default:"0" help:"instructions to skip between trace prints, 0 disables tracing"`
}
