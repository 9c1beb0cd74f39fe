package flag

// CLI is the kong command tree: minivisor boot ... or minivisor probe.
type CLI struct {
	Boot  BootCMD  `cmd:"" help:"Boot a kernel image under the hypervisor."`
	Probe ProbeCMD `cmd:"" help:"Report which KVM capabilities this host supports."`
}

// BootCMD's fields are the boot subcommand's flags.
type BootCMD struct {
	Dev        string `short:"D" default:"/dev/kvm" help:"Path of the KVM device."`
	Kernel     string `short:"k" required:"" help:"Kernel image path (bzImage or flat binary)."`
	Params     string `short:"p" help:"Extra kernel command-line parameters, appended to the built-in prefix."`
	MemSize    string `short:"m" default:"128M" help:"Guest memory size: number[gGmMkK], at least 64M."`
	SingleStep bool   `short:"s" help:"Start the vcpu in single-step debug mode."`
	Profile    string `help:"Write cpu.pprof and wall.pprof profiles to this directory on exit."`
}

// ProbeCMD takes no flags: it just lists capability support.
type ProbeCMD struct{}
