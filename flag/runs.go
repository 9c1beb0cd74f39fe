package flag

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/felixge/fgprof"
	"github.com/pkg/profile"

	"github.com/minivisor/minivisor/probe"
	"github.com/minivisor/minivisor/vmm"
)

// builtinCmdlinePrefix is prepended to every boot command line regardless
// of --params: notsc/nolapic/nosmp/noacpi/pci=conf1 match this
// hypervisor's single-vcpu, PIT-interrupt-driven, non-ACPI guest
// environment; console=ttyS0 matches the COM1 console. root=fc00 rw is
// passed through as part of the fixed prefix; this hypervisor attaches no
// block device for it.
const builtinCmdlinePrefix = "notsc nolapic nosmp noacpi pci=conf1 console=ttyS0 root=fc00 rw "

// maxCmdlineSize bounds the assembled command line before it ever reaches
// the loader, independent of whatever cmdline_size the kernel's own setup
// header declares.
const maxCmdlineSize = 2048

// BuildCmdline prepends the built-in prefix to the user-supplied params
// and truncates to maxCmdlineSize bytes, reserving room for the
// NUL terminator the loader writes.
func BuildCmdline(params string) string {
	full := builtinCmdlinePrefix + params

	if len(full) > maxCmdlineSize-1 {
		full = full[:maxCmdlineSize-1]
	}

	return full
}

func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("minivisor"),
		kong.Description("minivisor is a minimal single-vcpu, real-mode-only KVM hypervisor"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

func (p *ProbeCMD) Run() error {
	return probe.KVMCapabilities()
}

func (b *BootCMD) Run() error {
	memSize, err := ParseSize(b.MemSize, "m")
	if err != nil {
		return err
	}

	// pkg/profile's CPU profiler samples only on-CPU time, which is nearly
	// useless here: a vcpu goroutine spends almost all its life blocked
	// inside the KVM_RUN ioctl. fgprof's wall-clock profiler samples
	// blocked goroutines too, so both run side by side: one profile for
	// genuine CPU hotspots, one for where wall-clock time actually goes.
	if b.Profile != "" {
		defer profile.Start(
			profile.ProfilePath(b.Profile),
			profile.NoShutdownHook,
		).Stop()

		wallOut, err := os.Create(filepath.Join(b.Profile, "wall.pprof"))
		if err != nil {
			return fmt.Errorf("creating wall-clock profile: %w", err)
		}
		defer wallOut.Close()

		stopFgprof := fgprof.Start(wallOut, fgprof.FormatPprof)
		defer func() {
			if err := stopFgprof(); err != nil {
				fmt.Fprintf(os.Stderr, "stopping wall-clock profile: %v\n", err)
			}
		}()
	}

	v := vmm.New(vmm.Config{
		Dev:        b.Dev,
		Kernel:     b.Kernel,
		Params:     BuildCmdline(b.Params),
		MemSize:    memSize,
		SingleStep: b.SingleStep,
	})

	if err := v.Init(); err != nil {
		return err
	}

	if err := v.Setup(); err != nil {
		return err
	}

	sigquit := make(chan os.Signal, 1)
	signal.Notify(sigquit, syscall.SIGQUIT)

	go func() {
		for range sigquit {
			fmt.Fprint(os.Stderr, v.Diagnostics())
		}
	}()

	return v.Boot()
}
