// Package vmm wires together the pieces a running virtual machine needs
// beyond the core hypervisor: the guest console (a serial UART on COM1),
// an ACPI shutdown port, the terminal's raw-mode passthrough, and the
// signal plumbing that lets a blocked vmentry be interrupted so input
// typed at the console reaches the guest promptly.
package vmm

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/minivisor/minivisor/device"
	"github.com/minivisor/minivisor/iodev"
	"github.com/minivisor/minivisor/ioport"
	"github.com/minivisor/minivisor/machine"
	"github.com/minivisor/minivisor/serial"
	"github.com/minivisor/minivisor/term"
)

// serialIRQ is COM1's classic PC/AT wire, IRQ4.
const serialIRQ = 4

// tickInterval is how often the periodic-wake goroutine interrupts a
// blocked vmentry. There is no vmentry-completion signal to wait on
// instead -- this is the same tradeoff a real SIGALRM itimer makes.
const tickInterval = 20 * time.Millisecond

// Config is the resolved set of flags a VMM needs to boot: MemSize is
// already converted from its number[gGmMkK] string form to bytes.
type Config struct {
	Dev        string
	Kernel     string
	Params     string
	MemSize    int
	SingleStep bool
}

// VMM owns a Machine plus the external collaborators the core run loop
// dispatches vmexits to: the console, the I/O bus, and the vcpu's
// interrupt hook.
type VMM struct {
	*machine.Machine
	cfg Config

	serial *serial.Serial

	// vcpuTid is written once by runLocked and read concurrently by
	// InjectSerialIRQ from the stdin-forwarding goroutine, so it's
	// accessed atomically; 0 means "not yet running".
	vcpuTid int32
}

// New builds a VMM from cfg without touching the host: Init does that.
func New(cfg Config) *VMM {
	return &VMM{cfg: cfg}
}

// Init opens /dev/kvm and runs the hypervisor boot sequence, then wires
// the console and ACPI devices onto the port-I/O bus.
func (v *VMM) Init() error {
	// SIGALRM is the periodic wake (see wakeLoop) and SIGUSR1 breaks a
	// blocked vmentry the moment console input arrives (see
	// InjectSerialIRQ); neither has a default action this process wants,
	// so both need a registered handler or the first delivery would kill
	// it.
	signal.Notify(make(chan os.Signal, 1), syscall.SIGALRM, syscall.SIGUSR1)

	m, err := machine.New(v.cfg.Dev, v.cfg.MemSize)
	if err != nil {
		return err
	}

	v.Machine = m

	ser, err := serial.New(v)
	if err != nil {
		return err
	}

	v.serial = ser

	// Port 0x80 is the classic BIOS POST-code debug port: real bootloaders
	// and early kernel init write progress codes there. The bus would
	// ignore writes to it if it were unowned; routing it to
	// PostCodeDevice echoes each byte written there to stdout instead.
	bus := ioport.New(ser, iodev.NewACPIShutDownEvent(), &device.PostCodeDevice{})

	v.SetDispatchers(bus, noopMMIO{}, v)

	return nil
}

// InjectSerialIRQ satisfies serial.IRQInjector: it raises COM1's IRQ and
// wakes the run loop if it is blocked inside a vmentry so the guest sees
// the interrupt without waiting for the next unrelated exit.
func (v *VMM) InjectSerialIRQ() error {
	if err := v.InjectIRQ(serialIRQ); err != nil {
		return err
	}

	if tid := atomic.LoadInt32(&v.vcpuTid); tid != 0 {
		_ = unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1)
	}

	return nil
}

// Interrupted satisfies dispatch.Interrupted: EXITINTR just means a
// signal broke the vmentry early, nothing further to do.
func (v *VMM) Interrupted() {}

// Setup loads the kernel image into guest RAM and resets the vcpu to the
// resulting boot state.
func (v *VMM) Setup() error {
	kern, err := os.Open(v.cfg.Kernel)
	if err != nil {
		return err
	}
	defer kern.Close()

	v.EnableSingleStep(v.cfg.SingleStep)

	return v.LoadKernel(kern, v.cfg.Params)
}

// Boot puts the terminal in raw mode, starts forwarding stdin into the
// guest console, runs the vcpu until it terminates, and restores the
// terminal before returning. The vcpu itself runs on its own goroutine,
// joined through a WaitGroup exactly as a multi-vcpu boot shell would
// join every vcpu -- this hypervisor only ever starts the one. SIGINT
// restores the terminal before the process exits instead of leaving a
// raw, echo-less shell behind.
func (v *VMM) Boot() error {
	var (
		wg     sync.WaitGroup
		runErr error
	)

	wg.Add(1)

	go func() {
		defer wg.Done()

		runErr = v.runLocked()
	}()

	quit := make(chan struct{})

	go v.wakeLoop(quit)

	if !term.IsTerminal() {
		fmt.Fprintln(os.Stderr, "stdin is not a terminal; guest console input is disabled")

		wg.Wait()
		close(quit)

		return runErr
	}

	restoreMode, err := term.SetRawMode()
	if err != nil {
		wg.Wait()
		close(quit)

		return err
	}

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT)

	go func() {
		<-sigint

		restoreMode()
		os.Exit(130)
	}()

	defer restoreMode()

	go v.forwardStdin(bufio.NewReader(os.Stdin), quit)

	wg.Wait()
	close(quit)

	return runErr
}

// wakeLoop periodically breaks a blocked vmentry with SIGALRM, the same
// role a real itimer/SIGALRM combination plays: it guarantees the run
// loop's EXITINTR path is hit on a steady cadence regardless of guest
// or console activity, instead of only when InjectSerialIRQ happens to
// fire.
func (v *VMM) wakeLoop(quit chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	pid := unix.Getpid()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if tid := atomic.LoadInt32(&v.vcpuTid); tid != 0 {
				_ = unix.Tgkill(pid, int(tid), unix.SIGALRM)
			}
		}
	}
}

// runLocked pins the run loop to one OS thread so InjectSerialIRQ's
// targeted tgkill lands on the thread actually blocked in the vmentry
// ioctl, the same technique
// https://gist.github.com/mcastelino/df7e65ade874f6890f618dc51778d83a
// describes for unblocking KVM_RUN.
func (v *VMM) runLocked() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	atomic.StoreInt32(&v.vcpuTid, int32(unix.Gettid()))

	return v.RunLoop()
}

// forwardStdin feeds typed bytes to the guest serial console, injecting
// COM1's IRQ after each one. Ctrl-A x is the escape sequence that exits
// the VMM without waiting for the guest to halt.
func (v *VMM) forwardStdin(in *bufio.Reader, quit chan struct{}) {
	var prev byte

	for {
		b, err := in.ReadByte()
		if err != nil {
			if err != io.EOF {
				log.Printf("reading stdin: %v", err)
			}

			return
		}

		select {
		case <-quit:
			return
		default:
		}

		v.serial.GetInputChan() <- b

		if err := v.InjectSerialIRQ(); err != nil {
			log.Printf("InjectSerialIRQ: %v", err)
		}

		if prev == 0x1 && b == 'x' {
			os.Exit(0)
		}

		prev = b
	}
}

// noopMMIO refuses every MMIO access: this hypervisor exposes no MMIO
// devices, so any access is a guest bug and should terminate the run
// loop with diagnostics.
type noopMMIO struct{}

func (noopMMIO) DispatchMMIO(uint64, bool, []byte) bool {
	return false
}
