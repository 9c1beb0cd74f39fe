// Package dispatch defines the interfaces the run loop (C7) uses to hand
// port I/O and MMIO vmexits to external collaborators (serial UART,
// virtio front-ends, PCI config space, ...), keeping the core hypervisor
// ignorant of any specific device model.
package dispatch

// IO is consulted once per element of an EXITIO vmexit (count times for a
// repeated string I/O, once otherwise). port is the I/O port number,
// out reports the access direction (true for an OUT from the guest,
// false for an IN into the guest), and data is a slice of width bytes
// taken directly from the shared VCPU run area — for an IN, the
// dispatcher must fill it before returning. A false return terminates
// the run loop with diagnostics.
type IO interface {
	DispatchIO(port uint64, out bool, data []byte) bool
}

// MMIO is consulted once per EXITMMIO vmexit, analogous to IO but keyed
// by guest physical address instead of port number.
type MMIO interface {
	DispatchMMIO(physAddr uint64, out bool, data []byte) bool
}

// Interrupted is called on every EXITINTR vmexit — the periodic signal
// that unblocks the run loop's blocking run() call so it can observe time
// passing between guest-driven exits. It has no return value: the hook
// is an opaque side effect (typically draining buffered serial input and
// re-asserting an IRQ).
type Interrupted interface {
	Interrupted()
}
