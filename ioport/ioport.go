// Package ioport implements the in-process port-I/O bus: it satisfies
// dispatch.IO by routing each EXITIO vmexit to whichever registered
// device.IODevice owns the faulting port, the way the original
// hypervisor's per-port handler table did.
package ioport

import "github.com/minivisor/minivisor/device"

// Bus dispatches port I/O to a fixed set of devices registered at
// construction time. It implements dispatch.IO.
type Bus struct {
	devices []device.IODevice
}

// New builds a Bus serving the given devices. Overlapping port ranges are
// not detected; the first matching device wins.
func New(devices ...device.IODevice) *Bus {
	return &Bus{devices: devices}
}

// DispatchIO implements dispatch.IO. A port with no owning device is
// treated as read-as-zero/write-ignored, matching real hardware's
// behavior for an unpopulated I/O address: it never terminates the run
// loop.
func (b *Bus) DispatchIO(port uint64, out bool, data []byte) bool {
	d := b.find(port)
	if d == nil {
		return true
	}

	var err error
	if out {
		err = d.Write(port, data)
	} else {
		err = d.Read(port, data)
	}

	return err == nil
}

func (b *Bus) find(port uint64) device.IODevice {
	for _, d := range b.devices {
		if port >= d.IOPort() && port < d.IOPort()+d.Size() {
			return d
		}
	}

	return nil
}
