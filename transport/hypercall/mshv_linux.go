//go:build linux

package hypercall

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/google/go-tdisp/tdisp"
	"golang.org/x/sys/unix"
)

// DefaultDevicePath is the hypercall pass-through device of the paravisor
// kernel.
const DefaultDevicePath = "/dev/mshv_hvcall"

// ErrFileIsNotDevice indicates that the hypercall file mode was not a device.
var ErrFileIsNotDevice = errors.New("hypercall file is not a device")

// ioctl bits for x86-64
const (
	iocNrbits    = 8
	iocTypebits  = 8
	iocSizebits  = 14
	iocNrshift   = 0
	iocTypeshift = iocNrshift + iocNrbits
	iocSizeshift = iocTypeshift + iocTypebits
	iocDirshift  = iocSizeshift + iocSizebits
	iocWrite     = 1
	iocRead      = 2

	mshvIoctl = 0xB8

	// mshvHvcallSetup is _IOW(MSHV_IOCTL, 0x1E, struct mshv_hvcall_setup).
	mshvHvcallSetup = (iocWrite << iocDirshift) |
		(mshvIoctl << iocTypeshift) |
		(unsafe.Sizeof(hvcallSetup{}) << iocSizeshift) |
		(0x1E << iocNrshift)
	// mshvHvcall is _IOWR(MSHV_IOCTL, 0x1F, struct mshv_hvcall).
	mshvHvcall = ((iocWrite | iocRead) << iocDirshift) |
		(mshvIoctl << iocTypeshift) |
		(unsafe.Sizeof(hvcall{}) << iocSizeshift) |
		(0x1F << iocNrshift)
)

// hvcallSetup is struct mshv_hvcall_setup.
type hvcallSetup struct {
	BitmapArraySize uint64
	AllowBitmapPtr  uint64
}

// hvcall is struct mshv_hvcall.
type hvcall struct {
	Control    uint64
	InputSize  uint64
	InputPtr   uint64
	Status     uint64
	OutputSize uint64
	OutputPtr  uint64
}

// Device issues hypercalls through the kernel pass-through device. The kernel
// rejects codes that were not allowed with SetAllowed, and so does Device.
type Device struct {
	f *os.File

	mu      sync.RWMutex
	allowed map[Code]bool
}

// Open opens the hypercall device at path.
func Open(path string) (*Device, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Mode()&os.ModeDevice == 0 {
		return nil, fmt.Errorf("%w: %s (%s)", ErrFileIsNotDevice, fi.Mode().String(), path)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	return &Device{f: f, allowed: make(map[Code]bool)}, nil
}

// SetAllowed replaces the set of hypercall codes the device may issue.
func (d *Device) SetAllowed(codes ...Code) error {
	var hi Code
	for _, c := range codes {
		if c > hi {
			hi = c
		}
	}
	bitmap := make([]uint64, int(hi)/64+1)
	allowed := make(map[Code]bool, len(codes))
	for _, c := range codes {
		bitmap[c/64] |= 1 << (c % 64)
		allowed[c] = true
	}

	setup := hvcallSetup{
		BitmapArraySize: uint64(len(bitmap) * 8),
		AllowBitmapPtr:  uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), mshvHvcallSetup, uintptr(unsafe.Pointer(&setup)))
	runtime.KeepAlive(bitmap)
	if errno != 0 {
		return fmt.Errorf("MSHV_HVCALL_SETUP: %w", errno)
	}

	d.mu.Lock()
	d.allowed = allowed
	d.mu.Unlock()
	return nil
}

// Call implements the Caller interface. It panics if the code was not
// allowed.
func (d *Device) Call(control Control, input, output []byte) (Status, error) {
	d.mu.RLock()
	ok := d.allowed[control.Code()]
	d.mu.RUnlock()
	if !ok {
		panic(fmt.Sprintf("hypercall %v is not in the allowed set", control.Code()))
	}
	if len(output) > tdisp.PageSize {
		output = output[:tdisp.PageSize]
	}

	call := hvcall{
		Control:    uint64(control),
		InputSize:  uint64(len(input)),
		OutputSize: uint64(len(output)),
	}
	if len(input) > 0 {
		call.InputPtr = uint64(uintptr(unsafe.Pointer(&input[0])))
	}
	if len(output) > 0 {
		call.OutputPtr = uint64(uintptr(unsafe.Pointer(&output[0])))
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), mshvHvcall, uintptr(unsafe.Pointer(&call)))
	runtime.KeepAlive(input)
	runtime.KeepAlive(output)
	if errno != 0 {
		return 0, fmt.Errorf("MSHV_HVCALL %v: %w", control.Code(), errno)
	}
	return Status(call.Status & 0xFFFF), nil
}

// Close implements the io.Closer interface.
func (d *Device) Close() error {
	return d.f.Close()
}

// OpenTransport opens the default hypercall device, allows the TDISP dispatch
// hypercall on it and returns a transport over it.
func OpenTransport() (*DeviceTransport, error) {
	d, err := Open(DefaultDevicePath)
	if err != nil {
		return nil, err
	}
	if err := d.SetAllowed(CodeTDISPDispatch); err != nil {
		return nil, errors.Join(err, d.Close())
	}
	return &DeviceTransport{Transport: New(Config{Caller: d}), dev: d}, nil
}

// DeviceTransport is a Transport that owns its device.
type DeviceTransport struct {
	*Transport
	dev *Device
}

// Close implements the transport.TDISPCloser interface.
func (t *DeviceTransport) Close() error {
	return t.dev.Close()
}
