//go:build linux || darwin

// Package chardev provides access to a TDISP host through a character device
// that takes one command per write and returns one response per read.
package chardev

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/golang/glog"
	"github.com/google/go-tdisp/transport"
)

// DefaultPath is where the guest driver exposes the TDISP command device.
const DefaultPath = "/dev/tdisp0"

var (
	// ErrFileIsNotDevice indicates that the file at the given path is not a
	// character device.
	ErrFileIsNotDevice = errors.New("TDISP file is not a character device")
)

// Open opens the TDISP character device at path. The mode is checked on the
// opened descriptor, so the device cannot be swapped between check and use.
func Open(path string) (transport.TDISPCloser, error) {
	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if mode := fi.Mode(); mode&os.ModeCharDevice == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s (%s)", ErrFileIsNotDevice, mode, path)
	}
	if glog.V(1) {
		glog.Infof("[tdisp] opened command device %s", path)
	}
	return transport.FromReadWriteCloser(wrap(f)), nil
}
