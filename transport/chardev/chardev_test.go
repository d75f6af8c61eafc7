//go:build linux || darwin

package chardev

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-tdisp/tdisp"
	"github.com/google/go-tdisp/transport"
	testhelper "github.com/google/go-tdisp/transport/test"
)

func open(path string) func() (transport.TDISPCloser, error) {
	return func() (transport.TDISPCloser, error) {
		return Open(path)
	}
}

func TestLocalDevice(t *testing.T) {
	testhelper.RunTest(t, []error{os.ErrNotExist, os.ErrPermission, ErrFileIsNotDevice}, 0, open(DefaultPath))
}

func TestRegularFileIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tdisp")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	if _, err := Open(path); !errors.Is(err, ErrFileIsNotDevice) {
		t.Errorf("Open(%q) = %v, want %v", path, err, ErrFileIsNotDevice)
	}
}

func TestDirectoryIsRejected(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Errorf("Open(directory) succeeded")
	}
}

func TestSilentDevice(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("poll on /dev/null is only reliable on linux")
	}
	tr, err := Open("/dev/null")
	if err != nil {
		t.Fatalf("Open(/dev/null) = %v", err)
	}
	defer tr.Close()
	cmd := tdisp.MarshalCommand(&tdisp.GuestToHostCommand{CommandID: tdisp.CommandGetDeviceInterfaceInfo})
	if _, err := tr.Send(cmd); !errors.Is(err, transport.ErrEmptyRead) {
		t.Errorf("Send() = %v, want %v", err, transport.ErrEmptyRead)
	}
}
