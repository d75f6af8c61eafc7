// Package testhelper provides some helper code for TDISP transport tests.
package testhelper

import (
	"errors"
	"testing"

	"github.com/google/go-tdisp/guest"
	"github.com/google/go-tdisp/transport"
)

// RunTest checks that the connection to the host seems to be working by
// asking for the interface info of deviceID.
func RunTest(t *testing.T, skipErrs []error, deviceID uint64, opener func() (transport.TDISPCloser, error)) {
	t.Helper()
	tr, err := opener()
	for _, skipErr := range skipErrs {
		if errors.Is(err, skipErr) {
			t.Skipf("%v", err)
		}
	}
	if err != nil {
		t.Fatalf("Failed to open TDISP transport: %v", err)
	}
	defer func(tr transport.TDISPCloser) {
		if err := tr.Close(); err != nil {
			t.Fatalf("Close() = %v", err)
		}
	}(tr)

	// GetDeviceInterfaceInfo is valid in every state and changes nothing.
	info, err := guest.NewClient(tr, deviceID).GetDeviceInterfaceInfo()

	// We might run into one of the known "skip if this error" cases.
	for _, skipErr := range skipErrs {
		if errors.Is(err, skipErr) {
			t.Skipf("%v", err)
		}
	}
	if err != nil {
		t.Fatalf("GetDeviceInterfaceInfo() = %v", err)
	}
	if info.InterfaceVersionMajor == 0 {
		t.Errorf("GetDeviceInterfaceInfo() = %+v, want a major version", info)
	}
	t.Logf("Interface version %d.%d, features %#x, TDISP device id %#x",
		info.InterfaceVersionMajor, info.InterfaceVersionMinor, info.SupportedFeatures, info.TDISPDeviceID)
}
