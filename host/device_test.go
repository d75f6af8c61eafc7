package host

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-tdisp/tdisp"
)

func TestEmulatedDeviceReports(t *testing.T) {
	a, b := NewEmulatedDevice(1), NewEmulatedDevice(2)
	for _, rt := range []tdisp.ReportType{tdisp.ReportTypeInterface, tdisp.ReportTypeCertificateChain, tdisp.ReportTypeMeasurements} {
		ra, err := a.Report(rt)
		if err != nil {
			t.Fatalf("Report(%v) = %v", rt, err)
		}
		rb, err := b.Report(rt)
		if err != nil {
			t.Fatalf("Report(%v) = %v", rt, err)
		}
		if cmp.Equal(ra, rb) {
			t.Errorf("%v report is the same for two devices", rt)
		}
		if len(ra) > tdisp.MaxReportSize {
			t.Errorf("%v report is %d bytes, over the limit", rt, len(ra))
		}
	}
	if _, err := a.Report(tdisp.ReportTypeInvalid); err == nil {
		t.Errorf("Report(%v) succeeded", tdisp.ReportTypeInvalid)
	}
}

func TestEmulatedDeviceReportIsCopied(t *testing.T) {
	d := NewEmulatedDevice(1)
	r, _ := d.Report(tdisp.ReportTypeInterface)
	r[0] ^= 0xFF
	again, _ := d.Report(tdisp.ReportTypeInterface)
	if again[0] == r[0] {
		t.Errorf("modifying a returned report changed the device's report")
	}
}

func TestSharedDeviceDo(t *testing.T) {
	dev := NewEmulatedDevice(1)
	s := NewSharedDevice(dev)
	if err := s.Do(func(d DeviceInterface) error { return d.Bind() }); err != nil {
		t.Fatalf("Do(Bind) = %v", err)
	}
	dev.FailStart = errInjected
	if err := s.Do(func(d DeviceInterface) error { return d.StartTDI() }); !errors.Is(err, errInjected) {
		t.Errorf("Do(StartTDI) = %v, want %v", err, errInjected)
	}
	if dev.Binds != 1 || dev.Starts != 0 {
		t.Errorf("binds, starts = %d, %d, want 1, 0", dev.Binds, dev.Starts)
	}
}

func TestMachineWaitsForSharedDevice(t *testing.T) {
	s := NewSharedDevice(NewEmulatedDevice(1))
	m := NewMachine(s, tdisp.Revision2, t.Name())

	held := make(chan struct{})
	release := make(chan struct{})
	go s.Do(func(DeviceInterface) error {
		close(held)
		<-release
		return nil
	})
	<-held

	done := make(chan error, 1)
	go func() { done <- m.RequestLockDeviceResources() }()
	select {
	case err := <-done:
		t.Fatalf("RequestLockDeviceResources() = %v while the device was held", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("RequestLockDeviceResources() = %v", err)
	}
	if got := m.State(); got != tdisp.StateLocked {
		t.Errorf("State() = %v, want %v", got, tdisp.StateLocked)
	}
}
