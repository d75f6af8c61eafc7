package loopback

import (
	"errors"
	"testing"

	"github.com/google/go-tdisp/host"
	"github.com/google/go-tdisp/tdisp"
	"github.com/google/go-tdisp/transport"
	testhelper "github.com/google/go-tdisp/transport/test"
)

func newRegistry(t *testing.T, deviceID uint64) *host.Registry {
	t.Helper()
	r := host.NewRegistry()
	e := host.NewEmulator(host.NewSharedDevice(host.NewEmulatedDevice(deviceID)), host.Config{DebugDeviceID: t.Name(), TDISPDeviceID: deviceID})
	if err := r.Register(deviceID, e); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	return r
}

func TestLoopback(t *testing.T) {
	r := newRegistry(t, 9)
	testhelper.RunTest(t, nil, 9, func() (transport.TDISPCloser, error) {
		return New(r), nil
	})
}

func TestSendAfterClose(t *testing.T) {
	tr := New(newRegistry(t, 9))
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if _, err := tr.Send(tdisp.MarshalCommand(&tdisp.GuestToHostCommand{DeviceID: 9})); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close() = %v, want %v", err, ErrClosed)
	}
}

func TestPageChannel(t *testing.T) {
	ch := NewPageChannel(newRegistry(t, 9))
	page := make([]byte, tdisp.PageSize)
	ch.Map(0x2000, page)

	cmd := &tdisp.GuestToHostCommand{DeviceID: 9, ResponseGPA: 0x2000, CommandID: tdisp.CommandBind}
	if err := ch.Submit(tdisp.MarshalCommand(cmd)); err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	n, err := tdisp.ResponseFrameLen(page)
	if err != nil {
		t.Fatalf("ResponseFrameLen() = %v", err)
	}
	resp, err := tdisp.UnmarshalResponse(page[:n])
	if err != nil {
		t.Fatalf("UnmarshalResponse() = %v", err)
	}
	if resp.StateAfter != tdisp.StateLocked {
		t.Errorf("response = %v, want state Locked", resp)
	}

	cmd.ResponseGPA = 0x3000
	if err := ch.Submit(tdisp.MarshalCommand(cmd)); !errors.Is(err, ErrUnmappedGPA) {
		t.Errorf("Submit() to unmapped page = %v, want %v", err, ErrUnmappedGPA)
	}

	cmd.ResponseGPA = 0x2000
	cmd.DeviceID = 10
	if err := ch.Submit(tdisp.MarshalCommand(cmd)); !errors.Is(err, host.ErrUnknownDevice) {
		t.Errorf("Submit() for unknown device = %v, want %v", err, host.ErrUnknownDevice)
	}
}
