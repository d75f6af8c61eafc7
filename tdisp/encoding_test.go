package tdisp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCommandRoundTrip(t *testing.T) {
	tests := []GuestToHostCommand{
		{DeviceID: 1, CommandID: CommandUnknown},
		{DeviceID: 2, CommandID: CommandGetDeviceInterfaceInfo},
		{DeviceID: 3, ResponseGPA: 0x7f000, CommandID: CommandBind},
		{DeviceID: 4, CommandID: CommandStartTDI},
		{DeviceID: 5, CommandID: CommandUnbind, Payload: UnbindRequest{Reason: UnbindReasonGraceful}},
		{DeviceID: 6, CommandID: CommandUnbind, Payload: UnbindRequest{Reason: UnbindReasonUnknown}},
		{DeviceID: 7, CommandID: CommandUnbind, Payload: UnbindRequest{Reason: GuestUnbindReason(42)}},
		{DeviceID: 8, CommandID: CommandGetTDIReport, Payload: TDIReportRequest{ReportType: ReportTypeInterface}},
		{DeviceID: 9, CommandID: CommandGetTDIReport, Payload: TDIReportRequest{ReportType: ReportTypeCertificateChain}},
		{DeviceID: 10, CommandID: CommandGetTDIReport, Payload: TDIReportRequest{ReportType: ReportTypeMeasurements}},
		{DeviceID: 11, CommandID: CommandGetTDIReport, Payload: TDIReportRequest{ReportType: ReportTypeInvalid}},
	}
	for _, want := range tests {
		t.Run(want.CommandID.String(), func(t *testing.T) {
			got, err := UnmarshalCommand(MarshalCommand(&want))
			if err != nil {
				t.Fatalf("UnmarshalCommand() = %v", err)
			}
			if diff := cmp.Diff(&want, got); diff != "" {
				t.Errorf("command round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	tests := []GuestToHostResponse{
		{CommandID: CommandUnknown, Result: InvalidGuestCommandID, StateBefore: StateLocked, StateAfter: StateLocked},
		{
			CommandID: CommandGetDeviceInterfaceInfo, Result: Success, StateBefore: StateUnlocked, StateAfter: StateUnlocked,
			Payload: DeviceInterfaceInfo{InterfaceVersionMajor: 1, InterfaceVersionMinor: 1, SupportedFeatures: FeatureTDIReport | FeatureStartTDI, TDISPDeviceID: 0x1234},
		},
		{CommandID: CommandBind, Result: Success, StateBefore: StateUnlocked, StateAfter: StateLocked},
		{CommandID: CommandBind, Result: InvalidDeviceState, StateBefore: StateRun, StateAfter: StateUnlocked},
		{CommandID: CommandStartTDI, Result: Success, StateBefore: StateLocked, StateAfter: StateRun},
		{CommandID: CommandUnbind, Result: Success, StateBefore: StateError, StateAfter: StateUnlocked},
		{
			CommandID: CommandGetTDIReport, Result: Success, StateBefore: StateLocked, StateAfter: StateLocked,
			Payload: TDIReport{Type: ReportTypeInterface, Data: []byte("interface report")},
		},
		{
			CommandID: CommandGetTDIReport, Result: Success, StateBefore: StateRun, StateAfter: StateRun,
			Payload: TDIReport{Type: ReportTypeMeasurements, Data: bytes.Repeat([]byte{0xa5}, MaxReportSize)},
		},
		{CommandID: CommandGetTDIReport, Result: Success, StateBefore: StateLocked, StateAfter: StateLocked, Payload: TDIReport{Type: ReportTypeCertificateChain}},
		{CommandID: CommandGetTDIReport, Result: InvalidGuestAttestationReportType, StateBefore: StateLocked, StateAfter: StateLocked},
	}
	for _, want := range tests {
		t.Run(want.CommandID.String(), func(t *testing.T) {
			b := MarshalResponse(&want)
			if len(b) > PageSize {
				t.Fatalf("encoded response is %d bytes, larger than a page", len(b))
			}
			got, err := UnmarshalResponse(b)
			if err != nil {
				t.Fatalf("UnmarshalResponse() = %v", err)
			}
			if diff := cmp.Diff(&want, got); diff != "" {
				t.Errorf("response round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommandHeaderLayout(t *testing.T) {
	b := MarshalCommand(&GuestToHostCommand{
		ResponseGPA: 0x1000,
		DeviceID:    0x22,
		CommandID:   CommandUnbind,
		Payload:     UnbindRequest{Reason: UnbindReasonGraceful},
	})
	want := []uint64{0x1000, 0x22, 5, 1}
	if len(b) != 8*len(want) {
		t.Fatalf("len(MarshalCommand()) = %d, want %d", len(b), 8*len(want))
	}
	for i, w := range want {
		if got := binary.LittleEndian.Uint64(b[8*i:]); got != w {
			t.Errorf("field %d = %#x, want %#x", i, got, w)
		}
	}
}

func TestUnknownCommandIDDecodes(t *testing.T) {
	b := MarshalCommand(&GuestToHostCommand{DeviceID: 1, CommandID: CommandID(99)})
	// A newer guest may send a payload with an id we do not know.
	b = append(b, 1, 2, 3, 4)
	cmd, err := UnmarshalCommand(b)
	if err != nil {
		t.Fatalf("UnmarshalCommand() = %v", err)
	}
	if cmd.CommandID != CommandUnknown {
		t.Errorf("CommandID = %v, want %v", cmd.CommandID, CommandUnknown)
	}
	if cmd.Payload != nil {
		t.Errorf("Payload = %v, want nil", cmd.Payload)
	}
}

func TestUnknownResultPreserved(t *testing.T) {
	b := MarshalResponse(&GuestToHostResponse{CommandID: CommandBind, Result: GuestOperationError(77), StateBefore: StateUnlocked, StateAfter: StateUnlocked})
	resp, err := UnmarshalResponse(b)
	if err != nil {
		t.Fatalf("UnmarshalResponse() = %v", err)
	}
	if resp.Result.Err() == nil {
		t.Errorf("Result.Err() = nil for unknown result %d", uint64(resp.Result))
	}
}

func TestDecodeErrors(t *testing.T) {
	unbind := MarshalCommand(&GuestToHostCommand{CommandID: CommandUnbind, Payload: UnbindRequest{Reason: UnbindReasonGraceful}})
	report := MarshalResponse(&GuestToHostResponse{
		CommandID: CommandGetTDIReport, Result: Success, StateBefore: StateLocked, StateAfter: StateLocked,
		Payload: TDIReport{Type: ReportTypeInterface, Data: []byte{1, 2, 3, 4}},
	})
	tooBig := MarshalResponse(&GuestToHostResponse{
		CommandID: CommandGetTDIReport, Result: Success, StateBefore: StateLocked, StateAfter: StateLocked,
		Payload: TDIReport{Type: ReportTypeInterface, Data: make([]byte, MaxReportSize+1)},
	})

	tests := []struct {
		name string
		fn   func() error
		want error
	}{
		{"short command", func() error { _, err := UnmarshalCommand(unbind[:CommandHeaderSize-1]); return err }, ErrTruncated},
		{"short response", func() error { _, err := UnmarshalResponse(report[:10]); return err }, ErrTruncated},
		{"unbind without reason", func() error { _, err := UnmarshalCommand(unbind[:CommandHeaderSize]); return err }, ErrPayloadMismatch},
		{"unbind with padding", func() error { _, err := UnmarshalCommand(append(unbind, 0)); return err }, ErrPayloadMismatch},
		{"bind with payload", func() error {
			_, err := UnmarshalCommand(MarshalCommand(&GuestToHostCommand{CommandID: CommandBind, Payload: UnbindRequest{}}))
			return err
		}, ErrPayloadMismatch},
		{"report cut short", func() error { _, err := UnmarshalResponse(report[:len(report)-1]); return err }, ErrPayloadMismatch},
		{"report too large", func() error { _, err := UnmarshalResponse(tooBig); return err }, ErrReportTooLarge},
		{"start in revision 1", func() error {
			_, err := Codec{Revision: Revision1}.UnmarshalCommand(MarshalCommand(&GuestToHostCommand{CommandID: CommandStartTDI}))
			return err
		}, ErrUnsupportedCommand},
		{"report response in revision 1", func() error { _, err := Codec{Revision: Revision1}.UnmarshalResponse(report); return err }, ErrUnsupportedCommand},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.fn(); !errors.Is(err, tc.want) {
				t.Errorf("got error %v, want %v", err, tc.want)
			}
		})
	}
}

func TestResponseFrameLen(t *testing.T) {
	want := &GuestToHostResponse{
		CommandID: CommandGetTDIReport, Result: Success, StateBefore: StateRun, StateAfter: StateRun,
		Payload: TDIReport{Type: ReportTypeInterface, Data: []byte("report body")},
	}
	page := make([]byte, PageSize)
	encoded := MarshalResponse(want)
	copy(page, encoded)

	n, err := ResponseFrameLen(page)
	if err != nil {
		t.Fatalf("ResponseFrameLen() = %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("ResponseFrameLen() = %d, want %d", n, len(encoded))
	}
	got, err := UnmarshalResponse(page[:n])
	if err != nil {
		t.Fatalf("UnmarshalResponse() = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}

	if _, err := ResponseFrameLen(make([]byte, PageSize)); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("ResponseFrameLen(zero page) = %v, want %v", err, ErrEmptyResponse)
	}
	if _, err := ResponseFrameLen(encoded[:len(encoded)-2]); !errors.Is(err, ErrTruncated) {
		t.Errorf("ResponseFrameLen(short) = %v, want %v", err, ErrTruncated)
	}
}
