package tdisp

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestResultAsError(t *testing.T) {
	if err := Success.Err(); err != nil {
		t.Errorf("Success.Err() = %v, want nil", err)
	}
	var err error = InvalidDeviceState.Err()
	var code GuestOperationError
	if !errors.As(err, &code) || code != InvalidDeviceState {
		t.Errorf("errors.As(%v) = %v, want %v", err, code, InvalidDeviceState)
	}
	if got := GuestOperationError(0x99).Error(); got != "unknown TDISP result code 0x99" {
		t.Errorf("Error() = %q", got)
	}
}

func TestRevisions(t *testing.T) {
	type caps struct {
		Commands   []CommandID
		ErrorState bool
		Minor      uint32
		Features   uint64
	}
	all := []CommandID{CommandUnknown, CommandGetDeviceInterfaceInfo, CommandBind, CommandGetTDIReport, CommandStartTDI, CommandUnbind}
	for _, tc := range []struct {
		rev  Revision
		want caps
	}{
		{Revision1, caps{
			Commands: []CommandID{CommandUnknown, CommandGetDeviceInterfaceInfo, CommandBind, CommandUnbind},
		}},
		{Revision2, caps{
			Commands:   all,
			ErrorState: true,
			Minor:      1,
			Features:   FeatureTDIReport | FeatureStartTDI | FeatureErrorState,
		}},
	} {
		got := caps{
			ErrorState: tc.rev.SupportsErrorState(),
			Minor:      tc.rev.MinorVersion(),
			Features:   tc.rev.Features(),
		}
		for _, id := range all {
			if tc.rev.SupportsCommand(id) {
				got.Commands = append(got.Commands, id)
			}
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("revision %d capabilities (-want +got):\n%s", tc.rev, diff)
		}
	}
}

func TestWireValuesFromHost(t *testing.T) {
	for _, tc := range []struct {
		wire uint64
		want TDIState
	}{
		{0, StateUninitialized},
		{1, StateUnlocked},
		{4, StateError},
		{17, StateUninitialized},
	} {
		if got := tdiStateFromWire(tc.wire); got != tc.want {
			t.Errorf("tdiStateFromWire(%d) = %v, want %v", tc.wire, got, tc.want)
		}
	}
	if got := reportTypeFromWire(9); got != ReportTypeInvalid {
		t.Errorf("reportTypeFromWire(9) = %v, want %v", got, ReportTypeInvalid)
	}
	if got := commandIDFromWire(42); got != CommandUnknown {
		t.Errorf("commandIDFromWire(42) = %v, want %v", got, CommandUnknown)
	}
}
