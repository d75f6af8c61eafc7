package vtlguard

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-tdisp/transport/hypercall"
)

var errRefused = errors.New("refused")

// fakeProtector records the permissions of every page and can be told to
// refuse one page.
type fakeProtector struct {
	perms  map[uint64]Permissions
	refuse map[uint64]Permissions
}

func newFakeProtector() *fakeProtector {
	return &fakeProtector{perms: make(map[uint64]Permissions), refuse: make(map[uint64]Permissions)}
}

func (f *fakeProtector) ModifyVTLPageSetting(pfn uint64, perms Permissions) error {
	if p, ok := f.refuse[pfn]; ok && p == perms {
		return errRefused
	}
	f.perms[pfn] = perms
	return nil
}

type fakeAcceptor struct {
	vtl0, vtl2 []uint64
}

func (f *fakeAcceptor) ApplyProtectionsForVTL0(pfn uint64, perms Permissions) error {
	f.vtl0 = append(f.vtl0, pfn)
	return nil
}

func (f *fakeAcceptor) ApplyProtectionsForVTL2(pfn uint64, perms Permissions) error {
	f.vtl2 = append(f.vtl2, pfn)
	return nil
}

func TestGuardGrantsAndReleases(t *testing.T) {
	p := newFakeProtector()
	g, err := New(Config{Protector: p}, []uint64{1, 2, 3})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	want := map[uint64]Permissions{1: PermissionsAll, 2: PermissionsAll, 3: PermissionsAll}
	if diff := cmp.Diff(want, p.perms); diff != "" {
		t.Errorf("permissions after New() (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{1, 2, 3}, g.Pages()); diff != "" {
		t.Errorf("Pages() (-want +got):\n%s", diff)
	}

	g.Release()
	want = map[uint64]Permissions{1: PermissionsNone, 2: PermissionsNone, 3: PermissionsNone}
	if diff := cmp.Diff(want, p.perms); diff != "" {
		t.Errorf("permissions after Release() (-want +got):\n%s", diff)
	}
	// A second release does nothing, even if the protector would now fail.
	p.refuse[1] = PermissionsNone
	g.Release()
}

func TestGuardRollsBackPartialGrant(t *testing.T) {
	p := newFakeProtector()
	p.refuse[3] = PermissionsAll
	if _, err := New(Config{Protector: p}, []uint64{1, 2, 3, 4}); !errors.Is(err, errRefused) {
		t.Fatalf("New() = %v, want %v", err, errRefused)
	}
	want := map[uint64]Permissions{1: PermissionsNone, 2: PermissionsNone}
	if diff := cmp.Diff(want, p.perms); diff != "" {
		t.Errorf("permissions after failed New() (-want +got):\n%s", diff)
	}
}

func TestGuardPanicsWhenRevertFails(t *testing.T) {
	p := newFakeProtector()
	g, err := New(Config{Protector: p}, []uint64{7})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	p.refuse[7] = PermissionsNone
	defer func() {
		if recover() == nil {
			t.Errorf("Release() did not panic")
		}
	}()
	g.Release()
}

func TestGuardUsesAcceptorWhenIsolated(t *testing.T) {
	a := &fakeAcceptor{}
	p := newFakeProtector()
	g, err := New(Config{Protector: p, Acceptor: a}, []uint64{4, 5})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	g.Release()
	if diff := cmp.Diff(&fakeAcceptor{vtl0: []uint64{4, 5}, vtl2: []uint64{4, 5}}, a, cmp.AllowUnexported(fakeAcceptor{})); diff != "" {
		t.Errorf("acceptor calls (-want +got):\n%s", diff)
	}
	if len(p.perms) != 0 {
		t.Errorf("protector used on an isolated partition: %v", p.perms)
	}
}

func TestNewErrors(t *testing.T) {
	if _, err := New(Config{Protector: newFakeProtector()}, nil); !errors.Is(err, ErrNoPages) {
		t.Errorf("New(no pages) = %v, want %v", err, ErrNoPages)
	}
	if _, err := New(Config{}, []uint64{1}); err == nil {
		t.Errorf("New(empty config) succeeded")
	}
}

type recordingCaller struct {
	control hypercall.Control
	input   []byte
	status  hypercall.Status
}

func (r *recordingCaller) Call(control hypercall.Control, input, output []byte) (hypercall.Status, error) {
	r.control = control
	r.input = append([]byte(nil), input...)
	return r.status, nil
}

func TestHypercallProtector(t *testing.T) {
	c := &recordingCaller{}
	if err := NewHypercallProtector(c).ModifyVTLPageSetting(0xABC, PermissionsReadWrite); err != nil {
		t.Fatalf("ModifyVTLPageSetting() = %v", err)
	}
	if c.control.Code() != hypercall.CodeModifyVtlProtectionMask || c.control.RepCount() != 1 {
		t.Errorf("control = %#x, want one rep of %v", uint64(c.control), hypercall.CodeModifyVtlProtectionMask)
	}
	if len(c.input) != 24 {
		t.Fatalf("input is %d bytes, want 24", len(c.input))
	}
	if got := binary.LittleEndian.Uint32(c.input[8:12]); got != uint32(PermissionsReadWrite) {
		t.Errorf("map flags = %#x, want %#x", got, uint32(PermissionsReadWrite))
	}
	if got := binary.LittleEndian.Uint64(c.input[16:24]); got != 0xABC {
		t.Errorf("page = %#x, want 0xabc", got)
	}

	c.status = hypercall.StatusAccessDenied
	if err := NewHypercallProtector(c).ModifyVTLPageSetting(1, PermissionsNone); !errors.Is(err, hypercall.StatusAccessDenied) {
		t.Errorf("ModifyVTLPageSetting() = %v, want %v", err, hypercall.StatusAccessDenied)
	}
}
