//go:build linux

package sharedpage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/google/go-tdisp/tdisp"
	"golang.org/x/sys/unix"
)

// ErrPageNotPresent indicates that the kernel did not report a frame for the
// page, which happens without CAP_SYS_ADMIN.
var ErrPageNotPresent = errors.New("page frame not available from pagemap")

const (
	pagemapPath        = "/proc/self/pagemap"
	pagemapEntrySize   = 8
	pagemapPresent     = 1 << 63
	pagemapFrameNoMask = 1<<55 - 1
)

// Page is one locked page of anonymous memory and its physical address.
type Page struct {
	Buffer []byte
	GPA    uint64
}

// AllocatePage maps, locks and touches one page and resolves its guest
// physical address. The page must be released with Close.
func AllocatePage() (*Page, error) {
	buf, err := unix.Mmap(-1, 0, tdisp.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_LOCKED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mapping shared page: %w", err)
	}
	// Fault the page in so that pagemap reports a frame.
	buf[0] = 0

	gpa, err := physicalAddress(buf)
	if err != nil {
		return nil, errors.Join(err, unix.Munmap(buf))
	}
	return &Page{Buffer: buf, GPA: gpa}, nil
}

// Close unmaps the page.
func (p *Page) Close() error {
	if p.Buffer == nil {
		return nil
	}
	err := unix.Munmap(p.Buffer)
	p.Buffer = nil
	return err
}

func physicalAddress(buf []byte) (uint64, error) {
	f, err := os.Open(pagemapPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	vaddr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	var entry [pagemapEntrySize]byte
	off := int64(vaddr/tdisp.PageSize) * pagemapEntrySize
	if _, err := unix.Pread(int(f.Fd()), entry[:], off); err != nil {
		return 0, fmt.Errorf("reading %s: %w", pagemapPath, err)
	}
	v := binary.LittleEndian.Uint64(entry[:])
	pfn := v & pagemapFrameNoMask
	if v&pagemapPresent == 0 || pfn == 0 {
		return 0, fmt.Errorf("%w: vaddr %#x", ErrPageNotPresent, vaddr)
	}
	return pfn * tdisp.PageSize, nil
}
