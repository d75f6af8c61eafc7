// Package loopback connects a guest client to an in-process host emulator.
// Packets still go through the wire encoding in both directions.
package loopback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/go-tdisp/host"
	"github.com/google/go-tdisp/tdisp"
)

var (
	// ErrUnmappedGPA indicates a command whose response address is not a page
	// known to the PageChannel.
	ErrUnmappedGPA = errors.New("response address is not mapped")
	// ErrClosed indicates use after Close.
	ErrClosed = errors.New("loopback transport is closed")
)

// Transport hands every command to a host registry and returns its answer.
type Transport struct {
	mu       sync.Mutex
	registry *host.Registry
}

// New returns a transport that talks to r.
func New(r *host.Registry) *Transport {
	return &Transport{registry: r}
}

// Send implements the transport.TDISP interface.
func (t *Transport) Send(input []byte) ([]byte, error) {
	t.mu.Lock()
	r := t.registry
	t.mu.Unlock()
	if r == nil {
		return nil, ErrClosed
	}
	return r.HandlePacket(input)
}

// Close implements the transport.TDISPCloser interface.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registry = nil
	return nil
}

// PageChannel plays the host side of a shared-page transport: it handles each
// submitted command and writes the response into the guest page named by the
// command's response address.
type PageChannel struct {
	registry *host.Registry

	mu    sync.Mutex
	pages map[uint64][]byte
}

// NewPageChannel returns a channel that answers with r.
func NewPageChannel(r *host.Registry) *PageChannel {
	return &PageChannel{registry: r, pages: make(map[uint64][]byte)}
}

// Map makes page reachable at gpa.
func (c *PageChannel) Map(gpa uint64, page []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[gpa] = page
}

// Unmap removes the page at gpa.
func (c *PageChannel) Unmap(gpa uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pages, gpa)
}

// Submit implements the transport.Channel interface.
func (c *PageChannel) Submit(cmd []byte) error {
	hdr, err := tdisp.UnmarshalCommandHeader(cmd)
	if err != nil {
		return err
	}
	c.mu.Lock()
	page, ok := c.pages[hdr.ResponseGPA]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnmappedGPA, hdr.ResponseGPA)
	}

	rsp, err := c.registry.HandlePacket(cmd)
	if err != nil {
		return err
	}
	if len(rsp) > len(page) {
		return fmt.Errorf("%d byte response does not fit the %d byte page", len(rsp), len(page))
	}
	copy(page, rsp)
	return nil
}
