// Package sharedpage provides a TDISP transport that receives responses in a
// page of guest memory shared with the host. Commands travel over a separate
// channel and carry the page's guest physical address.
package sharedpage

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"
	"github.com/google/go-tdisp/tdisp"
	"github.com/google/go-tdisp/transport"
)

var (
	// ErrBufferTooSmall indicates a response buffer shorter than one page.
	ErrBufferTooSmall = errors.New("shared response buffer is smaller than a page")
	// ErrUnalignedBuffer indicates a response buffer whose guest physical
	// address is not page aligned.
	ErrUnalignedBuffer = errors.New("shared response buffer is not page aligned")
	// ErrNoChannel indicates a Config without a channel to submit commands on.
	ErrNoChannel = errors.New("no command channel configured")
)

// Config configures a shared-page transport.
type Config struct {
	// Buffer is the shared page, at least tdisp.PageSize bytes long.
	Buffer []byte
	// GPA is the guest physical address of Buffer.
	GPA uint64
	// Channel submits encoded commands to the host.
	Channel transport.Channel
}

// Transport exchanges TDISP packets through a shared page. It is safe for
// concurrent use; commands are sent one at a time.
type Transport struct {
	mu  sync.Mutex
	buf []byte
	gpa uint64
	ch  transport.Channel
}

// Open validates cfg and zeroes the shared page.
func Open(cfg Config) (*Transport, error) {
	if cfg.Channel == nil {
		return nil, ErrNoChannel
	}
	if len(cfg.Buffer) < tdisp.PageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBufferTooSmall, len(cfg.Buffer))
	}
	if cfg.GPA%tdisp.PageSize != 0 {
		return nil, fmt.Errorf("%w: gpa %#x", ErrUnalignedBuffer, cfg.GPA)
	}
	t := &Transport{buf: cfg.Buffer[:tdisp.PageSize], gpa: cfg.GPA, ch: cfg.Channel}
	clear(t.buf)
	return t, nil
}

// ResponseGPA implements the transport.ResponseTargeter interface.
func (t *Transport) ResponseGPA() uint64 {
	return t.gpa
}

// Send implements the transport.TDISP interface. The page is cleared before
// the command is submitted, so a host that does not answer is reported as
// tdisp.ErrEmptyResponse rather than a stale response.
func (t *Transport) Send(input []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.buf)
	if err := t.ch.Submit(input); err != nil {
		return nil, fmt.Errorf("submitting command: %w", err)
	}
	n, err := tdisp.ResponseFrameLen(t.buf)
	if err != nil {
		return nil, fmt.Errorf("reading shared page at %#x: %w", t.gpa, err)
	}
	if glog.V(3) {
		glog.Infof("[tdisp] read %d byte response from shared page %#x", n, t.gpa)
	}
	return append([]byte(nil), t.buf[:n]...), nil
}

// Close implements the transport.TDISPCloser interface. It closes the
// channel if it is closable.
func (t *Transport) Close() error {
	if c, ok := t.ch.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
