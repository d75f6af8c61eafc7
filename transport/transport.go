// Package transport implements types for carrying TDISP commands from a guest
// to the host that owns the device.
package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/go-tdisp/tdisp"
)

// ErrEmptyRead indicates that the host produced a zero-length response.
var ErrEmptyRead = errors.New("transport read an empty response")

// TDISP represents a logical connection to the host-side TDISP emulator.
// Send blocks until the host has answered or the transport has failed.
type TDISP interface {
	Send(input []byte) ([]byte, error)
}

// TDISPCloser represents a logical connection that must be closed.
type TDISPCloser interface {
	TDISP
	io.Closer
}

// ResponseTargeter is implemented by transports that tell the host where to
// write the response. The returned guest physical address is stamped into
// every command before it is encoded.
type ResponseTargeter interface {
	ResponseGPA() uint64
}

// Channel submits an encoded command without reading a response. The host
// delivers the response somewhere else, such as a shared page.
type Channel interface {
	Submit(cmd []byte) error
}

// wrappedRWC is a TDISPCloser over a device file or socket that returns one
// complete response per Read.
type wrappedRWC struct {
	transport io.ReadWriteCloser
}

// FromReadWriteCloser wraps a stream-oriented transport where each Write is a
// whole command and the following Read returns the whole response.
func FromReadWriteCloser(rw io.ReadWriteCloser) TDISPCloser {
	return &wrappedRWC{transport: rw}
}

// Send implements the TDISP interface.
func (t *wrappedRWC) Send(input []byte) ([]byte, error) {
	if n, err := t.transport.Write(input); err != nil {
		return nil, fmt.Errorf("writing command: %w", err)
	} else if n != len(input) {
		return nil, fmt.Errorf("short write: %d of %d bytes", n, len(input))
	}
	buf := make([]byte, tdisp.PageSize)
	n, err := t.transport.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if n == 0 {
		return nil, ErrEmptyRead
	}
	return buf[:n], nil
}

// Close implements the TDISPCloser interface.
func (t *wrappedRWC) Close() error {
	return t.transport.Close()
}
