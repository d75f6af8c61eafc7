// Package tcp carries TDISP packets between a guest and a host emulator over
// a stream connection. Each packet is framed as a big-endian uint32 length
// followed by the packet bytes. A zero-length response frame means the host
// could not handle the command.
package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/golang/glog"
	"github.com/google/go-tdisp/tdisp"
	"golang.org/x/sync/errgroup"
)

var (
	ErrFrameTooBig   = errors.New("frame too big")
	ErrTransport     = errors.New("TCP transport error")
	ErrEmptyResponse = errors.New("host returned empty response (is the device registered?)")
)

const (
	// maxFrameSize bounds both commands and responses.
	maxFrameSize = tdisp.PageSize
)

// Handler answers one encoded command. host.Registry and host.Emulator are
// Handlers.
type Handler interface {
	HandlePacket(cmd []byte) ([]byte, error)
}

// Config provides the connection information for a TDISP host.
type Config struct {
	// Address is the address of the host, e.g. "localhost:2340" or a socket
	// path for the "unix" network.
	Address string
	// Network is "tcp" if empty.
	Network string
}

// Conn is a guest-side connection to a host.
type Conn struct {
	mu   sync.Mutex
	conn net.Conn
}

// Open connects to the host described by config.
func Open(config Config) (*Conn, error) {
	network := config.Network
	if network == "" {
		network = "tcp"
	}
	conn, err := net.Dial(network, config.Address)
	if err != nil {
		return nil, fmt.Errorf("could not dial %q: %w", config.Address, err)
	}
	return &Conn{conn: conn}, nil
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// Send implements the transport.TDISP interface.
func (c *Conn) Send(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeFrame(c.conn, cmd); err != nil {
		return nil, fmt.Errorf("%w: could not send TDISP command to host: %v", ErrTransport, err)
	}
	rsp, err := readFrame(c.conn)
	if err != nil {
		if errors.Is(err, ErrFrameTooBig) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: could not read TDISP response from host: %v", ErrTransport, err)
	}
	if len(rsp) == 0 {
		return nil, ErrEmptyResponse
	}
	return rsp, nil
}

// Close implements the transport.TDISPCloser interface.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func writeFrame(w io.Writer, b []byte) error {
	if len(b) > maxFrameSize {
		return fmt.Errorf("%w: %v bytes, max %v", ErrFrameTooBig, len(b), maxFrameSize)
	}
	frame := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(b)), uint32(len(b)))
	frame = append(frame, b...)
	if n, err := w.Write(frame); err != nil {
		return err
	} else if n != len(frame) {
		return fmt.Errorf("only sent %v out of %v bytes", n, len(frame))
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n > maxFrameSize {
		return nil, fmt.Errorf("%w: frame (%v bytes) was bigger than max size (%v bytes)", ErrFrameTooBig, n, maxFrameSize)
	}
	b := make([]byte, int(n))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Serve accepts connections on l and answers every command on them with h
// until ctx is done. It closes l before returning.
func Serve(ctx context.Context, l net.Listener, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	g.Go(func() error {
		<-ctx.Done()
		l.Close()
		mu.Lock()
		defer mu.Unlock()
		for c := range conns {
			c.Close()
		}
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: accept: %v", ErrTransport, err)
			}
			mu.Lock()
			if ctx.Err() != nil {
				mu.Unlock()
				conn.Close()
				return nil
			}
			conns[conn] = struct{}{}
			mu.Unlock()
			g.Go(func() error {
				defer func() {
					mu.Lock()
					delete(conns, conn)
					mu.Unlock()
					conn.Close()
				}()
				serveConn(conn, h)
				return nil
			})
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveConn answers commands on conn until the peer goes away.
func serveConn(conn net.Conn, h Handler) {
	if glog.V(1) {
		glog.Infof("[tdisp] guest connected from %v", conn.RemoteAddr())
	}
	for {
		cmd, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				glog.Warningf("[tdisp] reading command from %v: %v", conn.RemoteAddr(), err)
			}
			return
		}
		rsp, err := h.HandlePacket(cmd)
		if err != nil {
			glog.Errorf("[tdisp] dropping command from %v: %v", conn.RemoteAddr(), err)
			rsp = nil
		}
		if err := writeFrame(conn, rsp); err != nil {
			glog.Warningf("[tdisp] writing response to %v: %v", conn.RemoteAddr(), err)
			return
		}
	}
}
