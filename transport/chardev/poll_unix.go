//go:build linux || darwin

package chardev

import (
	"os"

	"golang.org/x/sys/unix"
)

// polledFile waits for the host to post a response before each Read.
type polledFile struct {
	*os.File
}

// Read blocks until the file descriptor is ready for reading, then reads.
func (f polledFile) Read(p []byte) (int, error) {
	const (
		events  = unix.POLLIN
		timeout = -1 // block until the host answers
	)
	pollFds := []unix.PollFd{
		{Fd: int32(f.Fd()), Events: events},
	}
	for {
		_, err := unix.Poll(pollFds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		break
	}
	return f.File.Read(p)
}

func wrap(f *os.File) polledFile {
	return polledFile{f}
}
