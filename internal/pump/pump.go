// Package pump copies bytes from a pipe to a destination descriptor
// with an optional byte ceiling.
package pump

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"judgeguard/internal/fdio"
)

const bufSize = 64 * 1024

// NoLimit disables the byte ceiling of a stream.
const NoLimit int64 = -1

// ErrDrainDeadline is returned by Drain when data kept arriving (or the
// destination stayed full) until the deadline.
var ErrDrainDeadline = errors.New("drain deadline exceeded")

// Stream forwards one pipe. Bytes beyond the ceiling, and all bytes
// after the destination reported a broken pipe, are still read from the
// source so the writer never stalls, but they are discarded.
type Stream struct {
	Name string

	// Limit is the maximum number of bytes forwarded, or NoLimit.
	Limit int64

	// Read counts every byte consumed from the source; Passed counts the
	// bytes written to the destination. Bytes still pending when the
	// destination goes away are never counted as passed.
	Read   int64
	Passed int64

	// Tap, if set, sees every forwarded chunk before it is written.
	Tap func([]byte)

	// CloseDstOnEOF closes the destination once the source is exhausted,
	// propagating end-of-file to the reader on the other side.
	CloseDstOnEOF bool

	src, dst *fdio.FD
	splice   bool
	broken   bool
	pending  []byte
	buf      []byte
}

// New creates a stream from src to dst. The stream owns src; it owns dst
// only if CloseDstOnEOF is set.
func New(name string, src, dst *fdio.FD, limit int64) *Stream {
	return &Stream{
		Name:  name,
		Limit: limit,
		src:   src,
		dst:   dst,
		buf:   make([]byte, bufSize),
	}
}

// UseSplice enables the zero-copy splice(2) path. It falls back to
// read/write on the first EINVAL and is never used together with Tap.
func (s *Stream) UseSplice(on bool) {
	s.splice = on
}

func (s *Stream) Src() *fdio.FD { return s.src }
func (s *Stream) Dst() *fdio.FD { return s.dst }

// Open reports whether the source has not reached end-of-file yet.
func (s *Stream) Open() bool {
	return s.src.Valid()
}

// Pending reports whether forwarded bytes still wait for the destination.
func (s *Stream) Pending() bool {
	return len(s.pending) > 0
}

// Broken reports whether the destination has gone away.
func (s *Stream) Broken() bool {
	return s.broken
}

// Truncated reports whether any byte read was not forwarded.
func (s *Stream) Truncated() bool {
	return s.Read > s.Passed
}

// WantsRead reports whether the source should be polled for input.
func (s *Stream) WantsRead() bool {
	return s.src.Valid() && len(s.pending) == 0
}

// WantsWrite reports whether the destination should be polled for space.
func (s *Stream) WantsWrite() bool {
	return len(s.pending) > 0 && s.dst.Valid()
}

// Step does one unit of work: it flushes pending bytes if there are any,
// otherwise it performs a single read (or splice) from the source. It
// returns the number of bytes consumed from the source. EAGAIN and EINTR
// are not errors.
func (s *Stream) Step() (int, error) {
	if len(s.pending) > 0 {
		return 0, s.write(s.pending)
	}
	if !s.src.Valid() {
		return 0, nil
	}

	want := bufSize
	forward := !s.broken && s.dst.Valid()
	if s.Limit >= 0 {
		remaining := s.Limit - s.Passed
		if remaining <= 0 {
			forward = false
		} else if remaining < int64(want) {
			want = int(remaining)
		}
	}
	if !forward {
		want = bufSize
	}

	if forward && s.splice && s.Tap == nil {
		n, err := unix.Splice(s.src.Int(), nil, s.dst.Int(), nil, want, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
		switch {
		case err == unix.EINVAL:
			s.splice = false
		case err == unix.EPIPE:
			s.breakDst()
			return 0, nil
		case err == unix.EAGAIN || err == unix.EINTR:
			return 0, nil
		case err != nil:
			return 0, err
		case n == 0:
			return 0, s.eof()
		default:
			s.Read += n
			s.Passed += n
			return int(n), nil
		}
	}

	n, err := unix.Read(s.src.Int(), s.buf[:want])
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, nil
	case err != nil:
		return 0, err
	case n == 0:
		return 0, s.eof()
	}
	s.Read += int64(n)
	if !forward {
		return n, nil
	}
	chunk := s.buf[:n]
	if s.Tap != nil {
		s.Tap(chunk)
	}
	return n, s.write(chunk)
}

func (s *Stream) write(p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(s.dst.Int(), p)
		if n > 0 {
			p = p[n:]
			s.Passed += int64(n)
		}
		switch {
		case err == nil, err == unix.EINTR:
		case err == unix.EAGAIN:
			s.pending = append(s.pending[:0], p...)
			return nil
		case err == unix.EPIPE:
			s.breakDst()
			return nil
		default:
			return err
		}
	}
	s.pending = s.pending[:0]
	if !s.src.Valid() && s.CloseDstOnEOF {
		return s.dst.Close()
	}
	return nil
}

func (s *Stream) breakDst() {
	s.broken = true
	s.pending = nil
	if s.CloseDstOnEOF {
		s.dst.Close()
	}
}

func (s *Stream) eof() error {
	err := s.src.Close()
	if s.CloseDstOnEOF && len(s.pending) == 0 {
		if cerr := s.dst.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// CloseDst closes the destination and drops what is pending for it.
// The source is still read, but its data is discarded.
func (s *Stream) CloseDst() error {
	s.pending = nil
	return s.dst.Close()
}

// Close releases the source, and the destination if the stream owns it.
func (s *Stream) Close() error {
	s.pending = nil
	err := s.src.Close()
	if s.CloseDstOnEOF {
		if cerr := s.dst.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Drain forwards whatever the source still holds. It reads only while
// poll reports the source readable, so a writer that is still alive
// cannot block it. Pending bytes are flushed as the destination accepts
// them, until deadline.
func (s *Stream) Drain(deadline time.Time) error {
	for {
		if len(s.pending) > 0 {
			ready, err := waitFD(s.dst.Int(), unix.POLLOUT, time.Until(deadline))
			if err != nil {
				return err
			}
			if !ready {
				return ErrDrainDeadline
			}
			if err := s.write(s.pending); err != nil {
				return err
			}
			continue
		}
		if !s.src.Valid() {
			if s.CloseDstOnEOF {
				return s.dst.Close()
			}
			return nil
		}
		ready, err := waitFD(s.src.Int(), unix.POLLIN, 0)
		if err != nil {
			return err
		}
		if !ready {
			return nil
		}
		if _, err := s.Step(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return ErrDrainDeadline
		}
	}
}

func waitFD(fd int, events int16, timeout time.Duration) (bool, error) {
	ms := int(timeout.Milliseconds())
	if ms < 0 {
		ms = 0
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return false, unix.EBADF
		}
		return true, nil
	}
}
