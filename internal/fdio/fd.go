// Package fdio provides owned file descriptors whose Close is idempotent.
package fdio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// FD is a file descriptor with single ownership. Closing twice is a no-op.
// A borrowed FD (see Borrow) is never closed.
type FD struct {
	n        int
	borrowed bool
}

// New takes ownership of n.
func New(n int) *FD {
	return &FD{n: n}
}

// Borrow wraps a descriptor owned elsewhere, such as stdout.
func Borrow(n int) *FD {
	return &FD{n: n, borrowed: true}
}

// Int returns the raw descriptor, or -1 once closed.
func (f *FD) Int() int {
	if f == nil {
		return -1
	}
	return f.n
}

// Valid reports whether the descriptor is still open.
func (f *FD) Valid() bool {
	return f != nil && f.n >= 0
}

// Close closes the descriptor once. Closing a nil or already closed FD
// returns nil.
func (f *FD) Close() error {
	if !f.Valid() {
		return nil
	}
	n := f.n
	f.n = -1
	if f.borrowed {
		return nil
	}
	return unix.Close(n)
}

// SetNonblock switches O_NONBLOCK on or off.
func (f *FD) SetNonblock(nonblocking bool) error {
	return unix.SetNonblock(f.n, nonblocking)
}

// Pipe returns a close-on-exec pipe.
func Pipe() (r, w *FD, err error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, err
	}
	return New(p[0]), New(p[1]), nil
}

// Resize sets the pipe buffer of f to size bytes with F_SETPIPE_SZ and
// returns the size the kernel actually granted.
func (f *FD) Resize(size int) (int, error) {
	return unix.FcntlInt(uintptr(f.n), unix.F_SETPIPE_SZ, size)
}

// Set is a growable collection of owned descriptors.
type Set []*FD

// Add takes ownership of fds.
func (s *Set) Add(fds ...*FD) {
	*s = append(*s, fds...)
}

// CloseAll closes every descriptor and returns the joined errors.
func (s Set) CloseAll() error {
	var errs []error
	for _, f := range s {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
