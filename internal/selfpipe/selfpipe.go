// Package selfpipe turns asynchronous signals into readability of a
// pipe so an event loop blocked in poll(2) wakes up and handles them
// synchronously.
package selfpipe

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"judgeguard/internal/fdio"
)

// Signals is a set of pending signals.
type Signals uint64

// Has reports whether sig is in the set.
func (s Signals) Has(sig syscall.Signal) bool {
	return sig > 0 && sig < 64 && s&(1<<uint(sig)) != 0
}

// Empty reports whether no signal is pending.
func (s Signals) Empty() bool {
	return s == 0
}

// Pipe records pending signals in an atomic bitmask and writes a single
// byte to a non-blocking pipe for every arrival. The byte carries no
// information; the loop drains the pipe and then reads the bitmask.
type Pipe struct {
	r, w    *fdio.FD
	pending atomic.Uint64

	mu     sync.Mutex
	closed bool

	ch   chan os.Signal
	done chan struct{}
}

// New creates the pipe. Both ends are non-blocking and close-on-exec.
func New() (*Pipe, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	return &Pipe{
		r:    fdio.New(p[0]),
		w:    fdio.New(p[1]),
		done: make(chan struct{}),
	}, nil
}

// Notify relays the given signals into the pipe. Call it before creating
// the processes whose signals are of interest.
func (p *Pipe) Notify(sigs ...os.Signal) {
	if p.ch == nil {
		p.ch = make(chan os.Signal, 32)
		go p.forward()
	}
	signal.Notify(p.ch, sigs...)
}

func (p *Pipe) forward() {
	for {
		select {
		case sig := <-p.ch:
			if s, ok := sig.(syscall.Signal); ok {
				p.Raise(s)
			}
		case <-p.done:
			return
		}
	}
}

// Raise marks sig as pending and wakes the loop. It is safe to call
// from any goroutine, including timer callbacks.
func (p *Pipe) Raise(sig syscall.Signal) {
	if sig <= 0 || sig >= 64 {
		return
	}
	for bit := uint64(1) << uint(sig); ; {
		old := p.pending.Load()
		if p.pending.CompareAndSwap(old, old|bit) {
			break
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	// EAGAIN means a wakeup is already queued.
	_, _ = unix.Write(p.w.Int(), []byte{0})
}

// Fd is the read end to poll for POLLIN.
func (p *Pipe) Fd() int {
	return p.r.Int()
}

// Drain empties the pipe and returns the signals raised since the last
// call.
func (p *Pipe) Drain() Signals {
	var buf [64]byte
	for {
		n, err := unix.Read(p.r.Int(), buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	return Signals(p.pending.Swap(0))
}

// Close stops signal delivery and closes both ends.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.ch != nil {
		signal.Stop(p.ch)
	}
	close(p.done)
	werr := p.w.Close()
	if err := p.r.Close(); err != nil {
		return err
	}
	return werr
}
