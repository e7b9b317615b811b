package main

import (
	"math"
	"strconv"

	"judgeguard/internal/guard"
	"judgeguard/internal/limits"
	"judgeguard/internal/pump"
)

// timeFlag parses SOFT[:HARD] and remembers which clock was given last,
// which decides what time-used reports.
type timeFlag struct {
	limit *limits.TimeLimit
	clock guard.Clock
	last  *guard.Clock
}

func (f *timeFlag) String() string {
	if f.limit == nil || !f.limit.IsSet() {
		return ""
	}
	return f.limit.String()
}

func (f *timeFlag) Set(s string) error {
	tl, err := limits.ParseTimeLimit(s)
	if err != nil {
		return err
	}
	*f.limit = tl
	*f.last = f.clock
	return nil
}

func (f *timeFlag) Type() string { return "soft[:hard]" }

// kbFlag stores a size given in kilobytes as bytes.
type kbFlag struct {
	bytes *uint64
}

func (f *kbFlag) String() string {
	if f.bytes == nil || *f.bytes == limits.Unlimited {
		return ""
	}
	return strconv.FormatUint(*f.bytes/1024, 10)
}

func (f *kbFlag) Set(s string) error {
	b, err := limits.ParseKB(s)
	if err != nil {
		return err
	}
	*f.bytes = b
	return nil
}

func (f *kbFlag) Type() string { return "kB" }

type countFlag struct {
	n *uint64
}

func (f *countFlag) String() string {
	if f.n == nil || *f.n == limits.Unlimited {
		return ""
	}
	return strconv.FormatUint(*f.n, 10)
}

func (f *countFlag) Set(s string) error {
	n, err := limits.ParseCount(s)
	if err != nil {
		return err
	}
	*f.n = n
	return nil
}

func (f *countFlag) Type() string { return "N" }

// streamFlag is the per-stream output ceiling.
type streamFlag struct {
	limit *int64
}

func (f *streamFlag) String() string {
	if f.limit == nil || *f.limit == pump.NoLimit {
		return ""
	}
	return strconv.FormatInt(*f.limit/1024, 10)
}

func (f *streamFlag) Set(s string) error {
	b, err := limits.ParseKB(s)
	if err != nil {
		return err
	}
	if b > math.MaxInt64 {
		*f.limit = pump.NoLimit
		return nil
	}
	*f.limit = int64(b)
	return nil
}

func (f *streamFlag) Type() string { return "kB" }
