// Package fault classifies the errors raised while supervising a run.
package fault

import (
	"errors"
	"fmt"
)

// ExitFailure is the exit status used when a supervisor itself failed,
// as opposed to passing through the status of the supervised command.
const ExitFailure = 255

// Origin tells where an error came from.
type Origin int

const (
	OriginInternal Origin = iota
	OriginConfig
	OriginOS
	OriginCgroup
)

func (o Origin) String() string {
	switch o {
	case OriginConfig:
		return "config"
	case OriginOS:
		return "os"
	case OriginCgroup:
		return "cgroup"
	default:
		return "internal"
	}
}

// ParseOrigin is the inverse of Origin.String. Unknown names map to
// OriginInternal.
func ParseOrigin(s string) Origin {
	switch s {
	case "config":
		return OriginConfig
	case "os":
		return OriginOS
	case "cgroup":
		return OriginCgroup
	default:
		return OriginInternal
	}
}

// Sentinel errors for typed error checking.
var (
	ErrInvalidLimit        = errors.New("invalid limit")
	ErrUserNotAllowed      = errors.New("user not in list of valid users")
	ErrOutsideChrootPrefix = errors.New("root directory outside of allowed prefix")
	ErrLeftoverProcesses   = errors.New("processes left behind in cgroup")
	ErrStillRoot           = errors.New("root privileges not dropped")
	ErrNotCgroup2          = errors.New("not a cgroup v2 mount")
)

// Error wraps an error with the failed operation and its origin.
type Error struct {
	Origin Origin
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(origin Origin, op string, err error) *Error {
	if err == nil {
		err = errors.New("unknown error")
	}
	return &Error{Origin: origin, Op: op, Err: err}
}

// Config reports invalid input: bad flags, limits or users.
func Config(op string, err error) *Error { return newError(OriginConfig, op, err) }

// OS reports a failed system call.
func OS(op string, err error) *Error { return newError(OriginOS, op, err) }

// Cgroup reports a failure driving the cgroup filesystem.
func Cgroup(op string, err error) *Error { return newError(OriginCgroup, op, err) }

// Internal reports a broken invariant.
func Internal(op string, err error) *Error { return newError(OriginInternal, op, err) }

// Configf builds a configuration error from a format string.
func Configf(format string, args ...any) *Error {
	return Config("", fmt.Errorf(format, args...))
}

// Internalf builds an internal error from a format string.
func Internalf(format string, args ...any) *Error {
	return Internal("", fmt.Errorf(format, args...))
}

// OriginOf returns the origin of the outermost *Error in err's chain, or
// OriginInternal if there is none.
func OriginOf(err error) Origin {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Origin
	}
	return OriginInternal
}

// IsConfig returns true if the error was caused by invalid input.
func IsConfig(err error) bool {
	return err != nil && OriginOf(err) == OriginConfig
}
