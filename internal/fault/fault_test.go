package fault

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"with op", OS("opening file", syscall.ENOENT), "opening file: no such file or directory"},
		{"without op", Configf("bad value %d", 3), "bad value 3"},
		{"nil wrapped", Internal("x", nil), "x: unknown error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOriginOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Origin
	}{
		{"config", Config("parsing", ErrInvalidLimit), OriginConfig},
		{"os", OS("kill", syscall.EPERM), OriginOS},
		{"cgroup", Cgroup("delete", syscall.EBUSY), OriginCgroup},
		{"wrapped", fmt.Errorf("setup: %w", Cgroup("create", syscall.EACCES)), OriginCgroup},
		{"plain", errors.New("boom"), OriginInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OriginOf(tt.err); got != tt.want {
				t.Errorf("OriginOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	err := Config("checking user", ErrUserNotAllowed)
	if !errors.Is(err, ErrUserNotAllowed) {
		t.Error("errors.Is(err, ErrUserNotAllowed) = false, want true")
	}
	if !IsConfig(err) {
		t.Error("IsConfig() = false, want true")
	}
	if IsConfig(nil) {
		t.Error("IsConfig(nil) = true, want false")
	}

	var errno syscall.Errno
	if !errors.As(OS("chroot", syscall.EPERM), &errno) || errno != syscall.EPERM {
		t.Errorf("errors.As errno = %v, want EPERM", errno)
	}
}

func TestParseOrigin(t *testing.T) {
	for _, o := range []Origin{OriginInternal, OriginConfig, OriginOS, OriginCgroup} {
		if got := ParseOrigin(o.String()); got != o {
			t.Errorf("ParseOrigin(%q) = %s, want %s", o.String(), got, o)
		}
	}
}
