package confine

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"judgeguard/internal/fault"
)

// PermissionPolicy decides what happens when the kernel refuses an
// rlimit with EPERM.
type PermissionPolicy string

const (
	// PolicyWarn reports the refusal and keeps the current, lower, limit.
	PolicyWarn PermissionPolicy = "warn"
	// PolicyStrict treats the refusal as fatal.
	PolicyStrict PermissionPolicy = "strict"
)

func (p PermissionPolicy) Valid() bool {
	return p == PolicyWarn || p == PolicyStrict
}

var rlimitResources = map[string]int{
	"RLIMIT_AS":     unix.RLIMIT_AS,
	"RLIMIT_CORE":   unix.RLIMIT_CORE,
	"RLIMIT_CPU":    unix.RLIMIT_CPU,
	"RLIMIT_DATA":   unix.RLIMIT_DATA,
	"RLIMIT_FSIZE":  unix.RLIMIT_FSIZE,
	"RLIMIT_NOFILE": unix.RLIMIT_NOFILE,
	"RLIMIT_NPROC":  unix.RLIMIT_NPROC,
	"RLIMIT_STACK":  unix.RLIMIT_STACK,
}

// RlimitResource maps an rlimit name such as "RLIMIT_CPU" to its number.
func RlimitResource(name string) (int, error) {
	res, ok := rlimitResources[name]
	if !ok {
		return 0, fault.Configf("unknown rlimit %q", name)
	}
	return res, nil
}

// ApplyRlimits sets every rlimit of the calling process. Refusing to
// disable core dumps is always fatal, whatever the policy.
func ApplyRlimits(rls []specs.POSIXRlimit, policy PermissionPolicy, warn func(string)) error {
	return applyRlimits(rls, policy, warn, unix.Setrlimit)
}

func applyRlimits(rls []specs.POSIXRlimit, policy PermissionPolicy, warn func(string), set func(int, *unix.Rlimit) error) error {
	for _, rl := range rls {
		res, err := RlimitResource(rl.Type)
		if err != nil {
			return err
		}
		lim := unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		err = set(res, &lim)
		if err == nil {
			continue
		}
		if err == unix.EPERM && policy != PolicyStrict && rl.Type != "RLIMIT_CORE" {
			warn(fmt.Sprintf("no permission to set resource %s", rl.Type))
			continue
		}
		return fault.OS("setting resource "+rl.Type, err)
	}
	return nil
}

// splitRlimits separates the limits that must wait until after setuid.
func splitRlimits(rls []specs.POSIXRlimit) (early, late []specs.POSIXRlimit) {
	for _, rl := range rls {
		if rl.Type == "RLIMIT_NPROC" {
			late = append(late, rl)
		} else {
			early = append(early, rl)
		}
	}
	return early, late
}
