package confine

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"judgeguard/internal/fault"
)

// DefaultNamespaces are the namespaces a command gets unless configured
// otherwise. There is no user namespace: ids are dropped directly.
func DefaultNamespaces() []specs.LinuxNamespace {
	return []specs.LinuxNamespace{
		{Type: specs.IPCNamespace},
		{Type: specs.NetworkNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.UTSNamespace},
	}
}

var cloneFlags = map[specs.LinuxNamespaceType]uintptr{
	specs.IPCNamespace:     unix.CLONE_NEWIPC,
	specs.NetworkNamespace: unix.CLONE_NEWNET,
	specs.MountNamespace:   unix.CLONE_NEWNS,
	specs.UTSNamespace:     unix.CLONE_NEWUTS,
	specs.PIDNamespace:     unix.CLONE_NEWPID,
	specs.CgroupNamespace:  unix.CLONE_NEWCGROUP,
}

// ParseNamespaces converts names such as "network" or "ipc".
func ParseNamespaces(names []string) ([]specs.LinuxNamespace, error) {
	out := make([]specs.LinuxNamespace, 0, len(names))
	for _, n := range names {
		t := specs.LinuxNamespaceType(n)
		if _, ok := cloneFlags[t]; !ok {
			return nil, fault.Configf("unsupported namespace %q", n)
		}
		out = append(out, specs.LinuxNamespace{Type: t})
	}
	return out, nil
}

// CloneFlags returns the clone(2) flags that create the namespaces.
func CloneFlags(ns []specs.LinuxNamespace) uintptr {
	var flags uintptr
	for _, n := range ns {
		flags |= cloneFlags[n.Type]
	}
	return flags
}
