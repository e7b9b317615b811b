// Package pipe runs two commands with their standard input and output
// connected to each other, optionally through a logging proxy.
package pipe

import (
	"strings"

	"judgeguard/internal/fault"
)

// Separator splits the two command lines. An argument that really
// starts with '=' is written with one extra '=' in front.
const Separator = "="

type Command struct {
	Name string
	Args []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// SplitCommands parses "CMD1 ARGS... = CMD2 ARGS...".
func SplitCommands(args []string) ([2]Command, error) {
	var cmds [2]Command
	if len(args) == 0 {
		return cmds, fault.Configf("no command specified")
	}

	n := 0
	fresh := true
	for _, arg := range args {
		if arg == Separator {
			n++
			if fresh {
				return cmds, fault.Configf("empty command #%d specified", n)
			}
			if n+1 > len(cmds) {
				return cmds, fault.Configf("too many commands specified: %d > %d", n+1, len(cmds))
			}
			fresh = true
			continue
		}
		if strings.HasPrefix(arg, "==") {
			arg = arg[1:]
		}
		if fresh {
			cmds[n] = Command{Name: arg}
			fresh = false
		} else {
			cmds[n].Args = append(cmds[n].Args, arg)
		}
	}
	n++
	if fresh {
		return cmds, fault.Configf("empty command #%d specified", n)
	}
	if n != len(cmds) {
		return cmds, fault.Configf("%d commands specified, %d required", n, len(cmds))
	}
	return cmds, nil
}
