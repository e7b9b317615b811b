package confine

import (
	"strings"

	"judgeguard/internal/fault"
)

// BuildEnv returns the command's environment. Unless preserve is set,
// only PATH survives from base. Each entry of extra holds one or more
// KEY=VALUE pairs separated by ';'; later assignments win.
func BuildEnv(base []string, preserve bool, extra []string) ([]string, error) {
	var keys []string
	values := make(map[string]string)
	set := func(k, v string) {
		if _, ok := values[k]; !ok {
			keys = append(keys, k)
		}
		values[k] = v
	}

	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		if preserve || k == "PATH" {
			set(k, v)
		}
	}
	for _, group := range extra {
		for _, kv := range strings.Split(group, ";") {
			if kv == "" {
				continue
			}
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return nil, fault.Configf("invalid environment variable %q, expected KEY=VALUE", kv)
			}
			set(k, v)
		}
	}

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+values[k])
	}
	return env, nil
}
