package limits

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"judgeguard/internal/fault"
)

// OnlineCPUsPath lists the CPUs the kernel considers online.
const OnlineCPUsPath = "/sys/devices/system/cpu/online"

// ParseCPUSet expands a cpuset list such as "0-3,6" into sorted CPU
// numbers without duplicates.
func ParseCPUSet(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty cpuset", fault.ErrInvalidLimit)
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil || first < 0 {
			return nil, fmt.Errorf("%w: bad cpuset element %q", fault.ErrInvalidLimit, part)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil || last < first {
				return nil, fmt.Errorf("%w: bad cpuset range %q", fault.ErrInvalidLimit, part)
			}
		}
		for c := first; c <= last; c++ {
			cpus = append(cpus, c)
		}
	}
	slices.Sort(cpus)
	return slices.Compact(cpus), nil
}

// CheckCPUSet verifies that every CPU in the list is online according to
// the file at onlinePath.
func CheckCPUSet(cpuset, onlinePath string) error {
	want, err := ParseCPUSet(cpuset)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(onlinePath)
	if err != nil {
		return fmt.Errorf("reading online cpus: %w", err)
	}
	online, err := ParseCPUSet(string(data))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", onlinePath, err)
	}
	for _, c := range want {
		if _, found := slices.BinarySearch(online, c); !found {
			return fmt.Errorf("%w: cpu %d in cpuset %q is not online", fault.ErrInvalidLimit, c, cpuset)
		}
	}
	return nil
}
