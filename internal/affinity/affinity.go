// Package affinity lists the CPUs available to the process and pins the
// calling OS thread to one of them.
package affinity

import "runtime"

// Available returns the CPU ids the process may run on. When the platform
// cannot report a mask it falls back to 0..NumCPU-1.
func Available() []int {
	if cpus, err := available(); err == nil && len(cpus) > 0 {
		return cpus
	}
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}

// Pin binds the calling OS thread to cpu. The caller must have locked the
// goroutine to its thread with runtime.LockOSThread first.
func Pin(cpu int) error {
	return pin(cpu)
}
