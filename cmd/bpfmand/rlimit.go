package main

import (
	"fmt"

	"github.com/cilium/ebpf/rlimit"
)

// ensureMemlockRemoved lifts RLIMIT_MEMLOCK before the first program or
// map load. Kernels before 5.11 account eBPF object memory against this
// limit, so without it every load fails with EPERM once the default
// (often 64KB) limit is exhausted — the same reason bpfd's main.rs
// calls setrlimit(RLIMIT_MEMLOCK, INFINITY, INFINITY) unconditionally at
// startup.
func ensureMemlockRemoved() error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("rlimit.RemoveMemlock: %w", err)
	}
	return nil
}
