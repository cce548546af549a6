package main

import (
	"fmt"

	"github.com/moby/sys/capability"
)

// dropCapabilities drops every capability except CAP_BPF (program/map
// syscalls) and CAP_NET_ADMIN (TC qdisc/filter management), called once
// the initial load/attach path no longer needs the full root capability
// set. Best-effort: a failure here is logged by the caller, not fatal.
func dropCapabilities() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("capability.NewPid2: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("capability.Load: %w", err)
	}

	caps.Clear(capability.CAPS)
	caps.Set(capability.EFFECTIVE|capability.PERMITTED|capability.INHERITABLE,
		capability.CAP_BPF, capability.CAP_NET_ADMIN)

	if err := caps.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("capability.Apply: %w", err)
	}
	return nil
}
