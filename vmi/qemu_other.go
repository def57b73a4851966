//go:build !linux

package vmi

import (
	"fmt"
	"runtime"
)

// Live domain introspection needs the QEMU process boundary, which only
// exists on Linux hosts. Snapshot images work everywhere.
func openQEMU(domain string) (backend, error) {
	return nil, fmt.Errorf("live introspection of %q is not supported on %s", domain, runtime.GOOS)
}
