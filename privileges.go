package main

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// dropPrivileges returns the process to the user who invoked sudo, so the
// database and rule files end up owned by them. Guest memory stays readable
// because its descriptors were opened while still root.
func dropPrivileges() error {
	if os.Geteuid() != 0 {
		return nil // nothing to drop
	}

	uidStr := os.Getenv("SUDO_UID")
	gidStr := os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return fmt.Errorf("SUDO_UID and SUDO_GID not set")
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return fmt.Errorf("invalid SUDO_UID: %v", err)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return fmt.Errorf("invalid SUDO_GID: %v", err)
	}

	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("could not drop group privileges: %v", err)
	}

	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("could not drop user privileges: %v", err)
	}

	return nil
}
