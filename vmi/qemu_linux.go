//go:build linux

package vmi

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// qemuMemory reads guest-physical memory out of a live QEMU process through
// /proc/<pid>/mem. The guest's RAM lives in one large host mapping; once
// that mapping is found, guest-physical address p is host virtual address
// base+p. Reads race the running guest, which is fine: a torn page surfaces
// as a decode failure upstream, never as wrong process state.
type qemuMemory struct {
	mem  *os.File
	base uint64
	size uint64
}

func openQEMU(domain string) (backend, error) {
	pid, err := findQEMUProcess(domain)
	if err != nil {
		return nil, err
	}
	base, size, err := findGuestRAM(pid)
	if err != nil {
		return nil, err
	}
	mem, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return nil, fmt.Errorf("failed to open memory of pid %d: %v", pid, err)
	}
	return &qemuMemory{mem: mem, base: base, size: size}, nil
}

func (m *qemuMemory) ReadPhysical(paddr uint64, buf []byte) (int, error) {
	if paddr >= m.size || paddr+uint64(len(buf)) > m.size {
		return 0, fmt.Errorf("%w: 0x%x past 0x%x of guest RAM", ErrOutOfRange, paddr, m.size)
	}
	n, err := m.mem.ReadAt(buf, int64(m.base+paddr))
	if err != nil {
		return n, fmt.Errorf("failed to read guest RAM at 0x%x: %v", paddr, err)
	}
	return n, nil
}

func (m *qemuMemory) Close() error {
	return m.mem.Close()
}

// findQEMUProcess locates the QEMU process serving the named domain by
// scanning /proc cmdlines for a qemu binary started with -name <domain>.
// libvirt spells the value "guest=<domain>,debug-threads=on".
func findQEMUProcess(domain string) (int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, fmt.Errorf("failed to read /proc: %v", err)
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
		if err != nil || len(data) == 0 {
			continue
		}
		args := strings.Split(strings.TrimRight(string(bytes.ReplaceAll(data, []byte{0}, []byte{'\n'})), "\n"), "\n")
		if !strings.Contains(filepath.Base(args[0]), "qemu") {
			continue
		}
		if cmdlineNamesDomain(args, domain) {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("no qemu process found for domain %q", domain)
}

func cmdlineNamesDomain(args []string, domain string) bool {
	for i, arg := range args {
		if arg != "-name" || i+1 >= len(args) {
			continue
		}
		value := args[i+1]
		if value == domain {
			return true
		}
		for _, part := range strings.Split(value, ",") {
			if part == domain || part == "guest="+domain {
				return true
			}
		}
	}
	return false
}

// findGuestRAM picks the mapping backing guest RAM out of /proc/<pid>/maps:
// the largest writable region that is either anonymous or a pc.ram memfd.
func findGuestRAM(pid int) (uint64, uint64, error) {
	file, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open maps of pid %d: %v", pid, err)
	}
	defer file.Close()

	var base, size uint64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		if !strings.HasPrefix(fields[1], "rw") {
			continue
		}
		anonymous := fields[4] == "0" && len(fields) == 5
		if !anonymous && (len(fields) < 6 || !strings.Contains(fields[5], "pc.ram")) {
			continue
		}
		lo, hi, ok := parseRange(fields[0])
		if !ok {
			continue
		}
		if hi-lo > size {
			base, size = lo, hi-lo
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to scan maps of pid %d: %v", pid, err)
	}
	if size == 0 {
		return 0, 0, fmt.Errorf("no guest RAM mapping found in pid %d", pid)
	}
	return base, size, nil
}

func parseRange(s string) (uint64, uint64, bool) {
	lo, hi, found := strings.Cut(s, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return 0, 0, false
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, end, true
}
