package vmi

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// snapshotMemory serves guest-physical memory out of a raw image file, the
// kind `virsh dump --memory-only --format raw` or a QEMU pmemsave produces.
// Physical address zero is file offset zero.
type snapshotMemory struct {
	file *os.File
	size uint64
}

func openSnapshot(path string) (*snapshotMemory, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory image: %v", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat memory image: %v", err)
	}
	return &snapshotMemory{file: file, size: uint64(info.Size())}, nil
}

func (m *snapshotMemory) ReadPhysical(paddr uint64, buf []byte) (int, error) {
	if paddr >= m.size {
		return 0, fmt.Errorf("%w: 0x%x past 0x%x image end", ErrOutOfRange, paddr, m.size)
	}
	n, err := m.file.ReadAt(buf, int64(paddr))
	if err != nil {
		if errors.Is(err, io.EOF) {
			if n == len(buf) {
				return n, nil
			}
			return n, fmt.Errorf("%w: 0x%x past 0x%x image end", ErrOutOfRange, paddr+uint64(n), m.size)
		}
		return n, fmt.Errorf("failed to read image at 0x%x: %v", paddr, err)
	}
	return n, nil
}

func (m *snapshotMemory) Close() error {
	return m.file.Close()
}
