package vmi

import (
	"encoding/binary"
	"fmt"
)

// x86-64 long mode, 4-level paging. Entry bits the walk cares about.
const (
	ptePresent  = 1 << 0
	ptePageSize = 1 << 7

	// Physical frame bits 51:12 of a table entry.
	pteFrameMask = 0x000ffffffffff000

	// Leaf frame masks for large pages.
	pte1GFrameMask = 0x000fffffc0000000
	pte2MFrameMask = 0x000fffffffe00000
)

// translate walks the guest's page tables rooted at dtb and returns the
// guest-physical address backing vaddr. Failures are ordinary: the guest
// pages memory out, tears mappings down mid-walk, or the address was never
// mapped at all.
func translate(phys PhysicalMemory, dtb uint64, vaddr Address) (uint64, error) {
	va := uint64(vaddr)

	// Bits 63:47 must be a sign extension of bit 47.
	if hi := va >> 47; hi != 0 && hi != 0x1ffff {
		return 0, fmt.Errorf("%w: %s", ErrNonCanonical, vaddr)
	}

	pml4e, err := readTableEntry(phys, (dtb&pteFrameMask)+((va>>39)&0x1ff)*8)
	if err != nil {
		return 0, err
	}
	if pml4e&ptePresent == 0 {
		return 0, fmt.Errorf("%w: %s (pml4)", ErrNotMapped, vaddr)
	}

	pdpte, err := readTableEntry(phys, (pml4e&pteFrameMask)+((va>>30)&0x1ff)*8)
	if err != nil {
		return 0, err
	}
	if pdpte&ptePresent == 0 {
		return 0, fmt.Errorf("%w: %s (pdpt)", ErrNotMapped, vaddr)
	}
	if pdpte&ptePageSize != 0 {
		return pdpte&pte1GFrameMask | va&0x3fffffff, nil
	}

	pde, err := readTableEntry(phys, (pdpte&pteFrameMask)+((va>>21)&0x1ff)*8)
	if err != nil {
		return 0, err
	}
	if pde&ptePresent == 0 {
		return 0, fmt.Errorf("%w: %s (pd)", ErrNotMapped, vaddr)
	}
	if pde&ptePageSize != 0 {
		return pde&pte2MFrameMask | va&0x1fffff, nil
	}

	pte, err := readTableEntry(phys, (pde&pteFrameMask)+((va>>12)&0x1ff)*8)
	if err != nil {
		return 0, err
	}
	if pte&ptePresent == 0 {
		return 0, fmt.Errorf("%w: %s (pt)", ErrNotMapped, vaddr)
	}

	return pte&pteFrameMask | va&0xfff, nil
}

func readTableEntry(phys PhysicalMemory, paddr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := phys.ReadPhysical(paddr, buf[:]); err != nil {
		return 0, fmt.Errorf("page table entry at 0x%x: %w", paddr, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
