package vmi

import (
	"errors"
	"fmt"
)

// Address is a location in the guest's virtual address space. It carries no
// meaning outside the session that produced it and is never dereferenced
// directly; all access goes through a Memory.
type Address uint64

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// PageSize is the guest page granularity used for translation and caching.
const PageSize = 0x1000

// PointerSize is the width of a guest pointer. Only 64-bit guests are
// supported.
const PointerSize = 8

// Memory is the hypervisor-side view of a guest consumed by the
// reconstruction engine. Every read can fail at any address for any reason
// (unmapped page, paged-out guest memory, torn translation); callers treat
// read failures as expected and local, never as fatal to a whole pass.
type Memory interface {
	// ResolveSymbol returns the virtual address of a kernel symbol.
	ResolveSymbol(name string) (Address, error)

	// Offset returns the byte offset registered under a semantic field
	// name. The second result reports whether the offset is known for
	// this guest build; absent is a valid state, distinct from an offset
	// that is legitimately zero.
	Offset(name string) (uint64, bool)

	// Read32 reads a 32-bit little-endian scalar at addr.
	Read32(addr Address) (uint32, error)

	// ReadPointer reads a guest pointer at addr.
	ReadPointer(addr Address) (Address, error)

	// ReadString reads a NUL-terminated string at addr, consuming at most
	// max bytes. Truncation at max is silent.
	ReadString(addr Address, max int) (string, error)
}

// PhysicalMemory is a byte-addressable view of guest-physical memory,
// implemented by the session backends and consumed by the translator.
type PhysicalMemory interface {
	// ReadPhysical fills buf from guest-physical address paddr. A short
	// read returns the count actually read and a non-nil error.
	ReadPhysical(paddr uint64, buf []byte) (int, error)
}

// backend is a PhysicalMemory the session owns and must release.
type backend interface {
	PhysicalMemory
	Close() error
}

var (
	// ErrSymbolNotFound marks a kernel symbol the profile does not carry.
	ErrSymbolNotFound = errors.New("kernel symbol not found")

	// ErrNotMapped marks a virtual address with no valid translation.
	ErrNotMapped = errors.New("address not mapped")

	// ErrNonCanonical marks a virtual address outside the canonical halves.
	ErrNonCanonical = errors.New("non-canonical virtual address")

	// ErrOutOfRange marks a physical address beyond the guest's memory.
	ErrOutOfRange = errors.New("physical address out of range")
)
