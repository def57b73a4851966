package vmi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mhmdreda99/VMI-SecurityDemo/profile"
)

// Config selects a guest and how to reach its memory.
type Config struct {
	// Domain names the virtual machine for the live QEMU backend.
	Domain string

	// Profile supplies field offsets, kernel symbols, and the directory
	// table base rooting the kernel address space.
	Profile *profile.Profile

	// SnapshotPath, when set, reads from a raw physical-memory image
	// instead of a live domain.
	SnapshotPath string

	// CachePages bounds the page cache; zero selects DefaultCachePages.
	CachePages int
}

// Session is an open introspection connection to one guest. It implements
// Memory on top of a physical backend, translating virtual addresses through
// the guest's own page tables. A Session is not safe for concurrent use.
type Session struct {
	domain string
	prof   *profile.Profile
	store  backend
	cache  *pageCache
	dtb    uint64
}

// Open acquires guest memory and validates the profile carries enough to
// root the kernel address space. Every Open needs a matching Close.
func Open(cfg Config) (*Session, error) {
	if cfg.Profile == nil {
		return nil, fmt.Errorf("session for %q requires a guest profile", cfg.Domain)
	}
	if cfg.Profile.DTB == 0 {
		return nil, fmt.Errorf("profile %q has no directory table base", cfg.Profile.Name)
	}

	var store backend
	var err error
	if cfg.SnapshotPath != "" {
		store, err = openSnapshot(cfg.SnapshotPath)
	} else {
		store, err = openQEMU(cfg.Domain)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to access guest memory: %v", err)
	}

	pages := cfg.CachePages
	if pages <= 0 {
		pages = DefaultCachePages
	}
	cache, err := newPageCache(store, pages)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Session{
		domain: cfg.Domain,
		prof:   cfg.Profile,
		store:  store,
		cache:  cache,
		dtb:    cfg.Profile.DTB,
	}, nil
}

// Domain reports the guest this session introspects.
func (s *Session) Domain() string {
	return s.domain
}

// Flush drops all cached guest pages. Call it between passes against a live
// guest so a pass never decodes state the guest has already replaced.
func (s *Session) Flush() {
	s.cache.Purge()
}

// CachedPages reports how many guest pages are resident in the cache.
func (s *Session) CachedPages() int {
	return s.cache.Len()
}

// Close releases the memory backend. The session is unusable afterwards.
func (s *Session) Close() error {
	return s.store.Close()
}

// ResolveSymbol maps a kernel symbol to its virtual address. Profile symbol
// values are RVAs against the kernel base; a profile with base zero carries
// absolute addresses.
func (s *Session) ResolveSymbol(name string) (Address, error) {
	rva, ok := s.prof.Symbol(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	return Address(s.prof.KernelBase + rva), nil
}

// Offset exposes the profile's field-offset table.
func (s *Session) Offset(name string) (uint64, bool) {
	return s.prof.Offset(name)
}

// Read32 reads a 32-bit little-endian scalar at addr.
func (s *Session) Read32(addr Address) (uint32, error) {
	var buf [4]byte
	if err := s.readVirtual(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadPointer reads a guest pointer at addr.
func (s *Session) ReadPointer(addr Address) (Address, error) {
	var buf [PointerSize]byte
	if err := s.readVirtual(addr, buf[:]); err != nil {
		return 0, err
	}
	return Address(binary.LittleEndian.Uint64(buf[:])), nil
}

// ReadString reads a NUL-terminated string of at most max bytes at addr.
// Hitting max, or an unreadable page after the first byte came back, both
// return the prefix silently; only a failure on the very first page is an
// error. Guests keep short strings inline and long ones across pages whose
// tails may be paged out, so a readable prefix is still a usable name.
func (s *Session) ReadString(addr Address, max int) (string, error) {
	if max <= 0 {
		return "", fmt.Errorf("string read at %s with bound %d", addr, max)
	}
	out := make([]byte, 0, max)
	pos := uint64(addr)
	for len(out) < max {
		span := PageSize - int(pos%PageSize)
		if remain := max - len(out); span > remain {
			span = remain
		}
		buf := make([]byte, span)
		if err := s.readVirtual(Address(pos), buf); err != nil {
			if len(out) > 0 {
				return string(out), nil
			}
			return "", err
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf...)
		pos += uint64(span)
	}
	return string(out), nil
}

// readVirtual fills buf from guest virtual memory, translating and reading
// page by page so a read may cross mappings.
func (s *Session) readVirtual(addr Address, buf []byte) error {
	pos := uint64(addr)
	done := 0
	for done < len(buf) {
		span := PageSize - int(pos%PageSize)
		if remain := len(buf) - done; span > remain {
			span = remain
		}
		paddr, err := translate(s.cache, s.dtb, Address(pos))
		if err != nil {
			return fmt.Errorf("read at %s: %w", Address(pos), err)
		}
		if _, err := s.cache.ReadPhysical(paddr, buf[done:done+span]); err != nil {
			return fmt.Errorf("read at %s: %w", Address(pos), err)
		}
		done += span
		pos += uint64(span)
	}
	return nil
}
