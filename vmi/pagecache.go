package vmi

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCachePages is the page-cache capacity when the config leaves it
// unset: 4 MiB of guest memory.
const DefaultCachePages = 1024

// pageCache fronts a PhysicalMemory with an LRU cache of whole guest page
// frames. Only pages that read back successfully are cached, so a failed
// read always reaches the backend again on the next attempt. Page-table
// walks hit the same few frames over and over; this is where the cache pays
// for itself.
type pageCache struct {
	backend PhysicalMemory
	pages   *lru.Cache
}

func newPageCache(backend PhysicalMemory, capacity int) (*pageCache, error) {
	pages, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize page cache: %v", err)
	}
	return &pageCache{backend: backend, pages: pages}, nil
}

func (c *pageCache) ReadPhysical(paddr uint64, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		cur := paddr + uint64(total)
		frame := cur &^ (PageSize - 1)
		page, err := c.page(frame)
		if err != nil {
			return total, err
		}
		total += copy(buf[total:], page[cur-frame:])
	}
	return total, nil
}

func (c *pageCache) page(frame uint64) ([]byte, error) {
	if cached, ok := c.pages.Get(frame); ok {
		return cached.([]byte), nil
	}
	page := make([]byte, PageSize)
	if _, err := c.backend.ReadPhysical(frame, page); err != nil {
		return nil, err
	}
	c.pages.Add(frame, page)
	return page, nil
}

// Purge drops every cached page.
func (c *pageCache) Purge() {
	c.pages.Purge()
}

// Len reports the number of resident pages.
func (c *pageCache) Len() int {
	return c.pages.Len()
}
