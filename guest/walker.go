package guest

import (
	"fmt"

	"github.com/mhmdreda99/VMI-SecurityDemo/vmi"
)

// DefaultWalkLimit caps a single list walk. A healthy guest carries at most
// a few thousand processes; a chain two orders of magnitude past that never
// cycles back and is treated as corrupt.
const DefaultWalkLimit = 100 * 1024

// ListWalker traverses a circular intrusive list through the memory
// boundary, yielding the base address of each node: the link field sits
// linkOff bytes into the node, so each base is the link address minus that
// offset. The sequence is lazy and non-restartable. It ends when the walk
// returns to the head, when a link field cannot be read (everything yielded
// so far stands as a partial result), or when the safety ceiling trips.
type ListWalker struct {
	mem     vmi.Memory
	head    vmi.Address
	linkOff uint64
	limit   int

	current vmi.Address
	visited int
	started bool
	done    bool
	corrupt bool
	err     error
}

// NewListWalker returns a walker over the list anchored at head. The head is
// yielded like any other node; callers that want to skip the anchor drop the
// first base themselves.
func NewListWalker(mem vmi.Memory, head vmi.Address, linkOff uint64) *ListWalker {
	return &ListWalker{
		mem:     mem,
		head:    head,
		linkOff: linkOff,
		limit:   DefaultWalkLimit,
		current: head,
	}
}

// SetLimit overrides the corruption ceiling. Values below one are ignored.
func (w *ListWalker) SetLimit(n int) {
	if n >= 1 {
		w.limit = n
	}
}

// Next yields the next node base. It returns false once the walk has ended
// for any reason; Err and Corrupted say why, and Completed reports a clean
// cycle.
func (w *ListWalker) Next() (vmi.Address, bool) {
	if w.done {
		return 0, false
	}
	if w.started {
		next, err := w.mem.ReadPointer(w.current)
		if err != nil {
			w.err = fmt.Errorf("link field at %s: %w", w.current, err)
			w.done = true
			return 0, false
		}
		if next == w.head {
			w.done = true
			return 0, false
		}
		w.current = next
	}
	w.started = true
	if w.visited >= w.limit {
		w.corrupt = true
		w.done = true
		return 0, false
	}
	w.visited++
	return w.current - vmi.Address(w.linkOff), true
}

// Visited reports how many node bases the walker has yielded.
func (w *ListWalker) Visited() int {
	return w.visited
}

// Err reports the link-field read failure that cut the walk short, if any.
func (w *ListWalker) Err() error {
	return w.err
}

// Corrupted reports whether the ceiling ended a walk that never cycled.
func (w *ListWalker) Corrupted() bool {
	return w.corrupt
}

// Completed reports whether the walk closed its cycle back to the head.
func (w *ListWalker) Completed() bool {
	return w.done && w.err == nil && !w.corrupt
}
