package guest

import (
	"fmt"
	"strings"
)

// Report accumulates one enumeration pass: the records that decoded fully,
// plus counters for everything that did not. It only ever grows while a pass
// runs; a partial or corrupted walk still leaves every record collected so
// far intact.
type Report struct {
	Records   []ProcessRecord
	Visited   int  // node bases the walker yielded
	Skipped   int  // nodes dropped on per-field read failures
	Partial   bool // the walk ended early on an unreadable link field
	Corrupted bool // the walk tripped the iteration ceiling
}

// Decoded reports how many complete records the pass produced.
func (r *Report) Decoded() int {
	return len(r.Records)
}

// Summary renders the pass counters in one line.
func (r *Report) Summary() string {
	s := fmt.Sprintf("visited=%d decoded=%d skipped=%d", r.Visited, r.Decoded(), r.Skipped)
	if r.Partial {
		s += " partial"
	}
	if r.Corrupted {
		s += " corrupted"
	}
	return s
}

// FormatRecord renders one process line the way the console report prints
// them.
func FormatRecord(rec ProcessRecord) string {
	return fmt.Sprintf("[%5d] %-20s (EPROCESS: %s)", rec.PID, sanitizeName(rec.Name), rec.Addr)
}

// sanitizeName keeps guest-controlled bytes from reaching the terminal.
// Anything outside printable ASCII becomes a dot.
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x20 || c > 0x7e {
			c = '.'
		}
		b.WriteByte(c)
	}
	return b.String()
}
