package guest

import (
	"fmt"

	"github.com/mhmdreda99/VMI-SecurityDemo/vmi"
)

// ScanConfig bounds the heuristic pointer scan. The window and predicate are
// tunables, not validated structure offsets: the scan counts plausible
// kernel pointers inside a byte window, it decodes nothing.
type ScanConfig struct {
	Start  uint64 // first byte offset probed inside the node
	End    uint64 // one past the last offset probed
	Stride uint64 // probe spacing

	// A value is classified as a kernel pointer when it falls strictly
	// between KernelFloor and KernelCeil.
	KernelFloor vmi.Address
	KernelCeil  vmi.Address

	MinPID     uint32 // processes with PID at or below this are skipped
	MaxSamples int    // pointer values retained per node
	MaxNodes   int    // nodes analyzed per pass
}

// DefaultScanConfig covers the thread-bookkeeping region of 64-bit Windows
// process nodes, with the sampling caps the console report has always used.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		Start:       0x150,
		End:         0x200,
		Stride:      8,
		KernelFloor: 0xfffff80000000000,
		KernelCeil:  0xffffffffffffffff,
		MinPID:      4,
		MaxSamples:  3,
		MaxNodes:    10,
	}
}

// PointerHit is one word in the scan window that passed the range predicate.
type PointerHit struct {
	Offset uint64 // byte offset inside the node
	Value  vmi.Address
}

// ScanResult summarizes the scan of one node.
type ScanResult struct {
	PID     uint32
	Name    string
	Base    vmi.Address
	Matches int
	Samples []PointerHit // first MaxSamples hits, in window order
}

// ScanPointers probes the window within one node and classifies each word.
// Unreadable words are skipped in place; the scan itself never fails.
func ScanPointers(mem vmi.Memory, base vmi.Address, cfg ScanConfig) (int, []PointerHit) {
	if cfg.Stride == 0 || cfg.End <= cfg.Start {
		return 0, nil
	}
	matches := 0
	var samples []PointerHit
	for off := cfg.Start; off < cfg.End; off += cfg.Stride {
		value, err := mem.ReadPointer(base + vmi.Address(off))
		if err != nil {
			continue
		}
		if value > cfg.KernelFloor && value < cfg.KernelCeil {
			matches++
			if len(samples) < cfg.MaxSamples {
				samples = append(samples, PointerHit{Offset: off, Value: value})
			}
		}
	}
	return matches, samples
}

// FormatScanResult renders one node's scan for the console report.
func FormatScanResult(r ScanResult) string {
	s := fmt.Sprintf("Process [%d] %s:\n", r.PID, sanitizeName(r.Name))
	for _, hit := range r.Samples {
		s += fmt.Sprintf("    Thread-related pointer at +0x%x: %s\n", hit.Offset, hit.Value)
	}
	if r.Matches > 0 {
		s += fmt.Sprintf("    Estimated thread-related structures: %d", r.Matches)
	} else {
		s += "    Process structure accessible (thread details require kernel symbols)"
	}
	return s
}
