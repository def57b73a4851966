package guest

import (
	"fmt"
	"strings"

	"github.com/mhmdreda99/VMI-SecurityDemo/profile"
	"github.com/mhmdreda99/VMI-SecurityDemo/vmi"
)

// newProcessWalk wires up the shared skeleton of every pass: the link-field
// offset, a validated decoder, and a walker anchored at the process list
// head. Any failure here is structural: the feature is unavailable on this
// guest, nothing was partially produced.
func newProcessWalk(mem vmi.Memory) (*ProcessDecoder, *ListWalker, error) {
	tasksOff, ok := mem.Offset(profile.OffsetTasks)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingOffset, profile.OffsetTasks)
	}
	dec, err := NewProcessDecoder(mem)
	if err != nil {
		return nil, nil, err
	}
	head, err := mem.ResolveSymbol(profile.SymProcessListHead)
	if err != nil {
		return nil, nil, fmt.Errorf("process list head: %w", err)
	}
	return dec, NewListWalker(mem, head, tasksOff), nil
}

// EnumerateProcesses walks the guest's active-process list and decodes one
// record per readable node. Per-node read failures skip that node; a broken
// link field ends the walk with everything collected so far; a walk that
// never cycles is cut off and flagged. Only missing offsets or an
// unresolvable list head fail the pass outright.
func EnumerateProcesses(mem vmi.Memory) (*Report, error) {
	dec, walker, err := newProcessWalk(mem)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for {
		base, ok := walker.Next()
		if !ok {
			break
		}
		rec, err := dec.Decode(base)
		if err != nil {
			report.Skipped++
			continue
		}
		report.Records = append(report.Records, *rec)
	}
	report.Visited = walker.Visited()
	report.Partial = walker.Err() != nil
	report.Corrupted = walker.Corrupted()
	return report, nil
}

// AccessConfig bounds the memory-accessibility pass over user processes.
type AccessConfig struct {
	MinPID      uint32   // processes with PID at or below this are skipped
	NameMarks   []string // substrings marking a user process image
	ProbeOffset uint64   // node-relative word probed for readability
	MaxNodes    int      // nodes analyzed per pass
}

// DefaultAccessConfig matches the console report's long-standing behavior:
// user processes only, probing one word past the scheduling fields.
func DefaultAccessConfig() AccessConfig {
	return AccessConfig{
		MinPID:      100,
		NameMarks:   []string{".exe", "explorer"},
		ProbeOffset: 0x100,
		MaxNodes:    10,
	}
}

// AccessResult records whether one user process's structure was readable.
type AccessResult struct {
	PID         uint32
	Name        string
	Base        vmi.Address
	Readable    bool
	ProbeOffset uint64
	Probe       uint32 // the word at the probe offset, when readable
}

// AccessReport is the outcome of one accessibility pass.
type AccessReport struct {
	Results   []AccessResult
	Partial   bool
	Corrupted bool
}

// AnalyzeMemoryAccess re-walks the process list and, for each user process
// matching the config, probes whether its structure is readable from the
// hypervisor side. The pass stops at the analyzed-node ceiling no matter how
// long the list runs.
func AnalyzeMemoryAccess(mem vmi.Memory, cfg AccessConfig) (*AccessReport, error) {
	dec, walker, err := newProcessWalk(mem)
	if err != nil {
		return nil, err
	}

	report := &AccessReport{}
	for len(report.Results) < cfg.MaxNodes {
		base, ok := walker.Next()
		if !ok {
			break
		}
		rec, err := dec.Decode(base)
		if err != nil {
			continue
		}
		if rec.PID <= cfg.MinPID || !nameMatches(rec.Name, cfg.NameMarks) {
			continue
		}
		result := AccessResult{PID: rec.PID, Name: rec.Name, Base: base, ProbeOffset: cfg.ProbeOffset}
		if probe, err := mem.Read32(base + vmi.Address(cfg.ProbeOffset)); err == nil {
			result.Readable = true
			result.Probe = probe
		}
		report.Results = append(report.Results, result)
	}
	report.Partial = walker.Err() != nil
	report.Corrupted = walker.Corrupted()
	return report, nil
}

func nameMatches(name string, marks []string) bool {
	for _, mark := range marks {
		if strings.Contains(name, mark) {
			return true
		}
	}
	return false
}

// ScanReport is the outcome of one heuristic pointer-scan pass.
type ScanReport struct {
	Results   []ScanResult
	Partial   bool
	Corrupted bool
}

// ScanThreadPointers walks the process list and runs the window scan on each
// node past the PID floor, up to the analyzed-node ceiling. Nodes that fail
// to decode are passed over; within a node, unreadable words are skipped by
// the scan itself.
func ScanThreadPointers(mem vmi.Memory, cfg ScanConfig) (*ScanReport, error) {
	dec, walker, err := newProcessWalk(mem)
	if err != nil {
		return nil, err
	}

	report := &ScanReport{}
	for len(report.Results) < cfg.MaxNodes {
		base, ok := walker.Next()
		if !ok {
			break
		}
		rec, err := dec.Decode(base)
		if err != nil {
			continue
		}
		if rec.PID <= cfg.MinPID {
			continue
		}
		result := ScanResult{PID: rec.PID, Name: rec.Name, Base: base}
		result.Matches, result.Samples = ScanPointers(mem, base, cfg)
		report.Results = append(report.Results, result)
	}
	report.Partial = walker.Err() != nil
	report.Corrupted = walker.Corrupted()
	return report, nil
}

// FormatAccessResult renders one node's accessibility check for the console
// report.
func FormatAccessResult(r AccessResult) string {
	if !r.Readable {
		return fmt.Sprintf("Process [%d] %s: memory space not readable", r.PID, sanitizeName(r.Name))
	}
	return fmt.Sprintf("Process [%d] %s: memory space accessible for analysis\n"+
		"    EPROCESS+0x%x: 0x%08x", r.PID, sanitizeName(r.Name), r.ProbeOffset, r.Probe)
}
