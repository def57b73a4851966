package guest

import (
	"errors"
	"fmt"

	"github.com/mhmdreda99/VMI-SecurityDemo/profile"
	"github.com/mhmdreda99/VMI-SecurityDemo/vmi"
)

// MaxNameLength bounds decoded process names. Guest name fields are fixed
// small buffers; anything longer is garbage, not a name.
const MaxNameLength = 64

// ErrMissingOffset marks a feature the current guest profile cannot support:
// a required field offset is absent from the table. It is raised once, when
// a pass is set up, never per node.
var ErrMissingOffset = errors.New("required field offset not in profile")

// ProcessRecord is one fully decoded process node. Records are all-or-
// nothing: a node that cannot yield every field yields no record.
type ProcessRecord struct {
	PID  uint32
	Name string
	Addr vmi.Address // node base, kept for correlation and display
}

// ProcessDecoder extracts process records at node base addresses. Building
// one validates that every required offset is present, so per-node decoding
// can only fail on reads.
type ProcessDecoder struct {
	mem     vmi.Memory
	pidOff  uint64
	nameOff uint64
	nameMax int
}

func NewProcessDecoder(mem vmi.Memory) (*ProcessDecoder, error) {
	pidOff, ok := mem.Offset(profile.OffsetPID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingOffset, profile.OffsetPID)
	}
	nameOff, ok := mem.Offset(profile.OffsetName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingOffset, profile.OffsetName)
	}
	return &ProcessDecoder{
		mem:     mem,
		pidOff:  pidOff,
		nameOff: nameOff,
		nameMax: MaxNameLength,
	}, nil
}

// Decode reads one record at base. A failure means this node is skipped;
// it says nothing about the rest of the list. Truncated names are names.
func (d *ProcessDecoder) Decode(base vmi.Address) (*ProcessRecord, error) {
	pid, err := d.mem.Read32(base + vmi.Address(d.pidOff))
	if err != nil {
		return nil, fmt.Errorf("pid field: %w", err)
	}
	name, err := d.mem.ReadString(base+vmi.Address(d.nameOff), d.nameMax)
	if err != nil {
		return nil, fmt.Errorf("name field: %w", err)
	}
	return &ProcessRecord{PID: pid, Name: name, Addr: base}, nil
}
