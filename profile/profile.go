package profile

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Field-offset names the introspection passes look up. The vocabulary is the
// one the offline symbol tooling emits, so profiles generated there load
// unchanged.
const (
	OffsetTasks   = "win_tasks"   // EPROCESS.ActiveProcessLinks, the list link field
	OffsetPID     = "win_pid"     // EPROCESS.UniqueProcessId
	OffsetName    = "win_pname"   // EPROCESS.ImageFileName
	OffsetPEB     = "win_peb"     // EPROCESS.Peb
	OffsetThreads = "win_threads" // EPROCESS.ThreadListHead
	OffsetDTB     = "win_pdbase"  // EPROCESS.DirectoryTableBase
)

// SymProcessListHead anchors the guest's circular process list.
const SymProcessListHead = "PsActiveProcessHead"

// Profile describes one guest kernel build: where its address space is
// rooted, where its symbols sit, and the byte offsets of the record fields
// the passes decode. A profile is immutable once loaded; which offsets it
// carries depends entirely on what the tooling could recover for that build.
type Profile struct {
	Name       string            `yaml:"name"`
	OSType     string            `yaml:"ostype,omitempty"`
	KernelBase uint64            `yaml:"kernel_base,omitempty"`
	DTB        uint64            `yaml:"dtb,omitempty"`
	Offsets    map[string]uint64 `yaml:"offsets"`
	Symbols    map[string]uint64 `yaml:"symbols,omitempty"`
}

// Offset returns the byte offset stored under name. Absence is an expected
// state on builds whose tooling could not recover the field, and is reported
// in the second result; zero is a legitimate offset, never a sentinel.
func (p *Profile) Offset(name string) (uint64, bool) {
	off, ok := p.Offsets[name]
	return off, ok
}

// Symbol returns the address recorded for a kernel symbol, relative to
// KernelBase. A profile whose KernelBase is zero carries absolute addresses.
func (p *Profile) Symbol(name string) (uint64, bool) {
	addr, ok := p.Symbols[name]
	return addr, ok
}

// Load reads a profile, dispatching on the extension: .json and .json.xz are
// Volatility3 symbol files converted on the fly, anything else is the native
// YAML form.
func Load(path string) (*Profile, error) {
	if strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".json.xz") {
		return LoadISF(path)
	}
	return LoadYAML(path)
}

// LoadYAML reads a profile in the native YAML form.
func LoadYAML(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %v", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %v", path, err)
	}
	if p.Offsets == nil {
		p.Offsets = make(map[string]uint64)
	}
	if p.Symbols == nil {
		p.Symbols = make(map[string]uint64)
	}
	return &p, nil
}

// Save writes the profile as YAML, the form Load reads back natively. Useful
// for freezing a converted symbol file into a reviewable config.
func (p *Profile) Save(path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write profile: %v", err)
	}
	return nil
}
