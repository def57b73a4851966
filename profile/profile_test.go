package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "win7.yaml")
	content := `
name: win7-vmi
ostype: Windows
kernel_base: 0xfffff80002650000
dtb: 0x187000
offsets:
  win_tasks: 0x188
  win_pid: 0x180
  win_pname: 0x2e0
  win_pdbase: 0x0
symbols:
  PsActiveProcessHead: 0x22db90
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	p, err := LoadYAML(path)
	require.NoError(t, err)

	assert.Equal(t, "win7-vmi", p.Name)
	assert.Equal(t, uint64(0xfffff80002650000), p.KernelBase)
	assert.Equal(t, uint64(0x187000), p.DTB)

	tasks, ok := p.Offset(OffsetTasks)
	require.True(t, ok)
	assert.Equal(t, uint64(0x188), tasks)

	sym, ok := p.Symbol(SymProcessListHead)
	require.True(t, ok)
	assert.Equal(t, uint64(0x22db90), sym)
}

func TestOffsetAbsentIsNotZero(t *testing.T) {
	p := &Profile{Offsets: map[string]uint64{OffsetDTB: 0}}

	// A recorded zero offset is present.
	off, ok := p.Offset(OffsetDTB)
	assert.True(t, ok)
	assert.Equal(t, uint64(0), off)

	// An unrecorded offset is absent even though the value is also zero.
	_, ok = p.Offset(OffsetThreads)
	assert.False(t, ok)
}

func TestSaveRoundTrip(t *testing.T) {
	orig := &Profile{
		Name:       "test-guest",
		OSType:     "Windows",
		KernelBase: 0xfffff80002650000,
		DTB:        0x187000,
		Offsets:    map[string]uint64{OffsetTasks: 0x188, OffsetPID: 0x180},
		Symbols:    map[string]uint64{SymProcessListHead: 0x22db90},
	}
	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, orig.Save(path))

	loaded, err := LoadYAML(path)
	require.NoError(t, err)
	assert.Equal(t, orig.Name, loaded.Name)
	assert.Equal(t, orig.DTB, loaded.DTB)
	assert.Equal(t, orig.Offsets, loaded.Offsets)
	assert.Equal(t, orig.Symbols, loaded.Symbols)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func sampleISF() []byte {
	isf := map[string]interface{}{
		"user_types": map[string]interface{}{
			"_EPROCESS": map[string]interface{}{
				"kind": "struct",
				"fields": map[string]interface{}{
					"ActiveProcessLinks": map[string]uint64{"offset": 0x188},
					"UniqueProcessId":    map[string]uint64{"offset": 0x180},
					"ImageFileName":      map[string]uint64{"offset": 0x2e0},
					"DirectoryTableBase": map[string]uint64{"offset": 0x28},
					"Wow64Process":       map[string]uint64{"offset": 0x320},
				},
			},
			"_ETHREAD": map[string]interface{}{
				"kind":   "struct",
				"fields": map[string]interface{}{},
			},
		},
		"symbols": map[string]interface{}{
			"PsActiveProcessHead": map[string]uint64{"address": 0x22db90},
			"MmPfnDatabase":       map[string]uint64{"address": 0x2a1000},
		},
	}
	data, err := json.Marshal(isf)
	if err != nil {
		panic(err)
	}
	return data
}

func TestLoadISF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "win7-x64.json")
	require.NoError(t, os.WriteFile(path, sampleISF(), 0644))

	p, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "win7-x64", p.Name)
	assert.Equal(t, "Windows", p.OSType)

	tasks, ok := p.Offset(OffsetTasks)
	require.True(t, ok)
	assert.Equal(t, uint64(0x188), tasks)

	pdbase, ok := p.Offset(OffsetDTB)
	require.True(t, ok)
	assert.Equal(t, uint64(0x28), pdbase)

	// Fields absent from the symbol file stay absent from the profile.
	_, ok = p.Offset(OffsetPEB)
	assert.False(t, ok)

	// Only anchor symbols are carried over.
	head, ok := p.Symbol(SymProcessListHead)
	require.True(t, ok)
	assert.Equal(t, uint64(0x22db90), head)
	_, ok = p.Symbol("MmPfnDatabase")
	assert.False(t, ok)

	// Converted symbol files have no run-time address-space roots.
	assert.Equal(t, uint64(0), p.DTB)
	assert.Equal(t, uint64(0), p.KernelBase)
}

func TestLoadISFCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "win7-x64.json.xz")
	file, err := os.Create(path)
	require.NoError(t, err)
	w, err := xz.NewWriter(file)
	require.NoError(t, err)
	_, err = w.Write(sampleISF())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, file.Close())

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "win7-x64", p.Name)

	tasks, ok := p.Offset(OffsetTasks)
	require.True(t, ok)
	assert.Equal(t, uint64(0x188), tasks)
}

func TestLoadISFWithoutProcessType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"user_types":{},"symbols":{}}`), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
