package guest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhmdreda99/VMI-SecurityDemo/vmi"
)

func TestScanPointersWindow(t *testing.T) {
	m := newFakeMemory()
	base := vmi.Address(0x300000)
	cfg := ScanConfig{
		Start:       0x10,
		End:         0x40,
		Stride:      8,
		KernelFloor: 0xfffff80000000000,
		KernelCeil:  0xffffffffffffffff,
		MaxSamples:  2,
	}

	m.poke64(base+0x10, 0xfffff80000001000) // hit
	m.poke64(base+0x18, 0x0000000000001000) // user pointer, miss
	// base+0x20 left unmapped: skipped in place
	m.poke64(base+0x28, 0xfffff90000000000) // hit
	m.poke64(base+0x30, 0xffffffffffffffff) // at the ceiling, excluded
	m.poke64(base+0x38, 0xfffffa0000000000) // hit, past the sample cap

	matches, samples := ScanPointers(m, base, cfg)

	assert.Equal(t, 3, matches)
	require.Len(t, samples, 2)
	assert.Equal(t, PointerHit{Offset: 0x10, Value: 0xfffff80000001000}, samples[0])
	assert.Equal(t, PointerHit{Offset: 0x28, Value: 0xfffff90000000000}, samples[1])
}

func TestScanPointersBoundsExclusive(t *testing.T) {
	m := newFakeMemory()
	base := vmi.Address(0x300000)
	cfg := ScanConfig{
		Start:       0x0,
		End:         0x10,
		Stride:      8,
		KernelFloor: 0xfffff80000000000,
		KernelCeil:  0xffffffffffffffff,
		MaxSamples:  4,
	}
	m.poke64(base, 0xfffff80000000000)   // exactly the floor, excluded
	m.poke64(base+8, 0xfffff80000000001) // one past, included

	matches, samples := ScanPointers(m, base, cfg)
	assert.Equal(t, 1, matches)
	require.Len(t, samples, 1)
	assert.Equal(t, uint64(8), samples[0].Offset)
}

func TestScanPointersDegenerateWindow(t *testing.T) {
	m := newFakeMemory()

	matches, samples := ScanPointers(m, 0x300000, ScanConfig{Start: 0x10, End: 0x10, Stride: 8})
	assert.Equal(t, 0, matches)
	assert.Nil(t, samples)

	matches, samples = ScanPointers(m, 0x300000, ScanConfig{Start: 0x10, End: 0x40, Stride: 0})
	assert.Equal(t, 0, matches)
	assert.Nil(t, samples)
}

func TestScanThreadPointers(t *testing.T) {
	m := newFakeMemory()
	bases := layoutList(m, []testProc{
		{4, "System"},
		{300, "lsass.exe"},
		{800, "winlogon.exe"},
	})
	cfg := DefaultScanConfig()

	m.poke64(bases[1]+vmi.Address(cfg.Start), 0xfffff80000123000)
	m.poke64(bases[1]+vmi.Address(cfg.Start)+8, 0x0000000000400000)
	m.poke64(bases[1]+vmi.Address(cfg.Start)+16, 0xfffffa8001234560)

	report, err := ScanThreadPointers(m, cfg)
	require.NoError(t, err)

	// System sits at the PID floor and is skipped.
	require.Len(t, report.Results, 2)

	lsass := report.Results[0]
	assert.Equal(t, uint32(300), lsass.PID)
	assert.Equal(t, 2, lsass.Matches)
	require.Len(t, lsass.Samples, 2)
	assert.Equal(t, uint64(cfg.Start), lsass.Samples[0].Offset)

	// A node whose window is entirely unreadable still gets a result.
	winlogon := report.Results[1]
	assert.Equal(t, uint32(800), winlogon.PID)
	assert.Equal(t, 0, winlogon.Matches)
	assert.Empty(t, winlogon.Samples)
}

func TestScanThreadPointersSampleCap(t *testing.T) {
	m := newFakeMemory()
	bases := layoutList(m, []testProc{{300, "lsass.exe"}})
	cfg := DefaultScanConfig()

	for off := cfg.Start; off < cfg.End; off += cfg.Stride {
		m.poke64(bases[0]+vmi.Address(off), 0xfffff80000001000+uint64(off))
	}

	report, err := ScanThreadPointers(m, cfg)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	words := int((cfg.End - cfg.Start) / cfg.Stride)
	assert.Equal(t, words, report.Results[0].Matches)
	assert.Len(t, report.Results[0].Samples, cfg.MaxSamples)
}

func TestScanThreadPointersNodeCap(t *testing.T) {
	m := newFakeMemory()
	layoutList(m, []testProc{
		{300, "a.exe"},
		{400, "b.exe"},
		{500, "c.exe"},
	})
	cfg := DefaultScanConfig()
	cfg.MaxNodes = 1

	report, err := ScanThreadPointers(m, cfg)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, uint32(300), report.Results[0].PID)
}

func TestScanThreadPointersStructuralFailure(t *testing.T) {
	m := newFakeMemory()
	layoutList(m, []testProc{{300, "a.exe"}})
	delete(m.offsets, "win_tasks")

	_, err := ScanThreadPointers(m, DefaultScanConfig())
	assert.ErrorIs(t, err, ErrMissingOffset)
}
