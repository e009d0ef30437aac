package e820

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInterpret(t *testing.T) {
	var (
		m      MemoryMap
		ranges UsableRanges
	)
	require.Nil(t, Decode(qemuMemoryMap, &m))
	require.Nil(t, Interpret(&m, 0x100000, 0x108000, &ranges))

	require.Equal(t, []Region{
		{Start: 0x0, End: 0x9fc00},
		{Start: 0x100000, End: 0x1ff0000},
	}, ranges.Slice())
	require.Equal(t, uint64(0x1ff0000), ranges.HighestAddr)
	require.Equal(t, uint64(0x9fc00+0x1ef0000), uint64(ranges.TotalBytes()))
}

func TestInterpretOrdersAndMerges(t *testing.T) {
	var (
		m      MemoryMap
		ranges UsableRanges
	)

	// unsorted, overlapping and adjacent entries
	require.Nil(t, m.Add(0x400000, 0x100000, Usable))
	require.Nil(t, m.Add(0x100000, 0x200000, Usable))
	require.Nil(t, m.Add(0x280000, 0x80000, Usable))
	require.Nil(t, m.Add(0x300000, 0x100000, Usable))
	require.Nil(t, m.Add(0x800000, 0x100000, Usable))
	require.Nil(t, m.Add(0x0, 0x80000, Usable))

	require.Nil(t, Interpret(&m, 0x100000, 0x180000, &ranges))
	require.Equal(t, []Region{
		{Start: 0x0, End: 0x80000},
		{Start: 0x100000, End: 0x500000},
		{Start: 0x800000, End: 0x900000},
	}, ranges.Slice())
	require.Equal(t, uint64(0x900000), ranges.HighestAddr)
}

func TestInterpret32BitAddressing(t *testing.T) {
	var (
		m      MemoryMap
		ranges UsableRanges
	)

	require.Nil(t, m.Add(0x100000, 0xbff00000, Usable))
	// crosses 4Gb
	require.Nil(t, m.Add(0xf0000000, 0x20000000, Usable))
	// entirely above 4Gb
	require.Nil(t, m.Add(0x100000000, 0x40000000, Usable))
	// length with a non-zero high dword
	require.Nil(t, m.Add(0xe0000000, 0x100000000, Usable))

	require.Nil(t, Interpret(&m, 0x100000, 0x200000, &ranges))
	require.Equal(t, []Region{
		{Start: 0x100000, End: 0xc0000000},
		{Start: 0xe0000000, End: 0x100000000},
	}, ranges.Slice())
	require.Equal(t, uint64(0x100000000), ranges.HighestAddr)
}

func TestInterpretErrors(t *testing.T) {
	specs := []struct {
		name       string
		build      func(m *MemoryMap)
		start, end uint32
		expErr     error
	}{
		{
			"empty map",
			func(_ *MemoryMap) {},
			0x100000, 0x108000,
			ErrNoUsableMemory,
		},
		{
			"reserved entries only",
			func(m *MemoryMap) {
				m.Add(0x0, 0x9fc00, Reserved)
				m.Add(0x100000, 0x100000, NVS)
			},
			0x100000, 0x108000,
			ErrNoUsableMemory,
		},
		{
			"zero length usable entry",
			func(m *MemoryMap) {
				m.Add(0x100000, 0, Usable)
			},
			0x100000, 0x108000,
			ErrNoUsableMemory,
		},
		{
			"usable memory above 4Gb only",
			func(m *MemoryMap) {
				m.Add(0x100000000, 0x100000, Usable)
			},
			0x100000, 0x108000,
			ErrNoUsableMemory,
		},
		{
			"kernel outside usable memory",
			func(m *MemoryMap) {
				m.Add(0x0, 0x9fc00, Usable)
			},
			0x100000, 0x108000,
			ErrKernelNotCovered,
		},
		{
			"kernel partially covered",
			func(m *MemoryMap) {
				m.Add(0x100000, 0x4000, Usable)
			},
			0x100000, 0x108000,
			ErrKernelNotCovered,
		},
		{
			"kernel straddles a hole",
			func(m *MemoryMap) {
				m.Add(0x100000, 0x4000, Usable)
				m.Add(0x105000, 0x100000, Usable)
			},
			0x100000, 0x108000,
			ErrKernelNotCovered,
		},
		{
			"empty kernel range",
			func(m *MemoryMap) {
				m.Add(0x100000, 0x100000, Usable)
			},
			0x108000, 0x108000,
			ErrKernelNotCovered,
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			var (
				m      MemoryMap
				ranges UsableRanges
			)
			spec.build(&m)

			err := Interpret(&m, spec.start, spec.end, &ranges)
			require.Equal(t, spec.expErr, err)
		})
	}
}

func TestInterpretIgnoresEntriesPastCount(t *testing.T) {
	var (
		m      MemoryMap
		ranges UsableRanges
	)
	require.Nil(t, m.Add(0x100000, 0x100000, Usable))
	m.Entries[1] = Entry{AddrLow: 0x400000, LengthLow: 0x100000, Type: Usable}

	require.Nil(t, Interpret(&m, 0x100000, 0x101000, &ranges))
	require.Equal(t, 1, ranges.Count)
	require.Equal(t, uint64(0x200000), ranges.HighestAddr)
}
