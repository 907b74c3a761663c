package mbr

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
	"github.com/dargueta/bootfat/file_systems/fat32"
	diskotest "github.com/dargueta/bootfat/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPack__SinglePartition(t *testing.T) {
	sector := bytes.Repeat([]byte{0xAB}, SectorSize)
	table := NewSinglePartitionTable(0xDEADBEEF, 2048, 100000)
	require.NoError(t, table.Pack(sector))

	assert.Equal(t, bytes.Repeat([]byte{0xAB}, diskIDOffset), sector[:diskIDOffset], "boot code modified")
	assert.EqualValues(t, 0xDEADBEEF, binary.LittleEndian.Uint32(sector[diskIDOffset:]))

	entry := sector[partitionTableOffset:]
	assert.EqualValues(t, statusBootable, entry[0])
	assert.EqualValues(t, TypeFAT32LBA, entry[4])
	assert.EqualValues(t, 2048, binary.LittleEndian.Uint32(entry[8:]))
	assert.EqualValues(t, 100000, binary.LittleEndian.Uint32(entry[12:]))
	assert.Equal(t, make([]byte, 3*partitionEntrySize), sector[partitionTableOffset+partitionEntrySize:partitionTableEnd])
	assert.Equal(t, []byte{0x55, 0xAA}, sector[510:512])

	parsed, err := Parse(sector)
	require.NoError(t, err)
	assert.Equal(t, table, parsed)
}

func TestPack__Overlapping(t *testing.T) {
	table := NewSinglePartitionTable(1, 2048, 10000)
	table.Partitions[1] = Partition{Type: TypeLinux, Start: 4096, Sectors: 100}

	err := table.Pack(make([]byte, SectorSize))
	assert.ErrorIs(t, err, bootfat.ErrInvalidArgument)
}

func TestParse__Errors(t *testing.T) {
	valid := make([]byte, SectorSize)
	table := NewSinglePartitionTable(1, 2048, 10000)
	require.NoError(t, table.Pack(valid))

	_, err := Parse(valid[:100])
	assert.ErrorIs(t, err, bootfat.ErrInvalidArgument, "short sector")

	noSignature := append([]byte(nil), valid...)
	noSignature[511] = 0
	_, err = Parse(noSignature)
	assert.ErrorIs(t, err, bootfat.ErrInvalidFileSystem, "bad signature")

	badStatus := append([]byte(nil), valid...)
	badStatus[partitionTableOffset] = 0x12
	_, err = Parse(badStatus)
	assert.ErrorIs(t, err, bootfat.ErrFileSystemCorrupted, "bad status byte")

	// A second partition starting inside the first one.
	overlapping := append([]byte(nil), valid...)
	second := overlapping[partitionTableOffset+partitionEntrySize:]
	second[4] = byte(TypeLinux)
	binary.LittleEndian.PutUint32(second[8:], 3000)
	binary.LittleEndian.PutUint32(second[12:], 10)
	_, err = Parse(overlapping)
	assert.ErrorIs(t, err, bootfat.ErrFileSystemCorrupted, "overlap")
}

func TestFirstFAT32(t *testing.T) {
	table := Table{}
	table.Partitions[0] = Partition{Type: TypeLinux, Start: 2048, Sectors: 1000}
	table.Partitions[1] = Partition{Type: TypeFAT32CHS, Start: 8192, Sectors: 0}
	table.Partitions[2] = Partition{Type: TypeFAT32CHS, Start: 16384, Sectors: 70000}
	table.Partitions[3] = Partition{Type: TypeFAT32LBA, Start: 100000, Sectors: 70000}

	partition, index, err := table.FirstFAT32()
	require.NoError(t, err)
	assert.Equal(t, 2, index, "empty entries must be skipped")
	assert.EqualValues(t, 16384, partition.Start)
	assert.EqualValues(t, 16384+70000, partition.End())

	_, _, err = (&Table{}).FirstFAT32()
	assert.ErrorIs(t, err, bootfat.ErrNotFound)
}

func TestLBAToCHS(t *testing.T) {
	assert.Equal(t, [3]byte{0, 1, 0}, lbaToCHS(0))
	assert.Equal(t, [3]byte{32, 33, 0}, lbaToCHS(2048))
	// Cylinder 300 needs the top two bits stored with the sector number.
	assert.Equal(t, [3]byte{0, 1 | 0x40, 300 & 0xFF}, lbaToCHS(300*255*63))
	assert.Equal(t, [3]byte{0xFE, 0xFF, 0xFF}, lbaToCHS(1024*255*63))
}

func TestWriteRead(t *testing.T) {
	device := diskotest.NewSparseDevice(512, 8192)
	table := NewSinglePartitionTable(42, 63, 8000)
	require.NoError(t, Write(device, table))

	read, err := Read(device)
	require.NoError(t, err)
	assert.Equal(t, table, read)
}

func TestLocateFAT32(t *testing.T) {
	const volumeSectors = 68000

	t.Run("partitioned", func(t *testing.T) {
		device := diskotest.NewSparseDevice(512, 2048+volumeSectors)
		require.NoError(t, Write(device, NewSinglePartitionTable(7, 2048, volumeSectors)))
		_, err := fat32.Format(device, 2048, volumeSectors, fat32.FormatOptions{})
		require.NoError(t, err)

		start, err := LocateFAT32(device)
		require.NoError(t, err)
		assert.Equal(t, c.PhysicalBlock(2048), start)
	})

	t.Run("superfloppy", func(t *testing.T) {
		device := diskotest.NewSparseDevice(512, volumeSectors)
		_, err := fat32.Format(device, 0, volumeSectors, fat32.FormatOptions{})
		require.NoError(t, err)

		start, err := LocateFAT32(device)
		require.NoError(t, err)
		assert.Zero(t, start)
	})

	t.Run("no FAT32 partition", func(t *testing.T) {
		device := diskotest.NewSparseDevice(512, 4096)
		table := Table{}
		table.Partitions[0] = Partition{Type: TypeLinux, Start: 2048, Sectors: 2048}
		require.NoError(t, Write(device, table))

		_, err := LocateFAT32(device)
		assert.ErrorIs(t, err, bootfat.ErrNotFound)
	})

	t.Run("blank", func(t *testing.T) {
		device := diskotest.NewSparseDevice(512, 4096)
		_, err := LocateFAT32(device)
		assert.ErrorIs(t, err, bootfat.ErrInvalidFileSystem)
	})
}
