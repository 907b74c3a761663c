package fat32

import (
	"encoding/binary"
	"testing"

	c "github.com/dargueta/bootfat/file_systems/common"
	diskotest "github.com/dargueta/bootfat/testing"
	"github.com/stretchr/testify/require"
)

// Volume sizes just big enough to be FAT32 with 512-byte sectors.
const (
	smallVolumeSectors = 68000  // one sector per cluster, 16 entries per cluster
	largeVolumeSectors = 540000 // eight sectors per cluster, 128 entries per cluster
)

// formatTestDevice creates a sparse device holding a freshly formatted volume
// that starts at `partitionStart`.
func formatTestDevice(
	t *testing.T,
	partitionStart c.PhysicalBlock,
	totalSectors uint,
	sectorsPerCluster uint,
) (*diskotest.SparseDevice, Geometry) {
	device := diskotest.NewSparseDevice(512, uint(partitionStart)+totalSectors)
	geometry, err := Format(
		device,
		partitionStart,
		totalSectors,
		FormatOptions{SectorsPerCluster: sectorsPerCluster, VolumeLabel: "test"},
	)
	require.NoError(t, err, "failed to format test volume")
	return device, geometry
}

// newTestVolume formats a superfloppy (no partition table) and mounts it.
func newTestVolume(t *testing.T, sectorsPerCluster uint) (*Volume, *diskotest.SparseDevice) {
	totalSectors := uint(smallVolumeSectors)
	if sectorsPerCluster > 1 {
		totalSectors = largeVolumeSectors
	}

	device, _ := formatTestDevice(t, 0, totalSectors, sectorsPerCluster)
	volume, err := Mount(device, 0, nil, MountOptions{})
	require.NoError(t, err, "failed to mount freshly formatted volume")
	return volume, device
}

// rawFATEntry reads a FAT entry straight from the device, bypassing the window.
func rawFATEntry(device *diskotest.SparseDevice, geo *Geometry, copyIndex uint, cluster ClusterID) uint32 {
	byteOffset := uint(cluster) * fatEntrySize
	sector := geo.FATStart +
		c.PhysicalBlock(copyIndex*geo.SectorsPerFAT+byteOffset/geo.BytesPerSector)
	data := device.Sector(sector)
	return binary.LittleEndian.Uint32(data[byteOffset%geo.BytesPerSector:])
}

// clusterData returns the contents of a cluster straight from the device.
func clusterData(device *diskotest.SparseDevice, geo *Geometry, cluster ClusterID) []byte {
	data := make([]byte, 0, geo.BytesPerCluster())
	first := geo.ClusterToSector(cluster)
	for i := uint(0); i < geo.SectorsPerCluster; i++ {
		data = append(data, device.Sector(first+c.PhysicalBlock(i))...)
	}
	return data
}

// patternData returns `size` bytes that differ from sector to sector, so that
// misplaced sectors are caught.
func patternData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/512)
	}
	return data
}
