package fat32

import (
	"encoding/binary"
	"testing"

	c "github.com/dargueta/bootfat/file_systems/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFATWindow__FormattedHead(t *testing.T) {
	volume, _ := newTestVolume(t, 1)

	value, err := volume.fat.ReadEntry(volume.geometry.RootCluster)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, value, ClusterEOC, "root directory must be a single-cluster chain")

	value, err = volume.fat.ReadEntry(3)
	require.NoError(t, err)
	assert.Equal(t, clusterFree, value)
}

// Writes stay in the window until it's flushed, and then land in every FAT.
func TestFATWindow__WriteIsDeferredAndMirrored(t *testing.T) {
	volume, device := newTestVolume(t, 1)
	geo := &volume.geometry

	writesBefore := device.Writes
	require.NoError(t, volume.fat.WriteEntry(100, 1234))
	assert.Equal(t, writesBefore, device.Writes, "write went to the device immediately")
	assert.Zero(t, rawFATEntry(device, geo, 0, 100))

	require.NoError(t, volume.fat.Flush())
	assert.Equal(t, writesBefore+int(geo.NumFATs), device.Writes)
	assert.EqualValues(t, 1234, rawFATEntry(device, geo, 0, 100))
	assert.EqualValues(t, 1234, rawFATEntry(device, geo, 1, 100))

	// Nothing's dirty anymore, so this must not write anything.
	require.NoError(t, volume.fat.Flush())
	assert.Equal(t, writesBefore+int(geo.NumFATs), device.Writes)
}

// The upper four bits of an entry are reserved; writing an entry must leave
// them alone, and reading must hide them.
func TestFATWindow__PreservesReservedBits(t *testing.T) {
	volume, device := newTestVolume(t, 1)
	geo := &volume.geometry

	cluster := ClusterID(500)
	sector := geo.FATStart + c.PhysicalBlock(uint(cluster)*4/geo.BytesPerSector)
	offset := uint(cluster) * 4 % geo.BytesPerSector
	data := device.Sector(sector)
	binary.LittleEndian.PutUint32(data[offset:], 0xA0000000)
	device.PutSector(sector, data)

	value, err := volume.fat.ReadEntry(cluster)
	require.NoError(t, err)
	assert.Equal(t, clusterFree, value, "reserved bits leaked into the value")

	require.NoError(t, volume.fat.WriteEntry(cluster, 0xFFFFFFF0))
	require.NoError(t, volume.fat.Flush())

	assert.EqualValues(t, 0xAFFFFFF0, rawFATEntry(device, geo, 0, cluster))
	value, err = volume.fat.ReadEntry(cluster)
	require.NoError(t, err)
	assert.EqualValues(t, 0x0FFFFFF0, value)
}

// Moving the window somewhere else writes back the old one first, and a reload
// returns what was written.
func TestFATWindow__ReloadAfterEviction(t *testing.T) {
	volume, device := newTestVolume(t, 1)
	geo := &volume.geometry
	perSector := ClusterID(geo.BytesPerSector / 4)

	written := map[ClusterID]ClusterID{
		5:                  6,
		perSector*10 + 3:   ClusterEOCMark,
		perSector*20 + 9:   0x0ABCDEF,
		perSector*200 + 17: 42,
		geo.LastCluster():  7,
	}
	for cluster, value := range written {
		require.NoError(t, volume.fat.WriteEntry(cluster, value))
	}
	require.NoError(t, volume.fat.Flush())

	for cluster, value := range written {
		assert.EqualValues(t, value, rawFATEntry(device, geo, 0, cluster), "cluster %d", cluster)
		assert.EqualValues(t, value, rawFATEntry(device, geo, 1, cluster), "cluster %d", cluster)

		got, err := volume.fat.ReadEntry(cluster)
		require.NoError(t, err)
		assert.Equal(t, value, got, "cluster %d", cluster)
	}
}

// The window is clamped so it never extends past the end of the FAT.
func TestFATWindow__ClampedAtEnd(t *testing.T) {
	device, _ := formatTestDevice(t, 0, smallVolumeSectors, 1)
	volume, err := Mount(device, 0, nil, MountOptions{WindowSectors: 32})
	require.NoError(t, err)
	geo := &volume.geometry

	_, err = volume.fat.ReadEntry(geo.LastCluster())
	require.NoError(t, err)
	assert.EqualValues(t, 32, volume.fat.sectors)
	assert.Equal(t, geo.SectorsPerFAT-32, volume.fat.base)

	_, err = volume.fat.ReadEntry(0)
	require.NoError(t, err)
	assert.Zero(t, volume.fat.base)
}

func TestFATWindow__ClusterOutOfRange(t *testing.T) {
	volume, _ := newTestVolume(t, 1)

	_, err := volume.fat.ReadEntry(volume.geometry.LastCluster() + 1)
	assert.Error(t, err)
	assert.Error(t, volume.fat.WriteEntry(volume.geometry.LastCluster()+1, 0))
}
