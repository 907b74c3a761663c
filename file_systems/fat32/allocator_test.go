package fat32

import (
	"bytes"
	"errors"
	"testing"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
	diskotest "github.com/dargueta/bootfat/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Allocate enough clusters to move through several FAT windows and make sure
// nothing is handed out twice and clusters 0 and 1 never show up.
func TestAllocateCluster__NeverRepeats(t *testing.T) {
	volume, _ := newTestVolume(t, 1)
	geo := &volume.geometry

	handedOut := bitmap.New(int(geo.LastCluster()) + 1)
	handedOut.Set(int(geo.RootCluster), true)

	// Four sectors of 128 entries each per window.
	total := int(volume.fat.sectors*volume.fat.entriesPerSector()) * 3
	for i := 0; i < total; i++ {
		cluster, err := volume.allocateCluster()
		require.NoError(t, err)
		require.True(t, geo.IsDataCluster(cluster), "allocated invalid cluster %d", cluster)
		require.Falsef(t, handedOut.Get(int(cluster)), "cluster %d allocated twice", cluster)
		handedOut.Set(int(cluster), true)

		value, err := volume.fat.ReadEntry(cluster)
		require.NoError(t, err)
		assert.Equal(t, ClusterEOCMark, value, "allocated cluster wasn't marked as used")
	}
}

func TestAllocateCluster__SkipsUsedClusters(t *testing.T) {
	volume, _ := newTestVolume(t, 1)

	for cluster := ClusterID(3); cluster < 10; cluster++ {
		require.NoError(t, volume.fat.WriteEntry(cluster, cluster+1))
	}

	cluster, err := volume.allocateCluster()
	require.NoError(t, err)
	assert.EqualValues(t, 10, cluster)
}

// fillFAT marks every cluster in every FAT copy as used.
func fillFAT(device *diskotest.SparseDevice, geo *Geometry) {
	full := bytes.Repeat([]byte{0xFF, 0xFF, 0xFF, 0x0F}, int(geo.BytesPerSector/4))
	for i := uint(0); i < geo.FATSectors; i++ {
		device.PutSector(geo.FATStart+c.PhysicalBlock(i), full)
	}
}

func TestAllocateCluster__Exhausted(t *testing.T) {
	volume, device := newTestVolume(t, 1)
	fillFAT(device, &volume.geometry)

	cluster, err := volume.allocateCluster()
	assert.Equal(t, ClusterExhausted, cluster)
	assert.ErrorIs(t, err, bootfat.ErrNoSpaceOnDevice)
}

// The search starts at the resident window and wraps around to the beginning
// of the FAT, so a free cluster before the window is still found.
func TestAllocateCluster__WrapsAround(t *testing.T) {
	volume, device := newTestVolume(t, 1)
	geo := &volume.geometry
	fillFAT(device, geo)

	// Free exactly one cluster near the start.
	sector := device.Sector(geo.FATStart)
	copy(sector[40:44], []byte{0, 0, 0, 0})
	device.PutSector(geo.FATStart, sector)

	// Park the window near the end of the table.
	_, err := volume.fat.ReadEntry(geo.LastCluster())
	require.NoError(t, err)
	require.NotZero(t, volume.fat.base)

	cluster, err := volume.allocateCluster()
	require.NoError(t, err)
	assert.EqualValues(t, 10, cluster)
}

func TestReleaseChain(t *testing.T) {
	volume, _ := newTestVolume(t, 1)

	first, err := volume.writeClusterChain(patternData(3 * 512))
	require.NoError(t, err)
	freeBefore, err := volume.CountFreeClusters()
	require.NoError(t, err)

	require.NoError(t, volume.releaseChain(first))
	freeAfter, err := volume.CountFreeClusters()
	require.NoError(t, err)
	assert.Equal(t, freeBefore+3, freeAfter)
}

func TestReleaseAfterFailure__CombinesErrors(t *testing.T) {
	sparse, _ := formatTestDevice(t, 0, smallVolumeSectors, 1)
	device := &diskotest.FailingDevice{BlockDevice: sparse, ReadError: errors.New("card removed")}
	volume, err := Mount(device, 0, nil, MountOptions{})
	require.NoError(t, err)

	// The second cluster of the chain is far enough away that the FAT window
	// has to move to reach it, which fails.
	far := ClusterID(volume.fat.entriesPerSector() * 300)
	require.NoError(t, volume.fat.WriteEntry(3, far))
	device.FailReads = true

	cause := errors.New("original failure")
	err = volume.releaseAfterFailure(3, cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, bootfat.ErrIOFailed)

	// Nothing to release, so the cause comes back as is.
	assert.Equal(t, cause, volume.releaseAfterFailure(0, cause))
}

func TestCountFreeClusters(t *testing.T) {
	volume, _ := newTestVolume(t, 1)

	free, err := volume.CountFreeClusters()
	require.NoError(t, err)
	assert.Equal(t, volume.geometry.TotalClusters-1, free, "only the root should be in use")

	_, err = volume.allocateCluster()
	require.NoError(t, err)
	free, err = volume.CountFreeClusters()
	require.NoError(t, err)
	assert.Equal(t, volume.geometry.TotalClusters-2, free)
}
