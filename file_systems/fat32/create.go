package fat32

import (
	"fmt"
	"math"

	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
)

var (
	dotName    = ShortName{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	dotDotName = ShortName{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
)

// writeClusterData writes `chunk` to the beginning of `cluster`. Whole sectors
// are written straight from `chunk`; a trailing partial sector is padded with
// zeroes in the scratch buffer. An empty chunk zeroes the entire cluster.
func (v *Volume) writeClusterData(cluster ClusterID, chunk []byte) error {
	geo := &v.geometry
	sector := geo.ClusterToSector(cluster)

	if len(chunk) == 0 {
		buffer, err := v.claimScratch(nil)
		if err != nil {
			return err
		}
		clear(buffer)
		return writeSectors(v.device, sector, geo.SectorsPerCluster, buffer)
	}

	fullSectors := uint(len(chunk)) / geo.BytesPerSector
	if fullSectors > 0 {
		err := writeSectors(v.device, sector, fullSectors, chunk)
		if err != nil {
			return err
		}
	}

	tail := chunk[fullSectors*geo.BytesPerSector:]
	if len(tail) == 0 {
		return nil
	}

	buffer, err := v.claimScratch(nil)
	if err != nil {
		return err
	}
	padded := buffer[:geo.BytesPerSector]
	clear(padded)
	copy(padded, tail)
	return writeSectors(v.device, sector+c.PhysicalBlock(fullSectors), 1, padded)
}

// writeClusterChain allocates a chain big enough for `data`, but at least one
// cluster, and writes `data` into it. It returns the first cluster of the
// chain. If anything fails, the clusters allocated so far are released.
func (v *Volume) writeClusterChain(data []byte) (ClusterID, error) {
	bytesPerCluster := v.geometry.BytesPerCluster()
	totalClusters := c.BlocksForLength(uint(len(data)), bytesPerCluster)
	if totalClusters == 0 {
		totalClusters = 1
	}

	first := clusterFree
	previous := clusterFree
	for i := uint(0); i < totalClusters; i++ {
		cluster, err := v.allocateCluster()
		if err != nil {
			return 0, v.releaseAfterFailure(first, err)
		}

		if i == 0 {
			first = cluster
		} else {
			err = v.fat.WriteEntry(previous, cluster)
			if err != nil {
				err = v.releaseAfterFailure(cluster, err)
				return 0, v.releaseAfterFailure(first, err)
			}
		}
		previous = cluster

		start := i * bytesPerCluster
		end := min(start+bytesPerCluster, uint(len(data)))
		err = v.writeClusterData(cluster, data[start:end])
		if err != nil {
			return 0, v.releaseAfterFailure(first, err)
		}
	}
	return first, nil
}

// createEntry creates a new entry named `leaf` in the directory `parent` points
// at, with `data` as its contents. Directories are created with a single zeroed
// cluster. The parent and the FAT are flushed before returning.
func (v *Volume) createEntry(
	parent *dirCursor,
	leaf string,
	attributes uint8,
	data []byte,
) (ShortEntry, error) {
	err := validateName(leaf)
	if err != nil {
		return ShortEntry{}, err
	}
	if uint64(len(data)) > math.MaxUint32 {
		return ShortEntry{}, bootfat.ErrFileTooLarge.WithMessage(
			fmt.Sprintf("%d bytes is more than a FAT file can hold", len(data)))
	}

	units, err := encodeLongName(leaf)
	if err != nil {
		return ShortEntry{}, err
	}
	slotsNeeded := 1 + longNameSlotCount(len(units))
	if slotsNeeded > v.geometry.EntriesPerCluster() {
		return ShortEntry{}, bootfat.ErrNameTooLong.WithMessage(
			fmt.Sprintf(
				"%q needs %d directory slots but a cluster only holds %d",
				leaf,
				slotsNeeded,
				v.geometry.EntriesPerCluster()))
	}

	// The data goes first because writing it borrows the scratch buffer the
	// parent directory is loaded into.
	firstCluster, err := v.writeClusterChain(data)
	if err != nil {
		return ShortEntry{}, err
	}

	slot, err := findOrExtend(parent, slotsNeeded, v.geometry.MaxDirectoryClusters())
	if err != nil {
		return ShortEntry{}, v.releaseAfterFailure(firstCluster, err)
	}

	shortName := GenerateShortName(leaf)
	block := parent.Buffer()
	shortSlot := slot + slotsNeeded - 1
	encodeLongNameSlots(
		block[slot*direntSize:shortSlot*direntSize], units, shortName.Checksum())

	entry := ShortEntry{
		Name:         shortName,
		Attributes:   attributes,
		FirstCluster: firstCluster,
		Size:         uint32(len(data)),
	}
	entry.pack(block[shortSlot*direntSize:])
	parent.MarkDirty()

	err = parent.Flush()
	if err != nil {
		return ShortEntry{}, err
	}
	err = v.fat.Flush()
	if err != nil {
		return ShortEntry{}, err
	}
	return entry, nil
}

// MkFile creates a file at `path` holding `data`. The parent directory must
// exist and `path` must not.
func (v *Volume) MkFile(path string, data []byte) error {
	parent, leaf, err := v.creationTarget(path)
	if err != nil {
		return err
	}
	_, err = v.createEntry(parent, leaf, AttrArchived, data)
	return err
}

// WriteFile is the same as [Volume.MkFile].
func (v *Volume) WriteFile(path string, data []byte) error {
	return v.MkFile(path, data)
}

// Mkdir creates an empty directory at `path`. The parent directory must exist
// and `path` must not.
func (v *Volume) Mkdir(path string) error {
	parent, leaf, err := v.creationTarget(path)
	if err != nil {
		return err
	}
	parentCluster := parent.firstCluster

	entry, err := v.createEntry(parent, leaf, AttrDirectory, nil)
	if err != nil {
		return err
	}

	dir := v.newCursor(entry.FirstCluster)
	err = dir.LoadNextCluster()
	if err != nil {
		return err
	}

	block := dir.Buffer()
	dot := ShortEntry{
		Name:         dotName,
		Attributes:   AttrDirectory,
		FirstCluster: entry.FirstCluster,
	}
	dotDot := ShortEntry{
		Name:         dotDotName,
		Attributes:   AttrDirectory,
		FirstCluster: parentCluster,
	}
	// "." goes in slot 0 and ".." in slot 1, as in the standard FAT layout.
	dot.pack(block[0:])
	dotDot.pack(block[direntSize:])
	dir.MarkDirty()
	return dir.Flush()
}
