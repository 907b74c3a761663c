package fat32

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
)

// errEndOfChain is returned when a cursor is asked to move past the last
// cluster of its chain. It never leaves this package.
var errEndOfChain = errors.New("end of cluster chain")

// dirCursor walks a cluster chain one cluster at a time, holding the current
// cluster in the volume's scratch buffer. It's mostly used for directories, but
// file reads use it too.
//
// All cursors of a volume share the one scratch buffer. Loading a cluster into
// a cursor flushes and unloads whichever cursor held the buffer before. An
// unloaded cursor starts over at the first cluster of its chain.
type dirCursor struct {
	volume       *Volume
	firstCluster ClusterID
	// current is only meaningful while loaded is true.
	current ClusterID
	sector  c.PhysicalBlock
	loaded  bool
	dirty   bool
}

func (v *Volume) newCursor(firstCluster ClusterID) *dirCursor {
	return &dirCursor{volume: v, firstCluster: firstCluster}
}

// claimScratch hands the scratch buffer to `cursor`, first writing back any
// changes the previous holder made. `cursor` may be nil, in which case the
// buffer is simply taken away from its holder.
func (v *Volume) claimScratch(cursor *dirCursor) ([]byte, error) {
	owner := v.scratchOwner
	if owner != nil && owner != cursor {
		err := owner.Flush()
		if err != nil {
			return nil, err
		}
		owner.loaded = false
	}
	v.scratchOwner = cursor
	return v.scratch, nil
}

// Buffer returns the contents of the loaded cluster. It's only valid until
// another cursor loads a cluster.
func (cur *dirCursor) Buffer() []byte {
	return cur.volume.scratch
}

// IsLoaded reports whether the cursor currently holds one of its clusters.
func (cur *dirCursor) IsLoaded() bool {
	return cur.loaded && cur.volume.scratchOwner == cur
}

// Flush writes the loaded cluster back to the device if it's been modified.
func (cur *dirCursor) Flush() error {
	if !cur.IsLoaded() || !cur.dirty {
		return nil
	}

	geo := &cur.volume.geometry
	err := writeSectors(cur.volume.device, cur.sector, geo.SectorsPerCluster, cur.Buffer())
	if err != nil {
		return err
	}
	cur.dirty = false
	return nil
}

// Reset flushes the cursor and rewinds it, so that the next call to
// LoadNextCluster loads the first cluster of the chain.
func (cur *dirCursor) Reset() error {
	err := cur.Flush()
	if err != nil {
		return err
	}
	cur.loaded = false
	return nil
}

// Retarget resets the cursor and points it at a different chain.
func (cur *dirCursor) Retarget(firstCluster ClusterID) error {
	err := cur.Reset()
	if err != nil {
		return err
	}
	cur.firstCluster = firstCluster
	return nil
}

// nextCluster determines which cluster LoadNextCluster would load.
func (cur *dirCursor) nextCluster() (ClusterID, error) {
	if !cur.IsLoaded() {
		if cur.firstCluster < firstDataCluster {
			// Empty chain.
			return 0, errEndOfChain
		}
		return cur.firstCluster, nil
	}

	next, err := cur.volume.fat.ReadEntry(cur.current)
	if err != nil {
		return 0, err
	}
	if next >= ClusterEOC {
		return 0, errEndOfChain
	}
	return next, nil
}

// LoadNextCluster advances the cursor to the next cluster in its chain, or to
// the first cluster if nothing is loaded. If the chain has ended, it returns
// errEndOfChain and the cursor keeps the last cluster loaded.
func (cur *dirCursor) LoadNextCluster() error {
	err := cur.Flush()
	if err != nil {
		return err
	}

	wasLoaded := cur.IsLoaded()
	next, err := cur.nextCluster()
	if err != nil {
		return err
	}

	geo := &cur.volume.geometry
	if !geo.IsDataCluster(next) {
		return bootfat.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf(
				"chain starting at cluster %d links to invalid cluster %d",
				cur.firstCluster,
				next))
	}

	// If this cursor didn't own the buffer, it does now. Reading over the
	// buffer invalidates the old cluster no matter whether it succeeds.
	buffer, err := cur.volume.claimScratch(cur)
	if err != nil {
		return err
	}
	cur.loaded = false

	sector := geo.ClusterToSector(next)
	err = readSectors(
		cur.volume.device, sector, geo.SectorsPerCluster, geo.BytesPerSector, buffer)
	if err != nil {
		return err
	}

	cur.current = next
	cur.sector = sector
	cur.loaded = true
	cur.dirty = false
	if !wasLoaded {
		cur.volume.logger.Debug(
			"cursor loaded first cluster", slog.Uint64("cluster", uint64(next)))
	}
	return nil
}

// grow appends a new, zeroed cluster to the end of the chain and loads it. The
// cursor must be positioned on the last cluster of the chain, which is where
// LoadNextCluster leaves it after returning errEndOfChain.
func (cur *dirCursor) grow() (ClusterID, error) {
	if !cur.IsLoaded() {
		return 0, bootfat.ErrInvalidArgument.WithMessage(
			"can't extend a chain with no cluster loaded")
	}

	vol := cur.volume
	newCluster, err := vol.allocateCluster()
	if err != nil {
		return newCluster, err
	}

	err = vol.fat.WriteEntry(cur.current, newCluster)
	if err != nil {
		return 0, vol.releaseAfterFailure(newCluster, err)
	}

	err = cur.Flush()
	if err != nil {
		return 0, err
	}

	clear(cur.Buffer())
	cur.current = newCluster
	cur.sector = vol.geometry.ClusterToSector(newCluster)
	cur.dirty = true

	vol.logger.Debug(
		"extended chain",
		slog.Uint64("first", uint64(cur.firstCluster)),
		slog.Uint64("cluster", uint64(newCluster)))
	return newCluster, nil
}

// The cursor is the directory block sequence the slot search runs over.

func (cur *dirCursor) Rewind() error {
	return cur.Reset()
}

func (cur *dirCursor) Next() ([]byte, error) {
	err := cur.LoadNextCluster()
	if err != nil {
		return nil, err
	}
	return cur.Buffer(), nil
}

func (cur *dirCursor) Extend() ([]byte, error) {
	_, err := cur.grow()
	if err != nil {
		return nil, err
	}
	return cur.Buffer(), nil
}

func (cur *dirCursor) MarkDirty() {
	cur.dirty = true
}
