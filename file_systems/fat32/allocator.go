package fat32

import (
	"encoding/binary"
	"log/slog"

	"github.com/dargueta/bootfat"
	"github.com/hashicorp/go-multierror"
)

// forEachEntry calls `visit` with every FAT entry describing a data cluster,
// starting with the FAT sector `startSector` and wrapping around to the
// beginning of the table, until either `visit` returns true or every sector
// has been visited once. Entries are visited in window-sized steps, so the FAT
// window moves at most once per step.
func (w *fatWindow) forEachEntry(startSector uint, visit func(cluster, value ClusterID) bool) error {
	perSector := w.entriesPerSector()
	lastCluster := uint(w.geometry.LastCluster())

	for i := uint(0); i < w.geometry.SectorsPerFAT; i++ {
		sector := (startSector + i) % w.geometry.SectorsPerFAT
		firstCluster := sector * perSector
		if firstCluster > lastCluster {
			// The tail of the last FAT sector can extend past the final
			// cluster. Nothing out there is allocatable.
			continue
		}

		err := w.ensureResident(sector)
		if err != nil {
			return err
		}

		raw := w.buffer[(sector-w.base)*w.geometry.BytesPerSector:]
		for j := uint(0); j < perSector; j++ {
			cluster := firstCluster + j
			if cluster < uint(firstDataCluster) {
				continue
			}
			if cluster > lastCluster {
				break
			}
			value := ClusterID(binary.LittleEndian.Uint32(raw[j*fatEntrySize:])) & clusterMask
			if visit(ClusterID(cluster), value) {
				return nil
			}
		}
	}
	return nil
}

// allocateCluster finds a free cluster, marks it as the end of a chain, and
// returns it. The caller is responsible for linking it to a chain if needed.
//
// The search begins at the resident FAT window so that consecutive allocations
// come out (mostly) contiguous. If no free cluster is left, it returns
// [ClusterExhausted] along with [bootfat.ErrNoSpaceOnDevice].
func (v *Volume) allocateCluster() (ClusterID, error) {
	startSector := uint(0)
	if v.fat.loaded {
		startSector = v.fat.base
	}

	found := ClusterExhausted
	err := v.fat.forEachEntry(startSector, func(cluster, value ClusterID) bool {
		if value == clusterFree {
			found = cluster
			return true
		}
		return false
	})
	if err != nil {
		return ClusterExhausted, err
	}
	if found == ClusterExhausted {
		return ClusterExhausted, bootfat.ErrNoSpaceOnDevice
	}

	// Mark the cluster as used right away so that the next allocation doesn't
	// hand it out again.
	err = v.fat.WriteEntry(found, ClusterEOCMark)
	if err != nil {
		return ClusterExhausted, err
	}

	v.logger.Debug("allocated cluster", slog.Uint64("cluster", uint64(found)))
	return found, nil
}

// releaseChain marks every cluster in the chain starting at `first` as free.
// It's used to undo a creation that failed partway through.
func (v *Volume) releaseChain(first ClusterID) error {
	cluster := first
	for steps := uint(0); v.geometry.IsDataCluster(cluster); steps++ {
		if steps > v.geometry.TotalClusters {
			return bootfat.ErrFileSystemCorrupted.WithMessage("cluster chain contains a cycle")
		}

		next, err := v.fat.ReadEntry(cluster)
		if err != nil {
			return err
		}
		err = v.fat.WriteEntry(cluster, clusterFree)
		if err != nil {
			return err
		}
		cluster = next
	}
	return nil
}

// releaseAfterFailure frees the chain at `first` after `cause` made an
// operation fail. Any error from freeing the chain is combined with `cause`.
func (v *Volume) releaseAfterFailure(first ClusterID, cause error) error {
	if !v.geometry.IsDataCluster(first) {
		return cause
	}
	err := v.releaseChain(first)
	if err != nil {
		return multierror.Append(cause, err)
	}
	return cause
}

// CountFreeClusters scans the entire FAT and returns the number of clusters
// that aren't in use.
func (v *Volume) CountFreeClusters() (uint, error) {
	free := uint(0)
	err := v.fat.forEachEntry(0, func(_, value ClusterID) bool {
		if value == clusterFree {
			free++
		}
		return false
	})
	return free, err
}
