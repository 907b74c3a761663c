package fat32

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
)

// ClusterID is the index of a cluster, and also the value type of a FAT entry.
type ClusterID uint32

const (
	clusterFree      ClusterID = 0
	firstDataCluster ClusterID = 2

	// ClusterExhausted is returned by the allocator when no free cluster is
	// left. It's the "bad cluster" value, so it can never be a valid cluster.
	ClusterExhausted ClusterID = 0x0FFFFFF7

	// ClusterEOC is the smallest end-of-chain value. Any entry at or above it
	// terminates a chain.
	ClusterEOC ClusterID = 0x0FFFFFF8

	// ClusterEOCMark is the value this driver writes to terminate a chain.
	ClusterEOCMark ClusterID = 0x0FFFFFFF

	// clusterMask selects the 28 bits of a FAT entry that hold the value. The
	// upper four bits are reserved and must be preserved.
	clusterMask ClusterID = 0x0FFFFFFF
)

const fatEntrySize = 4

// DefaultWindowSectors is the size of the FAT window when none is given.
const DefaultWindowSectors = 4

// fatWindow caches a few consecutive sectors of the FAT. Only one window is
// resident at a time; moving it writes back the old one first if it's dirty.
//
// The window addresses the first copy of the FAT. Flushing writes it to every
// copy so that all of them stay identical.
type fatWindow struct {
	device   bootfat.BlockDevice
	geometry *Geometry
	logger   *slog.Logger
	buffer   []byte
	// sectors is the number of FAT sectors the window holds.
	sectors uint
	// base is the first sector in the window, relative to the start of the FAT.
	base   uint
	loaded bool
	dirty  bool
}

func newFATWindow(
	device bootfat.BlockDevice,
	geometry *Geometry,
	buffer []byte,
	logger *slog.Logger,
) *fatWindow {
	return &fatWindow{
		device:   device,
		geometry: geometry,
		logger:   logger,
		buffer:   buffer,
		sectors:  uint(len(buffer)) / geometry.BytesPerSector,
	}
}

func (w *fatWindow) entriesPerSector() uint {
	return w.geometry.BytesPerSector / fatEntrySize
}

// locate returns the FAT sector (relative to the start of the table) holding
// the entry for `cluster`, and the entry's byte offset within that sector.
func (w *fatWindow) locate(cluster ClusterID) (uint, uint) {
	byteOffset := uint(cluster) * fatEntrySize
	return byteOffset / w.geometry.BytesPerSector, byteOffset % w.geometry.BytesPerSector
}

func (w *fatWindow) contains(sector uint) bool {
	return w.loaded && sector >= w.base && sector < w.base+w.sectors
}

// ensureResident makes sure the FAT sector `sector` is in the window, moving
// the window if needed. The new window starts at `sector` unless that would
// run past the end of the table.
func (w *fatWindow) ensureResident(sector uint) error {
	if w.contains(sector) {
		return nil
	}
	if sector >= w.geometry.SectorsPerFAT {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"FAT sector %d not in [0, %d)", sector, w.geometry.SectorsPerFAT))
	}

	err := w.Flush()
	if err != nil {
		return err
	}

	base := sector
	if base > w.geometry.SectorsPerFAT-w.sectors {
		base = w.geometry.SectorsPerFAT - w.sectors
	}

	w.loaded = false
	err = readSectors(
		w.device,
		w.geometry.FATStart+c.PhysicalBlock(base),
		w.sectors,
		w.geometry.BytesPerSector,
		w.buffer,
	)
	if err != nil {
		return err
	}

	w.base = base
	w.loaded = true
	w.logger.Debug("loaded FAT window", slog.Uint64("base", uint64(base)))
	return nil
}

// slot returns the four bytes of the window at `offset` in FAT sector `sector`.
// The entry must already be resident.
func (w *fatWindow) slot(sector, offset uint) []byte {
	start := (sector-w.base)*w.geometry.BytesPerSector + offset
	return w.buffer[start : start+fatEntrySize]
}

func (w *fatWindow) checkCluster(cluster ClusterID) error {
	if uint(cluster) > uint(w.geometry.LastCluster()) {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"cluster %d not in [0, %d]", cluster, w.geometry.LastCluster()))
	}
	return nil
}

// ReadEntry returns the value of the FAT entry for `cluster`, without the
// reserved upper four bits.
func (w *fatWindow) ReadEntry(cluster ClusterID) (ClusterID, error) {
	err := w.checkCluster(cluster)
	if err != nil {
		return 0, err
	}

	sector, offset := w.locate(cluster)
	err = w.ensureResident(sector)
	if err != nil {
		return 0, err
	}
	return ClusterID(binary.LittleEndian.Uint32(w.slot(sector, offset))) & clusterMask, nil
}

// WriteEntry sets the FAT entry for `cluster` to `value`, keeping the entry's
// reserved upper four bits. The change stays in the window until it's flushed.
func (w *fatWindow) WriteEntry(cluster, value ClusterID) error {
	err := w.checkCluster(cluster)
	if err != nil {
		return err
	}

	sector, offset := w.locate(cluster)
	err = w.ensureResident(sector)
	if err != nil {
		return err
	}

	raw := w.slot(sector, offset)
	reserved := ClusterID(binary.LittleEndian.Uint32(raw)) &^ clusterMask
	binary.LittleEndian.PutUint32(raw, uint32(reserved|(value&clusterMask)))
	w.dirty = true
	return nil
}

// Flush writes the window back to every copy of the FAT if it's been modified.
func (w *fatWindow) Flush() error {
	if !w.loaded || !w.dirty {
		return nil
	}

	for i := uint(0); i < w.geometry.NumFATs; i++ {
		start := w.geometry.FATStart + c.PhysicalBlock(i*w.geometry.SectorsPerFAT+w.base)
		err := writeSectors(w.device, start, w.sectors, w.buffer)
		if err != nil {
			return err
		}
	}

	w.dirty = false
	w.logger.Debug("flushed FAT window", slog.Uint64("base", uint64(w.base)))
	return nil
}
