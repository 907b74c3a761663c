package fat32

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
	"github.com/hashicorp/go-multierror"
)

// MountOptions tweaks how a volume is mounted. The zero value is usable.
type MountOptions struct {
	// WindowSectors is the number of FAT sectors kept in memory. Defaults to
	// [DefaultWindowSectors]. It's reduced to the size of the FAT if larger.
	WindowSectors uint
	// Logger receives debug records about window and cursor activity, and an
	// info record when the volume is mounted. Defaults to discarding
	// everything.
	Logger *slog.Logger
}

// Volume is a mounted FAT32 volume. It owns the FAT window and the directory
// buffer; nothing else in the package holds state.
type Volume struct {
	device   bootfat.BlockDevice
	geometry Geometry
	logger   *slog.Logger
	fat      *fatWindow
	// scratch is one cluster, shared by every cursor of the volume.
	scratch      []byte
	scratchOwner *dirCursor
}

var _ bootfat.Driver = (*Volume)(nil)

// ScratchSize returns the number of bytes of scratch space a volume with this
// geometry needs, given a FAT window of `windowSectors` sectors.
func (g *Geometry) ScratchSize(windowSectors uint) uint {
	if windowSectors == 0 {
		windowSectors = DefaultWindowSectors
	}
	if windowSectors > g.SectorsPerFAT {
		windowSectors = g.SectorsPerFAT
	}
	return windowSectors*g.BytesPerSector + g.BytesPerCluster()
}

// ReadGeometry reads the boot sector of the volume beginning at sector
// `partitionStart` of `device` and returns its layout, without mounting it.
//
// The device's sector size must be the same as the volume's.
func ReadGeometry(device bootfat.BlockDevice, partitionStart c.PhysicalBlock) (Geometry, error) {
	// The device's sector size isn't known yet, so read into a buffer big
	// enough for the largest one FAT allows.
	buffer := make([]byte, maxBytesPerSector)
	n, err := device.ReadBlocks(partitionStart, 1, buffer)
	if err != nil {
		return Geometry{}, bootfat.ErrIOFailed.Wrap(err)
	}
	if n <= 0 {
		return Geometry{}, bootfat.ErrIOFailed.WithMessage(
			fmt.Sprintf("read of boot sector %d returned no data", partitionStart))
	}
	if n < minBytesPerSector || n > len(buffer) {
		return Geometry{}, bootfat.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf("device sector size %d isn't supported", n))
	}

	geometry, err := parseGeometry(buffer[:n], partitionStart)
	if err != nil {
		return Geometry{}, err
	}
	if geometry.BytesPerSector != uint(n) {
		return Geometry{}, bootfat.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"volume uses %d-byte sectors but the device has %d-byte sectors",
				geometry.BytesPerSector,
				n))
	}
	return geometry, nil
}

// Mount reads the boot sector of the FAT32 volume starting at `partitionStart`
// and prepares it for use.
//
// `scratch` is the memory the volume works in. It must hold at least
// [Geometry.ScratchSize] bytes; pass nil to have it allocated.
//
// Mount fails with [bootfat.ErrInvalidFileSystem] if the volume isn't FAT32,
// and with [bootfat.ErrIOFailed] if the boot sector can't be read.
func Mount(
	device bootfat.BlockDevice,
	partitionStart c.PhysicalBlock,
	scratch []byte,
	options MountOptions,
) (*Volume, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	geometry, err := ReadGeometry(device, partitionStart)
	if err != nil {
		return nil, err
	}

	windowSectors := options.WindowSectors
	if windowSectors == 0 {
		windowSectors = DefaultWindowSectors
	}
	if windowSectors > geometry.SectorsPerFAT {
		windowSectors = geometry.SectorsPerFAT
	}

	needed := geometry.ScratchSize(windowSectors)
	if scratch == nil {
		scratch = make([]byte, needed)
	} else if uint(len(scratch)) < needed {
		return nil, bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"scratch space must be at least %d bytes, got %d", needed, len(scratch)))
	}

	if geometry.HiddenSectors != uint(partitionStart) {
		logger.Debug(
			"hidden sector count doesn't match partition start",
			slog.Uint64("hidden", uint64(geometry.HiddenSectors)),
			slog.Uint64("partition_start", uint64(partitionStart)))
	}

	windowBytes := windowSectors * geometry.BytesPerSector
	volume := &Volume{
		device:   device,
		geometry: geometry,
		logger:   logger,
		scratch:  scratch[windowBytes:needed],
	}
	volume.fat = newFATWindow(device, &volume.geometry, scratch[:windowBytes], logger)

	logger.Info(
		"mounted FAT32 volume",
		slog.Uint64("partition_start", uint64(partitionStart)),
		slog.Uint64("bytes_per_cluster", uint64(geometry.BytesPerCluster())),
		slog.Uint64("clusters", uint64(geometry.TotalClusters)),
		slog.String("label", geometry.VolumeLabel))
	return volume, nil
}

// Geometry returns the layout of the volume.
func (v *Volume) Geometry() Geometry {
	return v.geometry
}

// Flush writes all pending changes to the device: the FAT window (to every copy
// of the FAT) and whichever directory cluster is loaded.
func (v *Volume) Flush() error {
	var result *multierror.Error

	if v.scratchOwner != nil {
		err := v.scratchOwner.Flush()
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	err := v.fat.Flush()
	if err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
