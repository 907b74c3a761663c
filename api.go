package bootfat

import (
	c "github.com/dargueta/bootfat/file_systems/common"
)

//go:generate mockgen -destination=internal/mocks/mock_blockdevice.go -package=mocks github.com/dargueta/bootfat BlockDevice

// BlockDevice is a sector-addressed storage device, such as the boot card
// itself or an image file standing in for one. All transfers are whole sectors.
//
// Implementations block until the transfer completes or fails. Timeouts belong
// to the device; file system drivers pass device errors upward without
// retrying.
type BlockDevice interface {
	// ReadBlocks reads `count` sectors beginning at `start` into `buffer` and
	// returns the number of bytes transferred. A transfer shorter than
	// requested, including zero bytes, is a failure even if err is nil.
	ReadBlocks(start c.PhysicalBlock, count uint, buffer []byte) (int, error)

	// WriteBlocks writes `count` sectors from `buffer` beginning at `start`.
	WriteBlocks(start c.PhysicalBlock, count uint, buffer []byte) error
}

// ReadAll can be passed as the size argument to [ReadingDriver.ReadFile] to
// read up to the file's stored size.
const ReadAll int64 = -1

// FileStat describes a directory entry the way stat(2) would, restricted to the
// fields a boot loader cares about.
type FileStat struct {
	Size int64
	// BlockSize is the size of a sector on the volume.
	BlockSize int64
	// BlockCount is Size / BlockSize, rounded down.
	BlockCount int64
	// Mode contains the S_IF* type bits and permission bits. FAT has no
	// permissions, so these are derived from the read-only attribute.
	Mode uint32
}

// IsDir returns true if the entry is a directory.
func (s FileStat) IsDir() bool {
	return s.Mode&S_IFMT == S_IFDIR
}

// ReadingDriver is the interface for drivers supporting read operations.
type ReadingDriver interface {
	// ReadFile copies up to `size` bytes of the file at `path` into `buffer`,
	// skipping the first `offset` bytes of the file. Passing [ReadAll] for
	// `size` reads through the end of the file. It returns the number of bytes
	// copied, which is less than requested if the file ends first.
	ReadFile(path string, buffer []byte, offset, size int64) (int, error)
	// Stat returns information about the directory entry at the given path.
	Stat(path string) (FileStat, error)
}

// WritingDriver is the interface for drivers supporting write operations.
type WritingDriver interface {
	// MkFile creates a new file at `path` containing `data`. Parent directories
	// must already exist.
	MkFile(path string, data []byte) error
	// Mkdir creates a new, empty directory at `path`.
	Mkdir(path string) error
}

// Driver is the interface for drivers implementing all driver capabilities.
type Driver interface {
	ReadingDriver
	WritingDriver

	// Flush writes all cached changes to the device.
	Flush() error
}
