package fat32

import (
	"fmt"

	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
)

// readSectors reads exactly `count` sectors into the start of `buffer`. A
// transfer shorter than requested is an I/O failure even if the device didn't
// report an error.
func readSectors(
	device bootfat.BlockDevice,
	start c.PhysicalBlock,
	count uint,
	bytesPerSector uint,
	buffer []byte,
) error {
	n, err := device.ReadBlocks(start, count, buffer)
	if err != nil {
		return bootfat.ErrIOFailed.Wrap(err)
	}
	if uint(n) < count*bytesPerSector {
		return bootfat.ErrIOFailed.WithMessage(
			fmt.Sprintf(
				"short read at sector %d: expected %d bytes, got %d",
				start,
				count*bytesPerSector,
				n))
	}
	return nil
}

func writeSectors(device bootfat.BlockDevice, start c.PhysicalBlock, count uint, buffer []byte) error {
	err := device.WriteBlocks(start, count, buffer)
	if err != nil {
		return bootfat.ErrIOFailed.Wrap(err)
	}
	return nil
}
