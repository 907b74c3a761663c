package testing

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
)

// SparseDevice is an in-memory block device that only stores sectors that have
// been written with nonzero data. Every other sector reads back as zeroes, so a
// multi-gigabyte card costs a few kilobytes until something is written to it.
type SparseDevice struct {
	BytesPerBlock uint
	TotalBlocks   uint
	// Reads counts calls to ReadBlocks.
	Reads int
	// Writes counts calls to WriteBlocks.
	Writes  int
	sectors map[c.PhysicalBlock][]byte
}

var _ bootfat.BlockDevice = (*SparseDevice)(nil)

func NewSparseDevice(bytesPerBlock, totalBlocks uint) *SparseDevice {
	return &SparseDevice{
		BytesPerBlock: bytesPerBlock,
		TotalBlocks:   totalBlocks,
		sectors:       make(map[c.PhysicalBlock][]byte),
	}
}

func (dev *SparseDevice) checkBounds(start c.PhysicalBlock, count uint, buffer []byte) error {
	if uint(start)+count > dev.TotalBlocks {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"blocks [%d, %d) not in [0, %d)", start, uint(start)+count, dev.TotalBlocks),
		)
	}
	if uint(len(buffer)) < count*dev.BytesPerBlock {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("buffer of %d bytes can't hold %d blocks", len(buffer), count),
		)
	}
	return nil
}

func (dev *SparseDevice) ReadBlocks(start c.PhysicalBlock, count uint, buffer []byte) (int, error) {
	dev.Reads++
	err := dev.checkBounds(start, count, buffer)
	if err != nil {
		return 0, err
	}

	for i := uint(0); i < count; i++ {
		target := buffer[i*dev.BytesPerBlock : (i+1)*dev.BytesPerBlock]
		sector, ok := dev.sectors[start+c.PhysicalBlock(i)]
		if ok {
			copy(target, sector)
		} else {
			clear(target)
		}
	}
	return int(count * dev.BytesPerBlock), nil
}

func (dev *SparseDevice) WriteBlocks(start c.PhysicalBlock, count uint, buffer []byte) error {
	dev.Writes++
	err := dev.checkBounds(start, count, buffer)
	if err != nil {
		return err
	}

	zero := make([]byte, dev.BytesPerBlock)
	for i := uint(0); i < count; i++ {
		source := buffer[i*dev.BytesPerBlock : (i+1)*dev.BytesPerBlock]
		block := start + c.PhysicalBlock(i)
		if bytes.Equal(source, zero) {
			delete(dev.sectors, block)
			continue
		}
		dev.sectors[block] = append([]byte(nil), source...)
	}
	return nil
}

// Sector returns a copy of the contents of a single sector.
func (dev *SparseDevice) Sector(block c.PhysicalBlock) []byte {
	sector := make([]byte, dev.BytesPerBlock)
	copy(sector, dev.sectors[block])
	return sector
}

// PutSector overwrites a single sector without counting it as a write.
func (dev *SparseDevice) PutSector(block c.PhysicalBlock, data []byte) {
	sector := make([]byte, dev.BytesPerBlock)
	copy(sector, data)
	dev.sectors[block] = sector
}

// UsedSectors returns the indices of all sectors holding nonzero data, in
// ascending order.
func (dev *SparseDevice) UsedSectors() []c.PhysicalBlock {
	used := make([]c.PhysicalBlock, 0, len(dev.sectors))
	for block := range dev.sectors {
		used = append(used, block)
	}
	sort.Slice(used, func(i, j int) bool { return used[i] < used[j] })
	return used
}

////////////////////////////////////////////////////////////////////////////////

// FailingDevice wraps another device and makes selected operations fail, to
// check that device errors reach the caller.
type FailingDevice struct {
	bootfat.BlockDevice
	// FailReads makes every read return ReadError.
	FailReads bool
	// ShortReads makes every read report zero bytes transferred with no error.
	ShortReads bool
	// FailWrites makes every write return WriteError.
	FailWrites bool
	// FailReadsFrom, if nonzero, makes reads of any sector at or past it fail.
	FailReadsFrom c.PhysicalBlock
	ReadError     error
	WriteError    error
}

func (dev *FailingDevice) ReadBlocks(start c.PhysicalBlock, count uint, buffer []byte) (int, error) {
	failRange := dev.FailReadsFrom != 0 && uint(start)+count > uint(dev.FailReadsFrom)
	if dev.FailReads || failRange {
		return 0, dev.ReadError
	}
	if dev.ShortReads {
		return 0, nil
	}
	return dev.BlockDevice.ReadBlocks(start, count, buffer)
}

func (dev *FailingDevice) WriteBlocks(start c.PhysicalBlock, count uint, buffer []byte) error {
	if dev.FailWrites {
		return dev.WriteError
	}
	return dev.BlockDevice.WriteBlocks(start, count, buffer)
}
