// Package mbr reads and writes the partition table of a Master Boot Record,
// which is how a boot loader finds the FAT32 partition on a card.
package mbr

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
	"github.com/dargueta/bootfat/file_systems/fat32"
	"github.com/noxer/bytewriter"
)

const (
	SectorSize = 512
	// maxSectorSize is the largest sector size a device can have.
	maxSectorSize = 4096
	// MaxPartitions is the number of primary partitions an MBR can describe.
	MaxPartitions = 4

	diskIDOffset         = 440
	partitionTableOffset = 0x1BE
	partitionEntrySize   = 16
	partitionTableEnd    = partitionTableOffset + MaxPartitions*partitionEntrySize
	signatureOffset      = 510
	Signature            = 0xAA55

	statusInactive = 0x00
	statusBootable = 0x80

	// Geometry used to fill in CHS addresses. Nothing reads them anymore but
	// they should still be plausible.
	chsHeads           = 255
	chsSectorsPerTrack = 63
	chsMaxCylinder     = 1023
)

// PartitionType is the system ID byte of a partition table entry.
type PartitionType uint8

const (
	TypeEmpty       PartitionType = 0x00
	TypeFAT12       PartitionType = 0x01
	TypeFAT16Small  PartitionType = 0x04
	TypeExtendedCHS PartitionType = 0x05
	TypeFAT16       PartitionType = 0x06
	TypeNTFS        PartitionType = 0x07
	TypeFAT32CHS    PartitionType = 0x0B
	TypeFAT32LBA    PartitionType = 0x0C
	TypeFAT16LBA    PartitionType = 0x0E
	TypeExtendedLBA PartitionType = 0x0F
	TypeLinux       PartitionType = 0x83
)

func (t PartitionType) IsFAT32() bool {
	return t == TypeFAT32CHS || t == TypeFAT32LBA
}

// rawPartitionEntry is the on-disk layout of one partition table entry.
type rawPartitionEntry struct {
	Status      uint8
	FirstCHS    [3]byte
	Type        uint8
	LastCHS     [3]byte
	StartLBA    uint32
	SectorCount uint32
}

// Partition describes one entry of the partition table.
type Partition struct {
	Bootable bool
	Type     PartitionType
	// Start is the absolute sector number the partition begins at.
	Start c.PhysicalBlock
	// Sectors is the length of the partition, in sectors.
	Sectors uint
}

// IsEmpty reports whether the entry is unused.
func (p *Partition) IsEmpty() bool {
	return p.Type == TypeEmpty || p.Sectors == 0
}

// End returns the sector right after the last sector of the partition.
func (p *Partition) End() c.PhysicalBlock {
	return p.Start + c.PhysicalBlock(p.Sectors)
}

// Table is the partition table of an MBR.
type Table struct {
	DiskID     uint32
	Partitions [MaxPartitions]Partition
}

// Parse decodes the partition table of the MBR held in `sector`.
//
// It fails with [bootfat.ErrInvalidFileSystem] if the sector doesn't end in the
// boot signature, and with [bootfat.ErrFileSystemCorrupted] if an entry has an
// impossible status byte or overlaps another one.
func Parse(sector []byte) (Table, error) {
	if len(sector) < SectorSize {
		return Table{}, bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("MBR must be at least %d bytes, got %d", SectorSize, len(sector)))
	}

	signature := binary.LittleEndian.Uint16(sector[signatureOffset:])
	if signature != Signature {
		return Table{}, bootfat.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf("bad MBR signature 0x%04x", signature))
	}

	var raw [MaxPartitions]rawPartitionEntry
	reader := bytes.NewReader(sector[partitionTableOffset:partitionTableEnd])
	err := binary.Read(reader, binary.LittleEndian, &raw)
	if err != nil {
		return Table{}, bootfat.ErrFileSystemCorrupted.Wrap(err)
	}

	table := Table{DiskID: binary.LittleEndian.Uint32(sector[diskIDOffset:])}
	for i, entry := range raw {
		if entry.Status != statusInactive && entry.Status != statusBootable {
			return Table{}, bootfat.ErrFileSystemCorrupted.WithMessage(
				fmt.Sprintf("partition %d has invalid status byte 0x%02x", i, entry.Status))
		}
		table.Partitions[i] = Partition{
			Bootable: entry.Status == statusBootable,
			Type:     PartitionType(entry.Type),
			Start:    c.PhysicalBlock(entry.StartLBA),
			Sectors:  uint(entry.SectorCount),
		}
	}

	err = table.checkOverlaps()
	if err != nil {
		return Table{}, err
	}
	return table, nil
}

func (t *Table) checkOverlaps() error {
	for i := range t.Partitions {
		a := &t.Partitions[i]
		if a.IsEmpty() {
			continue
		}
		for j := i + 1; j < MaxPartitions; j++ {
			b := &t.Partitions[j]
			if b.IsEmpty() {
				continue
			}
			if a.Start < b.End() && b.Start < a.End() {
				return bootfat.ErrFileSystemCorrupted.WithMessage(
					fmt.Sprintf("partitions %d and %d overlap", i, j))
			}
		}
	}
	return nil
}

// FirstFAT32 returns the first partition whose type says it's FAT32, along with
// its index in the table.
func (t *Table) FirstFAT32() (Partition, int, error) {
	for i, partition := range t.Partitions {
		if partition.Type.IsFAT32() && !partition.IsEmpty() {
			return partition, i, nil
		}
	}
	return Partition{}, -1, bootfat.ErrNotFound.WithMessage("no FAT32 partition in MBR")
}

// lbaToCHS converts a sector number to the three CHS bytes of a partition
// entry. Sectors past what CHS can address get the conventional maximum.
func lbaToCHS(lba uint) [3]byte {
	cylinder := lba / (chsHeads * chsSectorsPerTrack)
	if cylinder > chsMaxCylinder {
		return [3]byte{0xFE, 0xFF, 0xFF}
	}
	head := (lba / chsSectorsPerTrack) % chsHeads
	sector := lba%chsSectorsPerTrack + 1
	return [3]byte{
		byte(head),
		byte(sector) | byte((cylinder>>2)&0xC0),
		byte(cylinder),
	}
}

// Pack writes the partition table and the boot signature into `sector`,
// leaving the boot code alone.
func (t *Table) Pack(sector []byte) error {
	if len(sector) < SectorSize {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("MBR must be at least %d bytes, got %d", SectorSize, len(sector)))
	}
	err := t.checkOverlaps()
	if err != nil {
		return bootfat.ErrInvalidArgument.Wrap(err)
	}

	var raw [MaxPartitions]rawPartitionEntry
	for i, partition := range t.Partitions {
		if partition.IsEmpty() {
			continue
		}
		if uint(partition.End()) > 0xFFFFFFFF {
			return bootfat.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("partition %d ends past what an MBR can address", i))
		}

		status := uint8(statusInactive)
		if partition.Bootable {
			status = statusBootable
		}
		raw[i] = rawPartitionEntry{
			Status:      status,
			FirstCHS:    lbaToCHS(uint(partition.Start)),
			Type:        uint8(partition.Type),
			LastCHS:     lbaToCHS(uint(partition.End()) - 1),
			StartLBA:    uint32(partition.Start),
			SectorCount: uint32(partition.Sectors),
		}
	}

	binary.LittleEndian.PutUint32(sector[diskIDOffset:], t.DiskID)
	writer := bytewriter.New(sector[partitionTableOffset:partitionTableEnd])
	err = binary.Write(writer, binary.LittleEndian, &raw)
	if err != nil {
		return bootfat.ErrIOFailed.Wrap(err)
	}
	binary.LittleEndian.PutUint16(sector[signatureOffset:], Signature)
	return nil
}

// NewSinglePartitionTable returns a table with one bootable FAT32 (LBA)
// partition, the way SD cards usually come.
func NewSinglePartitionTable(diskID uint32, start c.PhysicalBlock, sectors uint) Table {
	table := Table{DiskID: diskID}
	table.Partitions[0] = Partition{
		Bootable: true,
		Type:     TypeFAT32LBA,
		Start:    start,
		Sectors:  sectors,
	}
	return table
}

// Write packs `table` into a blank sector and writes it to sector 0 of
// `device`.
func Write(device bootfat.BlockDevice, table Table) error {
	sector := make([]byte, SectorSize)
	err := table.Pack(sector)
	if err != nil {
		return err
	}

	err = device.WriteBlocks(0, 1, sector)
	if err != nil {
		return bootfat.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Read reads and parses the partition table in sector 0 of `device`.
func Read(device bootfat.BlockDevice) (Table, error) {
	sector, err := readFirstSector(device)
	if err != nil {
		return Table{}, err
	}
	return Parse(sector)
}

// readFirstSector reads sector 0 of `device`, whatever its sector size.
func readFirstSector(device bootfat.BlockDevice) ([]byte, error) {
	sector := make([]byte, maxSectorSize)
	n, err := device.ReadBlocks(0, 1, sector)
	if err != nil {
		return nil, bootfat.ErrIOFailed.Wrap(err)
	}
	if n < SectorSize {
		return nil, bootfat.ErrIOFailed.WithMessage(
			fmt.Sprintf("short read of MBR: got %d bytes", n))
	}
	return sector[:n], nil
}

// LocateFAT32 finds where the FAT32 volume on `device` starts. A device whose
// first sector is already a FAT32 boot sector has no partition table, and the
// volume starts at sector 0. Otherwise the first FAT32 partition in the MBR is
// used.
func LocateFAT32(device bootfat.BlockDevice) (c.PhysicalBlock, error) {
	sector, err := readFirstSector(device)
	if err != nil {
		return 0, err
	}
	if fat32.IsBootSector(sector) {
		return 0, nil
	}

	table, err := Parse(sector)
	if err != nil {
		return 0, err
	}
	partition, _, err := table.FirstFAT32()
	if err != nil {
		return 0, err
	}
	return partition.Start, nil
}
