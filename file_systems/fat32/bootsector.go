package fat32

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
)

// Byte offsets of boot sector fields. Everything up to bpbTotSec32 is common to
// all FAT versions; the rest is the FAT32 extended BIOS parameter block.
const (
	bsJmpBoot      = 0
	bsOEMName      = 3
	bpbBytsPerSec  = 11
	bpbSecPerClus  = 13
	bpbRsvdSecCnt  = 14
	bpbNumFATs     = 16
	bpbRootEntCnt  = 17
	bpbTotSec16    = 19
	bpbMedia       = 21
	bpbFATSz16     = 22
	bpbHiddSec     = 28
	bpbTotSec32    = 32
	bpbFATSz32     = 36
	bpbRootClus32  = 44
	bpbFSInfo32    = 48
	bpbBkBootSec32 = 50
	bsVolID32      = 67
	bsVolLab32     = 71
	bsFilSysType32 = 82
	bsBootCode32   = 90
	bs55AA         = 510
)

const bootSignature = 0xAA55

// MinClusters is the smallest number of clusters a FAT32 volume may have.
// Volumes with fewer clusters are FAT12 or FAT16 and aren't supported.
const MinClusters = 65526

// MaxClusters is the largest number of clusters a FAT32 volume may have. Larger
// cluster numbers would collide with the reserved and end-of-chain values.
const MaxClusters = 0x0FFFFFF5

// minBytesPerSector and maxBytesPerSector bound the sector sizes FAT allows.
const (
	minBytesPerSector = 512
	maxBytesPerSector = 4096
)

// maxBytesPerCluster is the largest cluster size most implementations accept.
const maxBytesPerCluster = 32768

// DetermineFATVersion determines the version of the FAT file system based on the number
// of clusters on the system. (This is the only proper way to do so.)
func DetermineFATVersion(totalClusters uint) int {
	// These cluster counts, while odd-looking, are correct. They're taken directly from
	// Microsoft's FAT documentation, v1.03, page 14.
	if totalClusters < 4085 {
		return 12
	}
	if totalClusters < 65525 {
		return 16
	}
	return 32
}

// bootSector is a read-only view of the first sector of a volume.
type bootSector []byte

func (bs bootSector) u16(offset int) uint {
	return uint(binary.LittleEndian.Uint16(bs[offset:]))
}

func (bs bootSector) u32(offset int) uint {
	return uint(binary.LittleEndian.Uint32(bs[offset:]))
}

func (bs bootSector) BytesPerSector() uint {
	return bs.u16(bpbBytsPerSec)
}

func (bs bootSector) SectorsPerCluster() uint {
	return uint(bs[bpbSecPerClus])
}

func (bs bootSector) ReservedSectors() uint {
	return bs.u16(bpbRsvdSecCnt)
}

func (bs bootSector) NumFATs() uint {
	return uint(bs[bpbNumFATs])
}

// RootEntryCount is the size of the fixed root directory on FAT12/16. It must
// be zero on FAT32.
func (bs bootSector) RootEntryCount() uint {
	return bs.u16(bpbRootEntCnt)
}

// TotalSectors returns the number of sectors in the volume, including reserved
// sectors and the FATs.
func (bs bootSector) TotalSectors() uint {
	if total := bs.u16(bpbTotSec16); total != 0 {
		return total
	}
	return bs.u32(bpbTotSec32)
}

// SectorsPerFAT returns the size of one copy of the FAT, or 0 if the 16-bit
// field is in use, which means the volume isn't FAT32.
func (bs bootSector) SectorsPerFAT() uint {
	if bs.u16(bpbFATSz16) != 0 {
		return 0
	}
	return bs.u32(bpbFATSz32)
}

func (bs bootSector) HiddenSectors() uint {
	return bs.u32(bpbHiddSec)
}

func (bs bootSector) RootCluster() ClusterID {
	return ClusterID(bs.u32(bpbRootClus32))
}

func (bs bootSector) FSInfoSector() uint {
	return bs.u16(bpbFSInfo32)
}

func (bs bootSector) BackupBootSector() uint {
	return bs.u16(bpbBkBootSec32)
}

func (bs bootSector) VolumeID() uint32 {
	return binary.LittleEndian.Uint32(bs[bsVolID32:])
}

func (bs bootSector) VolumeLabel() string {
	return strings.TrimRight(string(bs[bsVolLab32:bsVolLab32+11]), " ")
}

func (bs bootSector) Signature() uint16 {
	return binary.LittleEndian.Uint16(bs[bs55AA:])
}

// IsBootSector reports whether `sector` plausibly holds a FAT32 boot sector, as
// opposed to, say, a partition table. It only looks at the fields that tell the
// two apart and doesn't validate the geometry; [Mount] does that.
func IsBootSector(sector []byte) bool {
	if len(sector) < minBytesPerSector {
		return false
	}

	bs := bootSector(sector)
	if bs.Signature() != bootSignature {
		return false
	}
	if sector[bsJmpBoot] != 0xEB && sector[bsJmpBoot] != 0xE9 {
		return false
	}
	return isValidSectorSize(bs.BytesPerSector()) && bs.SectorsPerFAT() != 0
}

func isValidSectorSize(size uint) bool {
	return size >= minBytesPerSector && size <= maxBytesPerSector && size&(size-1) == 0
}

////////////////////////////////////////////////////////////////////////////////

// Geometry describes the layout of a mounted volume. All sector numbers are
// absolute, i.e. already include the partition's starting sector.
type Geometry struct {
	BytesPerSector    uint
	SectorsPerCluster uint
	ReservedSectors   uint
	NumFATs           uint
	// SectorsPerFAT is the size of a single copy of the FAT.
	SectorsPerFAT uint
	// FATSectors is the size of all copies of the FAT together.
	FATSectors uint
	// RootDirSectors is the size of the fixed root directory, which is always
	// zero on FAT32.
	RootDirSectors uint
	FATStart       c.PhysicalBlock
	DataStart      c.PhysicalBlock
	RootCluster    ClusterID
	// TotalSectors is the size of the volume, not the whole device.
	TotalSectors   uint
	TotalClusters  uint
	HiddenSectors  uint
	PartitionStart c.PhysicalBlock
	// FSInfoSector and BackupBootSector are relative to the partition start.
	FSInfoSector     uint
	BackupBootSector uint
	VolumeID         uint32
	VolumeLabel      string
}

// BytesPerCluster returns the size of a cluster, in bytes.
func (g *Geometry) BytesPerCluster() uint {
	return g.BytesPerSector * g.SectorsPerCluster
}

// EntriesPerCluster returns the number of directory entries in one cluster.
func (g *Geometry) EntriesPerCluster() int {
	return int(g.BytesPerCluster() / direntSize)
}

// ClusterToSector returns the first sector of a cluster in the data region.
func (g *Geometry) ClusterToSector(cluster ClusterID) c.PhysicalBlock {
	return g.DataStart + c.PhysicalBlock(uint(cluster-firstDataCluster)*g.SectorsPerCluster)
}

// IsDataCluster reports whether `cluster` is a cluster in the data region,
// i.e. one that can appear in a chain.
func (g *Geometry) IsDataCluster(cluster ClusterID) bool {
	return cluster >= firstDataCluster && uint(cluster) < g.TotalClusters+uint(firstDataCluster)
}

// LastCluster returns the highest valid cluster number.
func (g *Geometry) LastCluster() ClusterID {
	return ClusterID(g.TotalClusters + uint(firstDataCluster) - 1)
}

// MaxDirectoryClusters returns the largest number of clusters a directory can
// span, which caps every directory at 65536 entries.
func (g *Geometry) MaxDirectoryClusters() uint {
	clusters := maxDirectoryBytes / g.BytesPerCluster()
	if clusters == 0 {
		return 1
	}
	return clusters
}

// parseGeometry validates the boot sector of a FAT32 volume that starts at
// `partitionStart` and computes its layout.
func parseGeometry(sector []byte, partitionStart c.PhysicalBlock) (Geometry, error) {
	if len(sector) < minBytesPerSector {
		return Geometry{}, bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("boot sector must be at least 512 bytes, got %d", len(sector)))
	}

	bs := bootSector(sector)
	if bs.Signature() != bootSignature {
		return Geometry{}, bootfat.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf("bad boot sector signature 0x%04x", bs.Signature()))
	}

	bytesPerSector := bs.BytesPerSector()
	if !isValidSectorSize(bytesPerSector) {
		return Geometry{}, bootfat.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"BytesPerSector must be 512, 1024, 2048, or 4096, got %d",
				bytesPerSector))
	}

	// SectorsPerCluster must be 2^x with x in [0, 8)
	sectorsPerCluster := bs.SectorsPerCluster()
	if sectorsPerCluster == 0 || sectorsPerCluster > 128 || sectorsPerCluster&(sectorsPerCluster-1) != 0 {
		return Geometry{}, bootfat.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"SectorsPerCluster must be a power of 2 in 1-128, got %d",
				sectorsPerCluster))
	}

	bytesPerCluster := bytesPerSector * sectorsPerCluster
	if bytesPerCluster > maxBytesPerCluster {
		return Geometry{}, bootfat.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"BytesPerCluster cannot exceed 32,768 but got %d", bytesPerCluster))
	}

	reservedSectors := bs.ReservedSectors()
	numFATs := bs.NumFATs()
	if reservedSectors == 0 || numFATs == 0 {
		return Geometry{}, bootfat.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"need at least one reserved sector and one FAT, got %d and %d",
				reservedSectors,
				numFATs))
	}

	sectorsPerFAT := bs.SectorsPerFAT()
	if sectorsPerFAT == 0 || bs.RootEntryCount() != 0 {
		return Geometry{}, bootfat.ErrInvalidFileSystem.WithMessage(
			"boot sector uses the FAT12/FAT16 layout")
	}

	// The number of sectors taken up by the root directory. On FAT32 systems,
	// this is always 0.
	rootDirSectors := ((bs.RootEntryCount() * direntSize) + (bytesPerSector - 1)) / bytesPerSector
	fatSectors := sectorsPerFAT * numFATs
	metadataSectors := reservedSectors + fatSectors + rootDirSectors

	totalSectors := bs.TotalSectors()
	if totalSectors <= metadataSectors {
		return Geometry{}, bootfat.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"volume of %d sectors has no room for data after %d metadata sectors",
				totalSectors,
				metadataSectors))
	}

	totalClusters := (totalSectors - metadataSectors) / sectorsPerCluster
	if totalClusters < MinClusters {
		return Geometry{}, bootfat.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"%d clusters is too few for FAT32, this looks like FAT%d",
				totalClusters,
				DetermineFATVersion(totalClusters)))
	}
	if totalClusters > MaxClusters {
		totalClusters = MaxClusters
	}

	if sectorsPerFAT*(bytesPerSector/4) < totalClusters+uint(firstDataCluster) {
		return Geometry{}, bootfat.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf(
				"FAT of %d sectors can't map %d clusters", sectorsPerFAT, totalClusters))
	}

	geometry := Geometry{
		BytesPerSector:    bytesPerSector,
		SectorsPerCluster: sectorsPerCluster,
		ReservedSectors:   reservedSectors,
		NumFATs:           numFATs,
		SectorsPerFAT:     sectorsPerFAT,
		FATSectors:        fatSectors,
		RootDirSectors:    rootDirSectors,
		FATStart:          partitionStart + c.PhysicalBlock(reservedSectors),
		DataStart:         partitionStart + c.PhysicalBlock(metadataSectors),
		RootCluster:       bs.RootCluster(),
		TotalSectors:      totalSectors,
		TotalClusters:     totalClusters,
		HiddenSectors:     bs.HiddenSectors(),
		PartitionStart:    partitionStart,
		FSInfoSector:      bs.FSInfoSector(),
		BackupBootSector:  bs.BackupBootSector(),
		VolumeID:          bs.VolumeID(),
		VolumeLabel:       bs.VolumeLabel(),
	}

	if !geometry.IsDataCluster(geometry.RootCluster) {
		return Geometry{}, bootfat.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf(
				"root directory cluster %d not in [2, %d]",
				geometry.RootCluster,
				geometry.LastCluster()))
	}
	return geometry, nil
}
