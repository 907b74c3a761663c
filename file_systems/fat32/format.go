package fat32

import (
	"encoding/binary"
	"fmt"

	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
	"github.com/google/uuid"
	"github.com/noxer/bytewriter"
)

// rawBootSector is the on-disk layout of the first 90 bytes of a FAT32 boot
// sector. It's only used for writing; reading goes through [bootSector].
type rawBootSector struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	SectorsPerFAT32   uint32
	ExtFlags          uint16
	FSVersion         uint16
	RootCluster       uint32
	FSInfoSector      uint16
	BackupBootSector  uint16
	Reserved          [12]byte
	DriveNumber       uint8
	Reserved1         uint8
	BootSignature     uint8
	VolumeID          uint32
	VolumeLabel       [11]byte
	FileSystemType    [8]byte
}

// rawFSInfo is the on-disk layout of the FSInfo sector.
type rawFSInfo struct {
	LeadSignature   uint32
	Reserved1       [480]byte
	StructSignature uint32
	FreeCount       uint32
	NextFree        uint32
	Reserved2       [12]byte
	TrailSignature  uint32
}

const (
	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xAA550000

	mediaFixedDisk = 0xF8
	// extendedBootSignature says the volume ID, label and file system type
	// fields are present.
	extendedBootSignature = 0x29
	firstHardDrive        = 0x80

	defaultNumFATs         = 2
	defaultReservedSectors = 32
	defaultFSInfoSector    = 1
	defaultBackupBootSect  = 6
	defaultVolumeLabel     = "NO NAME"
	defaultOEMName         = "BOOTFAT "

	// zeroChunkSectors is how many sectors are zeroed per write when clearing
	// the FATs.
	zeroChunkSectors = 64
)

// FormatOptions controls the layout of a new volume. The zero value gives a
// volume like most tools would create.
type FormatOptions struct {
	// BytesPerSector defaults to 512.
	BytesPerSector uint
	// SectorsPerCluster is picked from the volume size if zero.
	SectorsPerCluster uint
	// NumFATs defaults to 2.
	NumFATs uint
	// ReservedSectors defaults to 32. It must leave room for the boot sector,
	// FSInfo and their backups.
	ReservedSectors uint
	// VolumeLabel is upper-cased and cut to 11 characters. Defaults to
	// "NO NAME".
	VolumeLabel string
	// VolumeID is random if zero.
	VolumeID uint32
}

// DefaultSectorsPerCluster picks a cluster size for a volume of `totalSectors`
// sectors, following the table most formatting tools use.
func DefaultSectorsPerCluster(totalSectors, bytesPerSector uint) uint {
	sizeInBytes := uint64(totalSectors) * uint64(bytesPerSector)

	var clusterBytes uint
	switch {
	case sizeInBytes < 260<<20:
		clusterBytes = 512
	case sizeInBytes < 8<<30:
		clusterBytes = 4096
	case sizeInBytes < 16<<30:
		clusterBytes = 8192
	case sizeInBytes < 32<<30:
		clusterBytes = 16384
	default:
		clusterBytes = 32768
	}

	if clusterBytes < bytesPerSector {
		return 1
	}
	return clusterBytes / bytesPerSector
}

// fatSizeFor returns the number of sectors one FAT needs so that it can map
// every cluster that could fit in the volume. It slightly overestimates, since
// the space taken by the FATs themselves isn't subtracted first.
func fatSizeFor(totalSectors, reservedSectors, sectorsPerCluster, bytesPerSector uint) uint {
	maxClusters := (totalSectors - reservedSectors) / sectorsPerCluster
	return c.BlocksForLength((maxClusters+uint(firstDataCluster))*fatEntrySize, bytesPerSector)
}

func (options *FormatOptions) setDefaults(totalSectors uint) {
	if options.BytesPerSector == 0 {
		options.BytesPerSector = minBytesPerSector
	}
	if options.NumFATs == 0 {
		options.NumFATs = defaultNumFATs
	}
	if options.ReservedSectors == 0 {
		options.ReservedSectors = defaultReservedSectors
	}
	if options.VolumeLabel == "" {
		options.VolumeLabel = defaultVolumeLabel
	}
	if options.VolumeID == 0 {
		id := uuid.New()
		options.VolumeID = binary.LittleEndian.Uint32(id[:4])
	}
	if options.SectorsPerCluster == 0 {
		options.SectorsPerCluster = DefaultSectorsPerCluster(totalSectors, options.BytesPerSector)
	}
}

func (options *FormatOptions) validate(totalSectors uint) error {
	if !isValidSectorSize(options.BytesPerSector) {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"BytesPerSector must be 512, 1024, 2048, or 4096, got %d",
				options.BytesPerSector))
	}

	spc := options.SectorsPerCluster
	if spc > 128 || spc&(spc-1) != 0 {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("SectorsPerCluster must be a power of 2 in 1-128, got %d", spc))
	}
	if spc*options.BytesPerSector > maxBytesPerCluster {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"BytesPerCluster cannot exceed 32,768 but got %d",
				spc*options.BytesPerSector))
	}

	if options.ReservedSectors <= defaultBackupBootSect+defaultFSInfoSector {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"need more than %d reserved sectors, got %d",
				defaultBackupBootSect+defaultFSInfoSector,
				options.ReservedSectors))
	}
	if options.NumFATs == 0 || options.NumFATs > 4 {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("NumFATs must be in 1-4, got %d", options.NumFATs))
	}
	if totalSectors <= options.ReservedSectors {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("volume of %d sectors is too small", totalSectors))
	}
	return nil
}

// zeroSectors writes zeroes over `count` sectors beginning at `start`.
func zeroSectors(device bootfat.BlockDevice, start c.PhysicalBlock, count, bytesPerSector uint) error {
	chunk := make([]byte, zeroChunkSectors*bytesPerSector)
	for count > 0 {
		n := min(count, zeroChunkSectors)
		err := writeSectors(device, start, n, chunk)
		if err != nil {
			return err
		}
		start += c.PhysicalBlock(n)
		count -= n
	}
	return nil
}

// Format creates an empty FAT32 volume of `totalSectors` sectors beginning at
// sector `partitionStart` of `device`, and returns its layout.
//
// Only the metadata is written: the reserved sectors, the FATs, and the root
// directory's single cluster. The boot sector is written last, so a volume
// that fails to format partway through won't mount.
func Format(
	device bootfat.BlockDevice,
	partitionStart c.PhysicalBlock,
	totalSectors uint,
	options FormatOptions,
) (Geometry, error) {
	options.setDefaults(totalSectors)
	err := options.validate(totalSectors)
	if err != nil {
		return Geometry{}, err
	}

	bps := options.BytesPerSector
	spc := options.SectorsPerCluster
	fatSectors := fatSizeFor(totalSectors, options.ReservedSectors, spc, bps)
	metadataSectors := options.ReservedSectors + options.NumFATs*fatSectors
	if totalSectors <= metadataSectors {
		return Geometry{}, bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("volume of %d sectors is too small", totalSectors))
	}

	totalClusters := (totalSectors - metadataSectors) / spc
	if totalClusters < MinClusters {
		return Geometry{}, bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"volume would only have %d clusters, FAT32 needs at least %d",
				totalClusters,
				MinClusters))
	}
	if totalClusters > MaxClusters {
		return Geometry{}, bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"volume would have %d clusters, FAT32 allows at most %d",
				totalClusters,
				MaxClusters))
	}

	// Clear the reserved sectors and all FATs, then fill in the first entries
	// of each FAT.
	err = zeroSectors(device, partitionStart, metadataSectors, bps)
	if err != nil {
		return Geometry{}, err
	}

	rootCluster := firstDataCluster
	fatHead := make([]byte, bps)
	binary.LittleEndian.PutUint32(fatHead[0:], uint32(clusterMask&^0xFF|mediaFixedDisk))
	binary.LittleEndian.PutUint32(fatHead[4:], uint32(ClusterEOCMark))
	binary.LittleEndian.PutUint32(fatHead[8:], uint32(ClusterEOCMark))

	fatStart := partitionStart + c.PhysicalBlock(options.ReservedSectors)
	for i := uint(0); i < options.NumFATs; i++ {
		err = writeSectors(device, fatStart+c.PhysicalBlock(i*fatSectors), 1, fatHead)
		if err != nil {
			return Geometry{}, err
		}
	}

	// Empty root directory.
	dataStart := partitionStart + c.PhysicalBlock(metadataSectors)
	err = zeroSectors(device, dataStart, spc, bps)
	if err != nil {
		return Geometry{}, err
	}

	// FSInfo and its backup.
	fsInfo := rawFSInfo{
		LeadSignature:   fsInfoLeadSignature,
		StructSignature: fsInfoStructSignature,
		FreeCount:       uint32(totalClusters - 1),
		NextFree:        uint32(rootCluster + 1),
		TrailSignature:  fsInfoTrailSignature,
	}
	fsInfoSector := make([]byte, bps)
	err = binary.Write(bytewriter.New(fsInfoSector), binary.LittleEndian, &fsInfo)
	if err != nil {
		return Geometry{}, bootfat.ErrIOFailed.Wrap(err)
	}

	// Boot sector.
	header := rawBootSector{
		JmpBoot:           [3]byte{0xEB, 0x58, 0x90},
		BytesPerSector:    uint16(bps),
		SectorsPerCluster: uint8(spc),
		ReservedSectors:   uint16(options.ReservedSectors),
		NumFATs:           uint8(options.NumFATs),
		Media:             mediaFixedDisk,
		SectorsPerTrack:   63,
		NumHeads:          255,
		HiddenSectors:     uint32(partitionStart),
		TotalSectors32:    uint32(totalSectors),
		SectorsPerFAT32:   uint32(fatSectors),
		RootCluster:       uint32(rootCluster),
		FSInfoSector:      defaultFSInfoSector,
		BackupBootSector:  defaultBackupBootSect,
		DriveNumber:       firstHardDrive,
		BootSignature:     extendedBootSignature,
		VolumeID:          options.VolumeID,
	}
	copy(header.OEMName[:], defaultOEMName)
	copy(header.VolumeLabel[:], padRight(upperASCII(options.VolumeLabel), 11))
	copy(header.FileSystemType[:], "FAT32   ")

	bootSectorData := make([]byte, bps)
	err = binary.Write(bytewriter.New(bootSectorData), binary.LittleEndian, &header)
	if err != nil {
		return Geometry{}, bootfat.ErrIOFailed.Wrap(err)
	}
	binary.LittleEndian.PutUint16(bootSectorData[bs55AA:], bootSignature)

	backup := partitionStart + defaultBackupBootSect
	writes := []struct {
		sector c.PhysicalBlock
		data   []byte
	}{
		{backup + defaultFSInfoSector, fsInfoSector},
		{backup, bootSectorData},
		{partitionStart + defaultFSInfoSector, fsInfoSector},
		{partitionStart, bootSectorData},
	}
	for _, w := range writes {
		err = writeSectors(device, w.sector, 1, w.data)
		if err != nil {
			return Geometry{}, err
		}
	}

	return parseGeometry(bootSectorData, partitionStart)
}

// padRight pads `s` with spaces or cuts it so that it's exactly `length` bytes.
func padRight(s string, length int) string {
	if len(s) >= length {
		return s[:length]
	}
	for len(s) < length {
		s += " "
	}
	return s
}
