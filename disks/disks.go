package disks

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
	"github.com/dargueta/bootfat/file_systems/fat32"
	"github.com/gocarina/gocsv"
)

////////////////////////////////////////////////////////////////////////////////
// Formatter options

type BasicFormatterOptions interface {
	FormatOptions() fat32.FormatOptions
	TotalSizeBytes() int64
}

////////////////////////////////////////////////////////////////////////////////
// Presets

// VolumePreset describes a common card size and how to lay out a FAT32 volume
// on it.
type VolumePreset struct {
	Slug string `csv:"slug"`
	Name string `csv:"name"`
	// SizeMiB is the capacity of the whole device.
	SizeMiB           uint `csv:"size_mib"`
	BytesPerSector    uint `csv:"bytes_per_sector"`
	SectorsPerCluster uint `csv:"sectors_per_cluster"`

	// PartitionStart is the first sector of the FAT32 partition. If it's 0,
	// the device has no partition table and the volume covers all of it.
	PartitionStart uint   `csv:"partition_start"`
	Notes          string `csv:"notes"`
}

var _ BasicFormatterOptions = (*VolumePreset)(nil)

// TotalSizeBytes gives the size of the whole device, which is the size of the
// image file needed for it.
func (p *VolumePreset) TotalSizeBytes() int64 {
	return int64(p.SizeMiB) << 20
}

// TotalSectors gives the number of sectors in the whole device.
func (p *VolumePreset) TotalSectors() uint {
	return uint(p.TotalSizeBytes() / int64(p.BytesPerSector))
}

// IsPartitioned reports whether the device gets an MBR.
func (p *VolumePreset) IsPartitioned() bool {
	return p.PartitionStart != 0
}

// FirstSector is the first sector of the FAT32 volume.
func (p *VolumePreset) FirstSector() c.PhysicalBlock {
	return c.PhysicalBlock(p.PartitionStart)
}

// VolumeSectors gives the number of sectors in the FAT32 volume itself.
func (p *VolumePreset) VolumeSectors() uint {
	return p.TotalSectors() - p.PartitionStart
}

func (p *VolumePreset) FormatOptions() fat32.FormatOptions {
	return fat32.FormatOptions{
		BytesPerSector:    p.BytesPerSector,
		SectorsPerCluster: p.SectorsPerCluster,
	}
}

////////////////////////////////////////////////////////////////////////////////

//go:embed volume-presets.csv
var volumePresetsRawCSV string
var volumePresets map[string]VolumePreset

// GetPreset returns the preset with the given slug.
func GetPreset(slug string) (VolumePreset, error) {
	preset, ok := volumePresets[slug]
	if ok {
		return preset, nil
	}
	return VolumePreset{}, bootfat.ErrNotFound.WithMessage(
		fmt.Sprintf("no volume preset exists with slug %q", slug))
}

// Presets returns every preset, smallest device first.
func Presets() []VolumePreset {
	presets := make([]VolumePreset, 0, len(volumePresets))
	for _, preset := range volumePresets {
		presets = append(presets, preset)
	}
	sort.Slice(presets, func(i, j int) bool {
		if presets[i].SizeMiB != presets[j].SizeMiB {
			return presets[i].SizeMiB < presets[j].SizeMiB
		}
		return presets[i].Slug < presets[j].Slug
	})
	return presets
}

func parsePresets(rawCSV string) (map[string]VolumePreset, error) {
	csvReader := csv.NewReader(strings.NewReader(rawCSV))
	csvReader.Comma = '|'

	var rows []VolumePreset
	err := gocsv.UnmarshalCSV(csvReader, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to decode volume presets: %w", err)
	}

	presets := make(map[string]VolumePreset, len(rows))
	for i, row := range rows {
		_, exists := presets[row.Slug]
		if exists {
			return nil, fmt.Errorf(
				"duplicate definition for preset %q found on row %d", row.Slug, i+1)
		}
		if row.BytesPerSector == 0 || row.SizeMiB == 0 {
			return nil, fmt.Errorf("preset %q on row %d has no size", row.Slug, i+1)
		}
		presets[row.Slug] = row
	}
	return presets, nil
}

func init() {
	var err error
	volumePresets, err = parsePresets(volumePresetsRawCSV)
	if err != nil {
		panic(err)
	}
}
