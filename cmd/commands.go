package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/dargueta/bootfat"
	"github.com/dargueta/bootfat/disks"
	"github.com/dargueta/bootfat/file_systems/common/blockcache"
	"github.com/dargueta/bootfat/file_systems/common/blockdev"
	"github.com/dargueta/bootfat/file_systems/fat32"
	"github.com/dargueta/bootfat/mbr"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

type volumeAction func(ctx *cli.Context, volume *fat32.Volume) error

// withVolume mounts the image around `action`. Changes made by the action are
// only written to the image if it succeeds.
func (t *tool) withVolume(action volumeAction) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		err := t.config.Validate()
		if err != nil {
			return err
		}

		s, err := openSession(t.hostFS, t.config, t.logger)
		if err != nil {
			return err
		}
		return s.Close(action(ctx, s.volume))
	}
}

func checkArgCount(ctx *cli.Context, minArgs, maxArgs int) error {
	n := ctx.Args().Len()
	if n < minArgs || (maxArgs >= 0 && n > maxArgs) {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("usage: %s %s", ctx.Command.Name, ctx.Command.ArgsUsage))
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Formatting

// createImage creates the image file and formats it with `preset`. An existing
// image is only replaced if `force` is set.
func (t *tool) createImage(preset *disks.VolumePreset, label string, force bool) (fat32.Geometry, error) {
	exists, err := afero.Exists(t.hostFS, t.config.Image)
	if err != nil {
		return fat32.Geometry{}, bootfat.ErrIOFailed.Wrap(err)
	}
	if exists && !force {
		return fat32.Geometry{}, bootfat.ErrExists.WithMessage(
			fmt.Sprintf("%s already exists; pass --force to overwrite it", t.config.Image))
	}

	file, err := t.hostFS.OpenFile(t.config.Image, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fat32.Geometry{}, bootfat.ErrIOFailed.Wrap(err)
	}

	geometry, err := formatFile(file, preset, label)
	closeErr := file.Close()
	if closeErr != nil {
		err = multierror.Append(err, bootfat.ErrIOFailed.Wrap(closeErr))
	}
	if err != nil {
		return fat32.Geometry{}, err
	}

	t.logger.Info(
		"formatted image",
		slog.String("image", t.config.Image),
		slog.String("preset", preset.Slug),
		slog.Uint64("clusters", uint64(geometry.TotalClusters)))
	return geometry, nil
}

func formatFile(file afero.File, preset *disks.VolumePreset, label string) (fat32.Geometry, error) {
	err := file.Truncate(preset.TotalSizeBytes())
	if err != nil {
		return fat32.Geometry{}, bootfat.ErrIOFailed.Wrap(err)
	}

	stream := blockdev.NewStream(file, preset.BytesPerSector, preset.TotalSectors(), 0)
	cache := blockcache.New(stream, preset.BytesPerSector, preset.TotalSectors())
	geometry, err := formatDevice(cache, preset, label)
	if err != nil {
		return fat32.Geometry{}, err
	}
	return geometry, cache.Flush()
}

// formatDevice lays out a whole card as `preset` describes: an MBR with a
// single FAT32 partition if the preset has one, then the volume itself.
func formatDevice(
	device bootfat.BlockDevice,
	preset *disks.VolumePreset,
	label string,
) (fat32.Geometry, error) {
	if preset.IsPartitioned() {
		id := uuid.New()
		table := mbr.NewSinglePartitionTable(
			binary.LittleEndian.Uint32(id[:4]),
			preset.FirstSector(),
			preset.VolumeSectors())

		err := mbr.Write(device, table)
		if err != nil {
			return fat32.Geometry{}, err
		}
	}

	options := preset.FormatOptions()
	options.VolumeLabel = label
	return fat32.Format(device, preset.FirstSector(), preset.VolumeSectors(), options)
}

func (t *tool) formatImage(ctx *cli.Context) error {
	err := t.config.Validate()
	if err != nil {
		return err
	}
	preset, err := disks.GetPreset(ctx.String("preset"))
	if err != nil {
		return err
	}

	geometry, err := t.createImage(&preset, ctx.String("label"), ctx.Bool("force"))
	if err != nil {
		return err
	}
	fmt.Fprintf(
		ctx.App.Writer,
		"created %s: %d clusters of %d bytes\n",
		t.config.Image,
		geometry.TotalClusters,
		geometry.BytesPerCluster())
	return nil
}

func (t *tool) listPresets(ctx *cli.Context) error {
	for _, preset := range disks.Presets() {
		fmt.Fprintf(ctx.App.Writer, "%-16s %s\n", preset.Slug, preset.Name)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Inspection

func (t *tool) showInfo(ctx *cli.Context, volume *fat32.Volume) error {
	if err := checkArgCount(ctx, 0, 0); err != nil {
		return err
	}

	free, err := volume.CountFreeClusters()
	if err != nil {
		return err
	}

	geometry := volume.Geometry()
	fields := []struct {
		name  string
		value any
	}{
		{"label", geometry.VolumeLabel},
		{"serial", fmt.Sprintf("%04X-%04X", geometry.VolumeID>>16, geometry.VolumeID&0xFFFF)},
		{"partition start", geometry.PartitionStart},
		{"total sectors", geometry.TotalSectors},
		{"bytes per sector", geometry.BytesPerSector},
		{"sectors per cluster", geometry.SectorsPerCluster},
		{"reserved sectors", geometry.ReservedSectors},
		{"FAT copies", geometry.NumFATs},
		{"sectors per FAT", geometry.SectorsPerFAT},
		{"root cluster", geometry.RootCluster},
		{"total clusters", geometry.TotalClusters},
		{"free clusters", free},
	}
	for _, field := range fields {
		fmt.Fprintf(ctx.App.Writer, "%-20s %v\n", field.name+":", field.value)
	}
	return nil
}

func (t *tool) listDirectory(ctx *cli.Context, volume *fat32.Volume) error {
	if err := checkArgCount(ctx, 0, 1); err != nil {
		return err
	}
	dirPath := ctx.Args().First()
	if dirPath == "" {
		dirPath = "/"
	}

	entries, err := volume.ReadDir(dirPath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		kind := "-"
		name := entry.Name()
		if entry.IsDir() {
			kind = "d"
			name += "/"
		}
		fmt.Fprintf(ctx.App.Writer, "%s %10d %s\n", kind, entry.Size, name)
	}
	return nil
}

func (t *tool) statPath(ctx *cli.Context, volume *fat32.Volume) error {
	if err := checkArgCount(ctx, 1, 1); err != nil {
		return err
	}

	stat, err := volume.Stat(ctx.Args().First())
	if err != nil {
		return err
	}
	kind := "file"
	if stat.IsDir() {
		kind = "directory"
	}
	fmt.Fprintf(ctx.App.Writer, "type:       %s\n", kind)
	fmt.Fprintf(ctx.App.Writer, "size:       %d\n", stat.Size)
	fmt.Fprintf(ctx.App.Writer, "block size: %d\n", stat.BlockSize)
	fmt.Fprintf(ctx.App.Writer, "blocks:     %d\n", stat.BlockCount)
	fmt.Fprintf(ctx.App.Writer, "mode:       %04o\n", stat.Mode&0o777)
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Reading and writing files

func (t *tool) catFile(ctx *cli.Context, volume *fat32.Volume) error {
	if err := checkArgCount(ctx, 1, 1); err != nil {
		return err
	}

	data, err := volume.LoadFile(ctx.Args().First())
	if err != nil {
		return err
	}
	_, err = ctx.App.Writer.Write(data)
	return err
}

func (t *tool) getFile(ctx *cli.Context, volume *fat32.Volume) error {
	if err := checkArgCount(ctx, 2, 2); err != nil {
		return err
	}

	data, err := volume.LoadFile(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	err = afero.WriteFile(t.hostFS, ctx.Args().Get(1), data, 0o644)
	if err != nil {
		return bootfat.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (t *tool) putFile(ctx *cli.Context, volume *fat32.Volume) error {
	if err := checkArgCount(ctx, 2, 2); err != nil {
		return err
	}
	return copyIntoVolume(
		t.hostFS, volume, ctx.Args().Get(0), ctx.Args().Get(1), ctx.Bool("parents"))
}

func (t *tool) makeDirectories(ctx *cli.Context, volume *fat32.Volume) error {
	if err := checkArgCount(ctx, 1, -1); err != nil {
		return err
	}

	for _, dirPath := range ctx.Args().Slice() {
		var err error
		if ctx.Bool("parents") {
			err = mkdirAll(volume, dirPath)
		} else {
			err = volume.Mkdir(dirPath)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// copyIntoVolume copies the host file at `source` to `target` in the volume.
func copyIntoVolume(
	hostFS afero.Fs,
	volume *fat32.Volume,
	source string,
	target string,
	makeParents bool,
) error {
	data, err := afero.ReadFile(hostFS, source)
	if err != nil {
		return bootfat.ErrIOFailed.Wrap(err)
	}
	if makeParents {
		err = mkdirAll(volume, path.Dir(target))
		if err != nil {
			return err
		}
	}
	return volume.MkFile(target, data)
}

// mkdirAll creates the directory at `dirPath` along with any missing parents.
// Directories that already exist are left alone.
func mkdirAll(volume *fat32.Volume, dirPath string) error {
	if !strings.HasPrefix(dirPath, "/") {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("path must be absolute: %q", dirPath))
	}

	current := ""
	for _, component := range strings.Split(dirPath, "/") {
		if component == "" {
			continue
		}
		current += "/" + component

		stat, err := volume.Stat(current)
		if err == nil {
			if !stat.IsDir() {
				return bootfat.ErrNotADirectory.WithMessage(current)
			}
			continue
		}
		if !errors.Is(err, bootfat.ErrNotFound) {
			return err
		}

		err = volume.Mkdir(current)
		if err != nil {
			return err
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Manifests

func (t *tool) buildImage(ctx *cli.Context) error {
	err := t.config.Validate()
	if err != nil {
		return err
	}
	if err = checkArgCount(ctx, 1, 1); err != nil {
		return err
	}

	manifest, err := LoadManifest(t.hostFS, ctx.Args().First())
	if err != nil {
		return err
	}

	if ctx.IsSet("preset") {
		preset, err := disks.GetPreset(ctx.String("preset"))
		if err != nil {
			return err
		}
		_, err = t.createImage(&preset, ctx.String("label"), ctx.Bool("force"))
		if err != nil {
			return err
		}
	}

	s, err := openSession(t.hostFS, t.config, t.logger)
	if err != nil {
		return err
	}
	return s.Close(manifest.Apply(t.hostFS, s.volume, t.logger))
}
