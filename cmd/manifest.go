package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dargueta/bootfat"
	"github.com/dargueta/bootfat/file_systems/fat32"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

// Manifest lists what goes on a boot card, e.g.
//
//	directories:
//	  - /overlays
//	files:
//	  - source: build/kernel8.img
//	    target: /kernel8.img
//	  - source: build/bcm2711-rpi-4-b.dtb
//	    target: /dtbs/bcm2711-rpi-4-b.dtb
//
// Directories are created in order, before any file. Missing parents of a
// file's target are created too.
type Manifest struct {
	Directories []string       `yaml:"directories"`
	Files       []ManifestFile `yaml:"files"`
}

type ManifestFile struct {
	// Source is a path on the host. Relative paths are relative to the
	// directory the manifest is in.
	Source string `yaml:"source"`
	// Target is the absolute path of the file in the image.
	Target string `yaml:"target"`
}

// LoadManifest reads and checks the manifest at `manifestPath`.
func LoadManifest(hostFS afero.Fs, manifestPath string) (*Manifest, error) {
	data, err := afero.ReadFile(hostFS, manifestPath)
	if err != nil {
		return nil, bootfat.ErrIOFailed.Wrap(err)
	}

	var manifest Manifest
	if err := yaml.UnmarshalStrict(data, &manifest); err != nil {
		return nil, bootfat.ErrInvalidArgument.Wrap(
			fmt.Errorf("unmarshaling manifest %s: %w", manifestPath, err))
	}

	baseDir := filepath.Dir(manifestPath)
	for i := range manifest.Files {
		file := &manifest.Files[i]
		if file.Source == "" || file.Target == "" {
			return nil, bootfat.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("file %d of manifest needs both a source and a target", i))
		}
		if !filepath.IsAbs(file.Source) {
			file.Source = filepath.Join(baseDir, file.Source)
		}
	}
	return &manifest, nil
}

// Apply creates everything the manifest lists on `volume`.
func (m *Manifest) Apply(hostFS afero.Fs, volume *fat32.Volume, logger *slog.Logger) error {
	for _, dirPath := range m.Directories {
		err := mkdirAll(volume, dirPath)
		if err != nil {
			return err
		}
		logger.Info("created directory", slog.String("path", dirPath))
	}

	for _, file := range m.Files {
		err := copyIntoVolume(hostFS, volume, file.Source, file.Target, true)
		if err != nil {
			return err
		}
		logger.Info(
			"copied file",
			slog.String("source", file.Source),
			slog.String("target", file.Target))
	}
	return nil
}
