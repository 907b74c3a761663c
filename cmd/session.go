package main

import (
	"log/slog"
	"os"

	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
	"github.com/dargueta/bootfat/file_systems/common/blockcache"
	"github.com/dargueta/bootfat/file_systems/common/blockdev"
	"github.com/dargueta/bootfat/file_systems/fat32"
	"github.com/dargueta/bootfat/mbr"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
)

// session is a mounted image. Every change goes through a block cache, so
// nothing reaches the image file until the session is closed successfully.
type session struct {
	file   afero.File
	cache  *blockcache.BlockCache
	volume *fat32.Volume
}

func openSession(hostFS afero.Fs, config *Config, logger *slog.Logger) (*session, error) {
	file, err := hostFS.OpenFile(config.Image, os.O_RDWR, 0)
	if err != nil {
		return nil, bootfat.ErrIOFailed.Wrap(err)
	}

	stream, err := blockdev.WrapStream(file, config.SectorSize)
	if err != nil {
		file.Close()
		return nil, err
	}
	cache := blockcache.New(stream, stream.BytesPerBlock(), stream.TotalBlocks())

	var start c.PhysicalBlock
	if config.Partition < 0 {
		start, err = mbr.LocateFAT32(cache)
		if err != nil {
			file.Close()
			return nil, err
		}
		logger.Debug("found FAT32 volume", slog.Uint64("start", uint64(start)))
	} else {
		start = c.PhysicalBlock(config.Partition)
	}

	volume, err := fat32.Mount(
		cache,
		start,
		nil,
		fat32.MountOptions{WindowSectors: config.WindowSectors, Logger: logger},
	)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &session{file: file, cache: cache, volume: volume}, nil
}

// Close ends the session. If `opErr` is nil, all changes are written to the
// image first. Otherwise they're thrown away, so that a failed command leaves
// the image as it was.
func (s *session) Close(opErr error) error {
	if opErr != nil {
		s.cache.Discard()
		if err := s.file.Close(); err != nil {
			return multierror.Append(opErr, bootfat.ErrIOFailed.Wrap(err))
		}
		return opErr
	}

	var result *multierror.Error
	if err := s.volume.Flush(); err != nil {
		result = multierror.Append(result, err)
	} else if err := s.cache.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.file.Close(); err != nil {
		result = multierror.Append(result, bootfat.ErrIOFailed.Wrap(err))
	}
	return result.ErrorOrNil()
}
