// Package blockdev adapts byte streams, such as image files, into sector-
// addressed block devices.
package blockdev

import (
	"fmt"
	"io"

	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
)

// Stream is an abstraction layer around a seekable stream to make it look like
// a block device, e.g. a file that can only be read from or written to in
// multiples of its fundamental unit, a "block".
type Stream struct {
	stream        io.ReadWriteSeeker
	bytesPerBlock uint
	totalBlocks   uint
	// startOffset is an offset from the beginning of the stream, in bytes, that
	// will be considered the beginning of block 0 for the device. This is
	// useful for skipping over headers of container formats.
	startOffset int64
}

var _ bootfat.BlockDevice = (*Stream)(nil)

// NewStream creates a block device of `totalBlocks` blocks of `bytesPerBlock`
// bytes each, backed by `stream`.
func NewStream(
	stream io.ReadWriteSeeker,
	bytesPerBlock uint,
	totalBlocks uint,
	startOffset int64,
) *Stream {
	return &Stream{
		stream:        stream,
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
		startOffset:   startOffset,
	}
}

// WrapStream creates a block device covering all whole blocks in `stream`. The
// size is determined by seeking to the end of the stream.
func WrapStream(stream io.ReadWriteSeeker, bytesPerBlock uint) (*Stream, error) {
	size, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, bootfat.ErrIOFailed.Wrap(err)
	}
	return NewStream(stream, bytesPerBlock, uint(size)/bytesPerBlock, 0), nil
}

// BytesPerBlock returns the size of a single block, in bytes.
func (device *Stream) BytesPerBlock() uint {
	return device.bytesPerBlock
}

// TotalBlocks returns the size of the device, in blocks.
func (device *Stream) TotalBlocks() uint {
	return device.totalBlocks
}

// Resize changes the size of the device. The underlying stream must implement
// [common.Truncator].
func (device *Stream) Resize(newTotalBlocks uint) error {
	truncator, ok := device.stream.(c.Truncator)
	if !ok {
		return bootfat.ErrInvalidArgument.WithMessage("stream can't be resized")
	}

	newSize := device.startOffset + int64(newTotalBlocks)*int64(device.bytesPerBlock)
	err := truncator.Truncate(newSize)
	if err != nil {
		return bootfat.ErrIOFailed.Wrap(err)
	}
	device.totalBlocks = newTotalBlocks
	return nil
}

// CheckIOBounds verifies that `count` blocks starting at `start` lie within the
// device and that `buffer` can hold them.
func (device *Stream) CheckIOBounds(start c.PhysicalBlock, count uint, buffer []byte) error {
	if uint(start) >= device.totalBlocks || uint(start)+count > device.totalBlocks {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"can't access %d blocks from block %d; range not in [0, %d)",
				count,
				start,
				device.totalBlocks,
			),
		)
	}

	needed := count * device.bytesPerBlock
	if uint(len(buffer)) < needed {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"buffer of %d bytes is too small for %d blocks (%d bytes)",
				len(buffer),
				count,
				needed,
			),
		)
	}
	return nil
}

func (device *Stream) seekToBlock(block c.PhysicalBlock) error {
	offset := device.startOffset + int64(block)*int64(device.bytesPerBlock)
	_, err := device.stream.Seek(offset, io.SeekStart)
	if err != nil {
		return bootfat.ErrIOFailed.Wrap(err)
	}
	return nil
}

// ReadBlocks implements [bootfat.BlockDevice].
func (device *Stream) ReadBlocks(start c.PhysicalBlock, count uint, buffer []byte) (int, error) {
	err := device.CheckIOBounds(start, count, buffer)
	if err != nil {
		return 0, err
	}

	err = device.seekToBlock(start)
	if err != nil {
		return 0, err
	}

	n, err := io.ReadFull(device.stream, buffer[:count*device.bytesPerBlock])
	if err != nil {
		return n, bootfat.ErrIOFailed.WithMessage(
			fmt.Sprintf("reading %d blocks from block %d", count, start),
		).Wrap(err)
	}
	return n, nil
}

// WriteBlocks implements [bootfat.BlockDevice].
func (device *Stream) WriteBlocks(start c.PhysicalBlock, count uint, buffer []byte) error {
	err := device.CheckIOBounds(start, count, buffer)
	if err != nil {
		return err
	}

	err = device.seekToBlock(start)
	if err != nil {
		return err
	}

	_, err = device.stream.Write(buffer[:count*device.bytesPerBlock])
	if err != nil {
		return bootfat.ErrIOFailed.WithMessage(
			fmt.Sprintf("writing %d blocks at block %d", count, start),
		).Wrap(err)
	}
	return nil
}
