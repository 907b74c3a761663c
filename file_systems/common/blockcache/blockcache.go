// Package blockcache provides a write-back sector cache that sits in front of a
// block device. The cache is itself a block device, so a file system driver can
// be mounted on top of it and nothing reaches the backing storage until Flush
// is called.
//
// All block indices begin at 0.
package blockcache

import (
	"fmt"
	"sort"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
)

type BlockCache struct {
	device        bootfat.BlockDevice
	loadedBlocks  bitmap.Bitmap
	dirtyBlocks   bitmap.Bitmap
	blocks        map[c.PhysicalBlock][]byte
	bytesPerBlock uint
	totalBlocks   uint
}

var _ bootfat.BlockDevice = (*BlockCache)(nil)

// New creates a new BlockCache over `device`, which holds `totalBlocks` blocks
// of `bytesPerBlock` bytes. Blocks are only held in memory once they've been
// read or written, so caching a large card costs nothing up front.
func New(device bootfat.BlockDevice, bytesPerBlock uint, totalBlocks uint) *BlockCache {
	return &BlockCache{
		device:        device,
		loadedBlocks:  bitmap.New(int(totalBlocks)),
		dirtyBlocks:   bitmap.New(int(totalBlocks)),
		blocks:        make(map[c.PhysicalBlock][]byte),
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
	}
}

// BytesPerBlock returns the size of a single block, in bytes.
func (cache *BlockCache) BytesPerBlock() uint {
	return cache.bytesPerBlock
}

// TotalBlocks returns the size of the cache, in blocks.
func (cache *BlockCache) TotalBlocks() uint {
	return cache.totalBlocks
}

// Size gives the size of the cache, in bytes (not blocks!).
func (cache *BlockCache) Size() int64 {
	return int64(cache.bytesPerBlock) * int64(cache.totalBlocks)
}

// LoadedBlocks returns the number of blocks currently held in memory.
func (cache *BlockCache) LoadedBlocks() int {
	return len(cache.blocks)
}

// DirtyBlocks returns the number of blocks modified since the last flush.
func (cache *BlockCache) DirtyBlocks() int {
	dirty := 0
	for block := range cache.blocks {
		if cache.dirtyBlocks.Get(int(block)) {
			dirty++
		}
	}
	return dirty
}

// checkBounds verifies that `count` blocks starting at block `start` exist and
// fit in a buffer of `bufferSize` bytes. If not, it returns an error describing
// the exact conditions.
func (cache *BlockCache) checkBounds(start c.PhysicalBlock, count uint, bufferSize int) error {
	if uint(start)+count > cache.totalBlocks || uint(start) >= cache.totalBlocks {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"can't access %d blocks from block %d; range not in [0, %d)",
				count,
				start,
				cache.totalBlocks,
			),
		)
	}
	if uint(bufferSize) < count*cache.bytesPerBlock {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"buffer of %d bytes can't hold %d blocks of %d bytes",
				bufferSize,
				count,
				cache.bytesPerBlock,
			),
		)
	}
	return nil
}

// loadBlockRange ensures that all blocks in the range [start, start + count) are
// present in the cache, and loads any missing ones from the device. Adjacent
// missing blocks are fetched with a single read.
func (cache *BlockCache) loadBlockRange(start c.PhysicalBlock, count uint) error {
	end := start + c.PhysicalBlock(count)
	for block := start; block < end; {
		// Skip if the block is in the cache. Since dirty blocks are present by
		// definition, we don't need to check `dirtyBlocks`.
		if cache.loadedBlocks.Get(int(block)) {
			block++
			continue
		}

		runEnd := block + 1
		for runEnd < end && !cache.loadedBlocks.Get(int(runEnd)) {
			runEnd++
		}

		runLength := uint(runEnd - block)
		buffer := make([]byte, runLength*cache.bytesPerBlock)
		n, err := cache.device.ReadBlocks(block, runLength, buffer)
		if err != nil {
			return err
		}
		if n < len(buffer) {
			return bootfat.ErrIOFailed.WithMessage(
				fmt.Sprintf(
					"short read of blocks [%d, %d): got %d of %d bytes",
					block,
					runEnd,
					n,
					len(buffer),
				),
			)
		}

		// Mark the blocks as present and clean.
		for i := uint(0); i < runLength; i++ {
			offset := i * cache.bytesPerBlock
			current := block + c.PhysicalBlock(i)
			cache.blocks[current] = buffer[offset : offset+cache.bytesPerBlock : offset+cache.bytesPerBlock]
			cache.loadedBlocks.Set(int(current), true)
			cache.dirtyBlocks.Set(int(current), false)
		}
		block = runEnd
	}
	return nil
}

// ReadBlocks implements [bootfat.BlockDevice], loading any missing blocks from
// the backing device first.
func (cache *BlockCache) ReadBlocks(start c.PhysicalBlock, count uint, buffer []byte) (int, error) {
	err := cache.checkBounds(start, count, len(buffer))
	if err != nil {
		return 0, err
	}

	err = cache.loadBlockRange(start, count)
	if err != nil {
		return 0, err
	}

	for i := uint(0); i < count; i++ {
		copy(buffer[i*cache.bytesPerBlock:], cache.blocks[start+c.PhysicalBlock(i)])
	}
	return int(count * cache.bytesPerBlock), nil
}

// WriteBlocks implements [bootfat.BlockDevice]. All modified blocks are marked as
// dirty and stay in memory until the next call to [BlockCache.Flush].
//
// Attempting to write past the end of the cache will result in an error, and
// the cache will be left unmodified.
func (cache *BlockCache) WriteBlocks(start c.PhysicalBlock, count uint, buffer []byte) error {
	err := cache.checkBounds(start, count, len(buffer))
	if err != nil {
		return err
	}

	for i := uint(0); i < count; i++ {
		current := start + c.PhysicalBlock(i)
		block, ok := cache.blocks[current]
		if !ok {
			// Whole blocks are overwritten, so there's no need to fetch them.
			block = make([]byte, cache.bytesPerBlock)
			cache.blocks[current] = block
		}
		copy(block, buffer[i*cache.bytesPerBlock:(i+1)*cache.bytesPerBlock])
		cache.loadedBlocks.Set(int(current), true)
		cache.dirtyBlocks.Set(int(current), true)
	}
	return nil
}

// Flush writes out all dirty blocks (and only dirty blocks) to the backing
// device in ascending order and marks them as clean. Runs of adjacent dirty
// blocks are written with a single call.
func (cache *BlockCache) Flush() error {
	dirty := make([]c.PhysicalBlock, 0, len(cache.blocks))
	for block := range cache.blocks {
		if cache.dirtyBlocks.Get(int(block)) {
			dirty = append(dirty, block)
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i] < dirty[j] })

	for i := 0; i < len(dirty); {
		j := i + 1
		for j < len(dirty) && dirty[j] == dirty[j-1]+1 {
			j++
		}

		runLength := uint(j - i)
		buffer := make([]byte, 0, runLength*cache.bytesPerBlock)
		for _, block := range dirty[i:j] {
			buffer = append(buffer, cache.blocks[block]...)
		}

		err := cache.device.WriteBlocks(dirty[i], runLength, buffer)
		if err != nil {
			return err
		}

		// Mark the flushed blocks as clean.
		for _, block := range dirty[i:j] {
			cache.dirtyBlocks.Set(int(block), false)
		}
		i = j
	}
	return nil
}

// Discard drops every cached block, including unflushed changes.
func (cache *BlockCache) Discard() {
	cache.blocks = make(map[c.PhysicalBlock][]byte)
	cache.loadedBlocks = bitmap.New(int(cache.totalBlocks))
	cache.dirtyBlocks = bitmap.New(int(cache.totalBlocks))
}
