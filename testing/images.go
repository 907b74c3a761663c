package testing

import (
	"crypto/rand"
	"testing"

	"github.com/dargueta/bootfat/file_systems/common/blockcache"
	"github.com/dargueta/bootfat/file_systems/common/blockdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// Create an image with the given number of blocks and bytes per block. It is
// guaranteed to either return a valid slice or fail the test and abort.
func CreateRandomImage(bytesPerBlock, totalBlocks uint, t *testing.T) []byte {
	backingData := make([]byte, bytesPerBlock*totalBlocks)

	_, err := rand.Read(backingData)
	require.NoErrorf(
		t,
		err,
		"failed to initialize %d blocks of size %d with random bytes",
		totalBlocks,
		bytesPerBlock,
	)
	return backingData
}

// NewStreamImage creates a block device backed by a byte slice.
//
//   - backingData: Optional. A byte slice of exactly `bytesPerBlock * totalBlocks`
//     bytes used as the device's storage; writes to the device modify it in
//     place. Pass `nil` to get completely random data.
//
// The backing slice is returned so tests can inspect what the device wrote.
func NewStreamImage(
	bytesPerBlock,
	totalBlocks uint,
	backingData []byte,
	t *testing.T,
) (*blockdev.Stream, []byte) {
	if backingData == nil {
		backingData = CreateRandomImage(bytesPerBlock, totalBlocks, t)
	}
	require.EqualValues(
		t,
		bytesPerBlock*totalBlocks,
		len(backingData),
		"backing data is the wrong size",
	)

	stream := bytesextra.NewReadWriteSeeker(backingData)
	device := blockdev.NewStream(stream, bytesPerBlock, totalBlocks, 0)
	assert.EqualValues(t, bytesPerBlock, device.BytesPerBlock(), "wrong bytes per block")
	assert.EqualValues(t, totalBlocks, device.TotalBlocks(), "wrong total blocks")
	return device, backingData
}

// CreateDefaultCache creates a block cache on top of a stream image, returning
// the cache and the image's backing slice. See [NewStreamImage] for the meaning
// of `backingData`.
func CreateDefaultCache(
	bytesPerBlock,
	totalBlocks uint,
	backingData []byte,
	t *testing.T,
) (*blockcache.BlockCache, []byte) {
	device, data := NewStreamImage(bytesPerBlock, totalBlocks, backingData, t)

	cache := blockcache.New(device, bytesPerBlock, totalBlocks)
	assert.EqualValues(t, bytesPerBlock, cache.BytesPerBlock(), "wrong bytes per block")
	assert.EqualValues(t, totalBlocks, cache.TotalBlocks(), "wrong total blocks")
	assert.EqualValues(t, bytesPerBlock*totalBlocks, cache.Size(), "total size is wrong")
	return cache, data
}
