package blockdev_test

import (
	"bytes"
	"testing"

	"github.com/dargueta/bootfat"
	"github.com/dargueta/bootfat/file_systems/common/blockdev"
	diskotest "github.com/dargueta/bootfat/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

func TestStream__ReadBlocks__Basic(t *testing.T) {
	device, raw := diskotest.NewStreamImage(512, 32, nil, t)

	buffer := make([]byte, 1024)
	n, err := device.ReadBlocks(7, 2, buffer)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.Equal(t, raw[7*512:9*512], buffer)
}

func TestStream__WriteBlocks__Basic(t *testing.T) {
	device, raw := diskotest.NewStreamImage(512, 32, make([]byte, 512*32), t)

	payload := bytes.Repeat([]byte{0x5A}, 512)
	require.NoError(t, device.WriteBlocks(31, 1, payload))
	assert.Equal(t, payload, raw[31*512:])
	assert.Equal(t, make([]byte, 31*512), raw[:31*512], "other blocks were modified")
}

func TestStream__OutOfBounds(t *testing.T) {
	device, _ := diskotest.NewStreamImage(512, 32, nil, t)

	_, err := device.ReadBlocks(32, 1, make([]byte, 512))
	assert.ErrorIs(t, err, bootfat.ErrInvalidArgument)

	_, err = device.ReadBlocks(30, 3, make([]byte, 512*3))
	assert.ErrorIs(t, err, bootfat.ErrInvalidArgument)

	err = device.WriteBlocks(0, 2, make([]byte, 512))
	assert.ErrorIs(t, err, bootfat.ErrInvalidArgument, "buffer too small for two blocks")
}

// Block 0 of a device with a start offset begins `startOffset` bytes into the
// stream.
func TestStream__StartOffset(t *testing.T) {
	raw := make([]byte, 4096)
	for i := range raw {
		raw[i] = byte(i / 512)
	}
	device := blockdev.NewStream(bytesextra.NewReadWriteSeeker(raw), 512, 6, 1024)

	buffer := make([]byte, 512)
	_, err := device.ReadBlocks(0, 1, buffer)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{2}, 512), buffer)
}

func TestWrapStream__SizeFromStream(t *testing.T) {
	raw := make([]byte, 512*20+100)
	device, err := blockdev.WrapStream(bytesextra.NewReadWriteSeeker(raw), 512)
	require.NoError(t, err)
	assert.EqualValues(t, 20, device.TotalBlocks(), "trailing partial block must be ignored")
}
