// Package common contains definitions of fundamental types and functions used
// across the file system driver and the block device layers beneath it.
package common

// PhysicalBlock is the absolute index of a sector on a block device.
type PhysicalBlock uint

// Truncator is an interface for objects that support a Truncate() method. This
// method must behave just like [os.File.Truncate].
type Truncator interface {
	Truncate(size int64) error
}

// BlocksForLength gives the minimum number of blocks of `bytesPerBlock` bytes
// required to hold `length` bytes.
func BlocksForLength(length, bytesPerBlock uint) uint {
	return (length + bytesPerBlock - 1) / bytesPerBlock
}
