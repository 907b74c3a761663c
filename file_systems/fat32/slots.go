package fat32

import (
	"errors"
	"fmt"

	"github.com/dargueta/bootfat"
)

const (
	direntSize = 32

	// direntEndOfDirectory as the first byte of a slot marks it and every slot
	// after it as unused.
	direntEndOfDirectory = 0x00
	// direntDeleted as the first byte of a slot marks it as free.
	direntDeleted = 0xE5
	// direntKanjiE5 as the first byte of a name stands for 0xE5, which would
	// otherwise be mistaken for a deleted entry.
	direntKanjiE5 = 0x05

	// maxDirectoryBytes caps a directory at 65536 entries.
	maxDirectoryBytes = 0x10000 * direntSize
)

// blockSequence is a directory seen as a sequence of equally-sized blocks of
// directory entries that can be grown at the end.
type blockSequence interface {
	// Rewind positions the sequence before its first block.
	Rewind() error
	// Next returns the next block, or errEndOfChain if there are no more.
	Next() ([]byte, error)
	// Extend appends a new zeroed block after the last one and returns it. It
	// may only be called after Next returned errEndOfChain.
	Extend() ([]byte, error)
	// MarkDirty flags the block most recently returned as modified.
	MarkDirty()
}

// findFreeRun looks for `needed` consecutive free slots in a block. A slot is
// free if it's been deleted or it's at or after the end-of-directory marker.
// `ended` says whether an earlier block already contained the end marker, in
// which case every slot in this one is free.
//
// It returns the index of the first slot in the run, or -1 if there's no such
// run. The second value tells whether this block contains (or follows) the end
// marker, and the third whether the last slot of the run was at or after it.
func findFreeRun(block []byte, needed int, ended bool) (int, bool, bool) {
	totalSlots := len(block) / direntSize
	runStart := -1
	runLength := 0

	for i := 0; i < totalSlots; i++ {
		first := block[i*direntSize]
		if first == direntEndOfDirectory {
			ended = true
		}

		if !ended && first != direntDeleted {
			runStart = -1
			runLength = 0
			continue
		}

		if runLength == 0 {
			runStart = i
		}
		runLength++
		if runLength == needed {
			return runStart, ended, ended
		}
	}
	return -1, ended, false
}

// findOrExtend finds `needed` consecutive free slots in the directory `seq`,
// growing it if no existing block has room. The slots must all be in one
// block; the sequence is left positioned on that block and the index of the
// first slot in it is returned.
//
// If the run uses up the end-of-directory marker, the slot right after the run
// becomes the new end marker.
//
// The directory never grows past `maxBlocks` blocks. Running into that limit
// fails with [bootfat.ErrDirectoryFull].
func findOrExtend(seq blockSequence, needed int, maxBlocks uint) (int, error) {
	if needed <= 0 {
		return -1, bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("need at least one slot, got %d", needed))
	}

	err := seq.Rewind()
	if err != nil {
		return -1, err
	}

	ended := false
	for blocks := uint(0); blocks < maxBlocks; blocks++ {
		block, err := seq.Next()
		if errors.Is(err, errEndOfChain) {
			block, err = seq.Extend()
			ended = true
		}
		if err != nil {
			return -1, err
		}

		if needed > len(block)/direntSize {
			return -1, bootfat.ErrNameTooLong.WithMessage(
				fmt.Sprintf(
					"entry needs %d slots but a cluster only holds %d",
					needed,
					len(block)/direntSize))
		}

		start, blockEnded, runPastEnd := findFreeRun(block, needed, ended)
		ended = blockEnded
		if start < 0 {
			continue
		}

		following := (start + needed) * direntSize
		if runPastEnd && following < len(block) {
			block[following] = direntEndOfDirectory
			seq.MarkDirty()
		}
		return start, nil
	}

	return -1, bootfat.ErrDirectoryFull.WithMessage(
		fmt.Sprintf("directory already spans %d clusters", maxBlocks))
}
