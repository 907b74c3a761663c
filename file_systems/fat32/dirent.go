package fat32

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dargueta/bootfat"
)

const (
	// AttrReadOnly is an attribute flag marking a directory entry as read-only.
	AttrReadOnly = 1

	// AttrHidden is an attribute flag marking a directory entry as "hidden", meaning it
	// wouldn't show up in normal directory listings.
	AttrHidden = 2

	// AttrSystem is an attribute flag marking a directory entry as essential to the
	// operating system and must not be moved.
	AttrSystem = 4

	// AttrVolumeLabel is an attribute flag that marks an entry in the root directory as
	// holding the volume label. Such entries have no data and are skipped when listing
	// or searching directories.
	AttrVolumeLabel = 8

	// AttrDirectory is an attribute flag marking a directory entry as being a directory.
	AttrDirectory = 16

	// AttrArchived is an attribute flag used by some systems to mark a directory entry
	// as "dirty". New files are always created with it set.
	AttrArchived = 32
)

// Offsets of the fields in a short directory entry.
const (
	sfnOffsetName         = 0
	sfnOffsetAttributes   = 11
	sfnOffsetNTReserved   = 12
	sfnOffsetCreatedTenth = 13
	sfnOffsetCreatedTime  = 14
	sfnOffsetCreatedDate  = 16
	sfnOffsetAccessedDate = 18
	sfnOffsetClusterHigh  = 20
	sfnOffsetModifiedTime = 22
	sfnOffsetModifiedDate = 24
	sfnOffsetClusterLow   = 26
	sfnOffsetSize         = 28
)

// errCorruptEntry is returned by decodeEntry for a long name that doesn't hold
// together. Callers skip the offending slot and keep going.
var errCorruptEntry = errors.New("corrupt long name entry")

// errLongNameSplit is returned by decodeEntry when every slot of a long name
// that's in the block is valid but the rest of it, short entry included, is in
// the next cluster of the directory.
var errLongNameSplit = errors.New("long name continues in the next cluster")

// ShortEntry is a short (8.3) directory entry. Timestamps are carried through
// unchanged but never interpreted; entries created by this package have them
// all set to zero.
type ShortEntry struct {
	Name              ShortName
	Attributes        uint8
	NTReserved        uint8
	CreatedTimeTenths uint8
	CreatedTime       uint16
	CreatedDate       uint16
	LastAccessedDate  uint16
	FirstCluster      ClusterID
	LastModifiedTime  uint16
	LastModifiedDate  uint16
	Size              uint32
}

// unpackShortEntry decodes the 32-byte directory entry at the start of `raw`.
func unpackShortEntry(raw []byte) ShortEntry {
	entry := ShortEntry{
		Attributes:        raw[sfnOffsetAttributes],
		NTReserved:        raw[sfnOffsetNTReserved],
		CreatedTimeTenths: raw[sfnOffsetCreatedTenth],
		CreatedTime:       binary.LittleEndian.Uint16(raw[sfnOffsetCreatedTime:]),
		CreatedDate:       binary.LittleEndian.Uint16(raw[sfnOffsetCreatedDate:]),
		LastAccessedDate:  binary.LittleEndian.Uint16(raw[sfnOffsetAccessedDate:]),
		LastModifiedTime:  binary.LittleEndian.Uint16(raw[sfnOffsetModifiedTime:]),
		LastModifiedDate:  binary.LittleEndian.Uint16(raw[sfnOffsetModifiedDate:]),
		Size:              binary.LittleEndian.Uint32(raw[sfnOffsetSize:]),
	}
	copy(entry.Name[:], raw[sfnOffsetName:sfnOffsetName+shortNameLength])

	high := ClusterID(binary.LittleEndian.Uint16(raw[sfnOffsetClusterHigh:]))
	low := ClusterID(binary.LittleEndian.Uint16(raw[sfnOffsetClusterLow:]))
	entry.FirstCluster = high<<16 | low
	return entry
}

// pack encodes the entry into the first 32 bytes of `raw`.
func (e *ShortEntry) pack(raw []byte) {
	copy(raw[sfnOffsetName:], e.Name[:])
	raw[sfnOffsetAttributes] = e.Attributes
	raw[sfnOffsetNTReserved] = e.NTReserved
	raw[sfnOffsetCreatedTenth] = e.CreatedTimeTenths
	binary.LittleEndian.PutUint16(raw[sfnOffsetCreatedTime:], e.CreatedTime)
	binary.LittleEndian.PutUint16(raw[sfnOffsetCreatedDate:], e.CreatedDate)
	binary.LittleEndian.PutUint16(raw[sfnOffsetAccessedDate:], e.LastAccessedDate)
	binary.LittleEndian.PutUint16(raw[sfnOffsetClusterHigh:], uint16(e.FirstCluster>>16))
	binary.LittleEndian.PutUint16(raw[sfnOffsetModifiedTime:], e.LastModifiedTime)
	binary.LittleEndian.PutUint16(raw[sfnOffsetModifiedDate:], e.LastModifiedDate)
	binary.LittleEndian.PutUint16(raw[sfnOffsetClusterLow:], uint16(e.FirstCluster))
	binary.LittleEndian.PutUint32(raw[sfnOffsetSize:], e.Size)
}

func (e *ShortEntry) IsDir() bool {
	return e.Attributes&AttrDirectory != 0
}

func (e *ShortEntry) IsReadOnly() bool {
	return e.Attributes&AttrReadOnly != 0
}

// Dirent is a directory entry along with its long name, if it has one.
type Dirent struct {
	ShortEntry
	// LongName is empty if the entry has no (valid) long name.
	LongName string
}

// Name returns the long name of the entry, or the short name in "BASE.EXT"
// form if there's no long name.
func (d *Dirent) Name() string {
	if d.LongName != "" {
		return d.LongName
	}
	return d.ShortEntry.Name.String()
}

// Matches reports whether `name` is exactly the long name or the short name of
// the entry.
func (d *Dirent) Matches(name string) bool {
	return (d.LongName != "" && d.LongName == name) || d.ShortEntry.Name.String() == name
}

// decodeEntry decodes the entry beginning at slot `index` of `block`. That's
// either a lone short entry or a run of long name slots followed by the short
// entry they belong to. The caller is expected to have skipped free slots
// already.
//
// On success it returns the entry and the index of the slot after it. If the
// long name is damaged, it returns errCorruptEntry and `index + 1`, so that
// the caller can skip the first slot and carry on scanning. If the long name
// reaches the end of `block` before its short entry, it returns
// errLongNameSplit and the number of slots in `block`.
func decodeEntry(block []byte, index int) (Dirent, int, error) {
	totalSlots := len(block) / direntSize
	first := block[index*direntSize : (index+1)*direntSize]

	if !isLongNameSlot(first) {
		return Dirent{ShortEntry: unpackShortEntry(first)}, index + 1, nil
	}

	corrupt := func(format string, args ...any) (Dirent, int, error) {
		return Dirent{}, index + 1, fmt.Errorf("%w: "+format, append([]any{errCorruptEntry}, args...)...)
	}

	sequence := first[lfnOffsetSequence]
	if sequence&lfnLastSlot == 0 {
		return corrupt("slot %d is not the start of a long name", index)
	}

	count := int(sequence & lfnSequenceMask)
	if count == 0 || count > maxLongNameSlots {
		return corrupt("long name at slot %d claims %d slots", index, count)
	}
	checksum := first[lfnOffsetChecksum]
	for i := 0; i < count && index+i < totalSlots; i++ {
		slot := block[(index+i)*direntSize:]
		if !isLongNameSlot(slot) {
			return corrupt("slot %d should be part of a long name", index+i)
		}
		if int(slot[lfnOffsetSequence]&lfnSequenceMask) != count-i {
			return corrupt(
				"slot %d has sequence number %d, expected %d",
				index+i,
				slot[lfnOffsetSequence]&lfnSequenceMask,
				count-i)
		}
		if i > 0 && slot[lfnOffsetSequence]&lfnLastSlot != 0 {
			return corrupt("slot %d is marked as the last slot of a long name", index+i)
		}
		if slot[lfnOffsetChecksum] != checksum {
			return corrupt("slot %d has a different checksum", index+i)
		}
	}
	if index+count >= totalSlots {
		return Dirent{}, totalSlots, errLongNameSplit
	}

	shortRaw := block[(index+count)*direntSize:]
	if shortRaw[0] == direntEndOfDirectory || shortRaw[0] == direntDeleted || isLongNameSlot(shortRaw) {
		return corrupt("long name at slot %d has no short entry", index)
	}

	short := unpackShortEntry(shortRaw)
	if short.Name.Checksum() != checksum {
		return corrupt(
			"checksum mismatch for %q: long name has %#02x, short name %#02x",
			short.Name.String(),
			checksum,
			short.Name.Checksum())
	}

	// The slots are stored in reverse order, so the beginning of the name is in
	// the slot right before the short entry.
	units := make([]uint16, 0, count*lfnCharsPerSlot)
	for i := count - 1; i >= 0; i-- {
		var terminated bool
		units, terminated = appendSlotUnits(units, block[(index+i)*direntSize:])
		if terminated {
			break
		}
	}

	longName, err := decodeLongName(units)
	if err != nil || longName == "" {
		return corrupt("long name at slot %d can't be decoded", index)
	}

	return Dirent{ShortEntry: short, LongName: longName}, index + count + 1, nil
}

// checkEntryCluster returns an error if a non-empty entry points outside the
// data region.
func (v *Volume) checkEntryCluster(entry *Dirent) error {
	cluster := entry.FirstCluster
	if cluster == 0 || v.geometry.IsDataCluster(cluster) {
		return nil
	}
	return bootfat.ErrFileSystemCorrupted.WithMessage(
		fmt.Sprintf("%q points at invalid cluster %d", entry.Name(), cluster))
}
