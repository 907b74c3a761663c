package fat32

import (
	"encoding/binary"
	"fmt"

	"github.com/dargueta/bootfat"
	"golang.org/x/text/encoding/unicode"
)

const (
	// AttrLongName is the attribute combination marking a long name slot. Old
	// drivers skip such entries because of the volume label bit.
	AttrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeLabel

	// lfnLastSlot is set in the sequence number of the last slot of a long
	// name, which is the first one stored.
	lfnLastSlot = 0x40
	// lfnSequenceMask extracts the sequence number from a slot.
	lfnSequenceMask = 0x1F

	lfnCharsPerSlot = 13
	// maxLongNameSlots is the number of slots a 255-character name needs.
	maxLongNameSlots = (255 + lfnCharsPerSlot - 1) / lfnCharsPerSlot

	lfnOffsetSequence  = 0
	lfnOffsetAttribute = 11
	lfnOffsetType      = 12
	lfnOffsetChecksum  = 13
	lfnOffsetCluster   = 26

	lfnPadding = 0xFFFF
)

// lfnCharOffsets gives the position of each of a slot's 13 UTF-16 code units.
// They're split over three fields to keep bytes 11 and 26-27 free for the
// attributes and the (always zero) cluster.
var lfnCharOffsets = [lfnCharsPerSlot]int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// encodeLongName converts a name to the UTF-16 code units stored in long name
// slots.
func encodeLongName(name string) ([]uint16, error) {
	raw, err := utf16le.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return nil, bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't encode %q as UTF-16: %s", name, err.Error()))
	}

	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return units, nil
}

// decodeLongName converts UTF-16 code units back into a string.
func decodeLongName(units []uint16) (string, error) {
	raw := make([]byte, len(units)*2)
	for i, unit := range units {
		binary.LittleEndian.PutUint16(raw[i*2:], unit)
	}

	decoded, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// longNameSlotCount returns the number of slots needed to store a name made of
// `units` UTF-16 code units.
func longNameSlotCount(units int) int {
	return (units + lfnCharsPerSlot - 1) / lfnCharsPerSlot
}

// encodeLongNameSlots writes the long name slots for `units` into `slots`,
// which must hold exactly longNameSlotCount(len(units)) entries. The slot with
// the highest sequence number is written first.
//
// The name is followed by a single 0x0000 unless it exactly fills the last
// slot, and whatever space remains after that is filled with 0xFFFF.
func encodeLongNameSlots(slots []byte, units []uint16, checksum uint8) {
	count := len(slots) / direntSize
	for i := 0; i < count; i++ {
		slot := slots[i*direntSize : (i+1)*direntSize]
		sequence := count - i

		clear(slot)
		slot[lfnOffsetSequence] = byte(sequence)
		if i == 0 {
			slot[lfnOffsetSequence] |= lfnLastSlot
		}
		slot[lfnOffsetAttribute] = AttrLongName
		slot[lfnOffsetType] = 0
		slot[lfnOffsetChecksum] = checksum
		binary.LittleEndian.PutUint16(slot[lfnOffsetCluster:], 0)

		for j, offset := range lfnCharOffsets {
			index := (sequence-1)*lfnCharsPerSlot + j
			unit := uint16(lfnPadding)
			if index < len(units) {
				unit = units[index]
			} else if index == len(units) {
				unit = 0
			}
			binary.LittleEndian.PutUint16(slot[offset:], unit)
		}
	}
}

// isLongNameSlot reports whether a raw directory entry is a long name slot.
func isLongNameSlot(raw []byte) bool {
	return raw[lfnOffsetAttribute]&0x3F == AttrLongName
}

// appendSlotUnits appends the code units of one slot to `units`, stopping at
// the terminator. It returns true if the terminator was found.
func appendSlotUnits(units []uint16, slot []byte) ([]uint16, bool) {
	for _, offset := range lfnCharOffsets {
		unit := binary.LittleEndian.Uint16(slot[offset:])
		if unit == 0 {
			return units, true
		}
		units = append(units, unit)
	}
	return units, false
}
