package fat32

import (
	"bytes"
	"strings"
)

const (
	shortBaseLength      = 8
	shortExtensionLength = 3
	shortNameLength      = shortBaseLength + shortExtensionLength

	// shortNameTail replaces the end of bases that are too long. There's only
	// ever one tail; names that collide after truncation aren't renumbered.
	shortNameTail = "~1"
)

// ShortName is an 8.3 name the way it's stored on disk: an eight-byte base and
// a three-byte extension, both padded with spaces and without the dot.
type ShortName [shortNameLength]byte

// GenerateShortName derives the short name stored alongside a long name.
//
// The extension is whatever follows the last dot in `name`, cut to three
// characters. The base is everything before that dot; if it's longer than
// eight characters it's cut to six and "~1" is appended. Both are upper-cased.
// Other characters aren't checked, since long names have already been
// validated when this is called.
func GenerateShortName(name string) ShortName {
	base := name
	extension := ""
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		base = name[:dot]
		extension = name[dot+1:]
	}

	base = upperASCII(base)
	extension = upperASCII(extension)

	if len(base) > shortBaseLength {
		base = base[:shortBaseLength-len(shortNameTail)] + shortNameTail
	}
	if len(extension) > shortExtensionLength {
		extension = extension[:shortExtensionLength]
	}

	var short ShortName
	copy(short[:], bytes.Repeat([]byte{' '}, shortNameLength))
	copy(short[:shortBaseLength], base)
	copy(short[shortBaseLength:], extension)

	if short[0] == direntDeleted {
		short[0] = direntKanjiE5
	}
	return short
}

// upperASCII upper-cases only the ASCII letters of `s`. Bytes of multi-byte
// characters pass through untouched, because short names have no character
// set of their own.
func upperASCII(s string) string {
	upper := []byte(s)
	for i, b := range upper {
		if b >= 'a' && b <= 'z' {
			upper[i] = b - ('a' - 'A')
		}
	}
	return string(upper)
}

// Checksum computes the checksum of a short name that every long name slot
// belonging to it must carry.
func (n ShortName) Checksum() uint8 {
	sum := uint8(0)
	for _, b := range n {
		sum = ((sum >> 1) | (sum << 7)) + b
	}
	return sum
}

// String returns the name in "BASE.EXT" form, or just "BASE" if there's no
// extension.
func (n ShortName) String() string {
	base := []byte(strings.TrimRight(string(n[:shortBaseLength]), " "))
	extension := strings.TrimRight(string(n[shortBaseLength:]), " ")

	if len(base) > 0 && base[0] == direntKanjiE5 {
		base[0] = direntDeleted
	}
	if extension == "" {
		return string(base)
	}
	return string(base) + "." + extension
}
