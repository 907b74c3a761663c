package fat32

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dargueta/bootfat"
)

// MaxNameLength is the longest name, in bytes, an entry can be created with.
const MaxNameLength = 255

// reservedNameChars can't appear in the name of an entry created by this
// package.
const reservedNameChars = "\"*+,/:;<=>?[\\]|"

// validateName checks that `name` can be used for a new directory entry.
func validateName(name string) error {
	if name == "" {
		return bootfat.ErrInvalidArgument.WithMessage("name can't be empty")
	}
	if len(name) > MaxNameLength {
		return bootfat.ErrNameTooLong.WithMessage(
			fmt.Sprintf("%d bytes, can't be longer than %d", len(name), MaxNameLength))
	}
	if name == "." || name == ".." {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%q is reserved", name))
	}
	if !utf8.ValidString(name) {
		return bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%q isn't valid UTF-8", name))
	}

	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 {
			return bootfat.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("control character %#02x at position %d of %q", name[i], i, name))
		}
		if strings.IndexByte(reservedNameChars, name[i]) >= 0 {
			return bootfat.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("%q can't contain %q", name, name[i]))
		}
	}
	return nil
}

// splitPath splits an absolute path into its components. Repeated slashes are
// treated as one, and the root directory has no components.
func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("path must be absolute: %q", path))
	}
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' }), nil
}
