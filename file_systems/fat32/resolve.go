package fat32

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dargueta/bootfat"
)

// resolution is how far resolve got along a path.
type resolution struct {
	// cursor points at the chain of the last entry matched, or at the root
	// directory if nothing was. If the path wasn't found, that's the directory
	// the missing component should have been in.
	cursor *dirCursor
	// entry is the last entry matched, or nil for the root directory.
	entry *Dirent
	// remaining holds the components from the first one that couldn't be
	// resolved onwards. It's empty if the whole path was resolved.
	remaining []string
}

// scanDirectory calls `visit` with every entry of the directory that `cursor`
// points at, stopping when `visit` returns true, at the end-of-directory
// marker, or at the end of the chain. Deleted slots and volume labels are
// skipped, as are long names that don't hold together. A long name may begin
// in one cluster and end in the next.
//
// Directories that span more than the maximum number of clusters are cut off
// there, so a chain that loops back on itself still ends.
func (v *Volume) scanDirectory(cursor *dirCursor, visit func(entry *Dirent) bool) error {
	err := cursor.Reset()
	if err != nil {
		return err
	}

	emit := func(entry *Dirent) bool {
		return entry.Attributes&AttrVolumeLabel == 0 && visit(entry)
	}
	skipCorrupt := func(slot int, err error) {
		v.logger.Debug(
			"skipping corrupt directory entry",
			slog.Uint64("cluster", uint64(cursor.current)),
			slog.Int("slot", slot),
			slog.String("error", err.Error()))
	}

	// pending holds the slots of a long name that began in an earlier cluster,
	// and carried is how many of them there are.
	var pending [(maxLongNameSlots + 1) * direntSize]byte
	carried := 0

	maxClusters := v.geometry.MaxDirectoryClusters()
	for clusters := uint(0); clusters < maxClusters; clusters++ {
		err = cursor.LoadNextCluster()
		if errors.Is(err, errEndOfChain) {
			return nil
		}
		if err != nil {
			return err
		}

		block := cursor.Buffer()
		totalSlots := len(block) / direntSize
		i := 0

		if carried > 0 {
			total := int(pending[lfnOffsetSequence]&lfnSequenceMask) + 1
			take := min(total-carried, totalSlots)
			copy(pending[carried*direntSize:], block[:take*direntSize])
			carried += take

			entry, _, err := decodeEntry(pending[:carried*direntSize], 0)
			if errors.Is(err, errLongNameSplit) {
				continue
			}
			carried = 0
			if err != nil {
				// None of this block's slots have been used up yet, so scan it
				// from the start.
				skipCorrupt(0, err)
			} else {
				if emit(&entry) {
					return nil
				}
				i = take
			}
		}

		for i < totalSlots {
			switch block[i*direntSize] {
			case direntEndOfDirectory:
				return nil
			case direntDeleted:
				i++
				continue
			}

			entry, next, err := decodeEntry(block, i)
			if errors.Is(err, errLongNameSplit) {
				carried = copy(pending[:], block[i*direntSize:]) / direntSize
				break
			}
			if err != nil {
				skipCorrupt(i, err)
				i = next
				continue
			}
			i = next

			if emit(&entry) {
				return nil
			}
		}
	}

	v.logger.Debug(
		"directory scan stopped at cluster limit",
		slog.Uint64("first", uint64(cursor.firstCluster)),
		slog.Uint64("limit", uint64(maxClusters)))
	return nil
}

// directorySearch looks for an entry whose long or short name is exactly
// `name` in the directory `cursor` points at.
func (v *Volume) directorySearch(cursor *dirCursor, name string) (Dirent, error) {
	var found *Dirent
	err := v.scanDirectory(cursor, func(entry *Dirent) bool {
		if entry.Matches(name) {
			found = entry
			return true
		}
		return false
	})
	if err != nil {
		return Dirent{}, err
	}
	if found == nil {
		return Dirent{}, bootfat.ErrNotFound.WithMessage(name)
	}
	return *found, nil
}

// entryChain returns the first cluster of the chain holding an entry's
// contents. Other implementations store 0 for the root directory in `..`.
func (v *Volume) entryChain(entry *Dirent) ClusterID {
	if entry.IsDir() && entry.FirstCluster == 0 {
		return v.geometry.RootCluster
	}
	return entry.FirstCluster
}

// resolve walks an absolute path from the root directory.
//
// If a component can't be found, it returns [bootfat.ErrNotFound] and a
// resolution whose cursor points at the directory that was searched and whose
// remaining components start with the missing one. Creation uses that to find
// the parent of a new entry.
func (v *Volume) resolve(path string) (resolution, error) {
	components, err := splitPath(path)
	if err != nil {
		return resolution{}, err
	}

	res := resolution{cursor: v.newCursor(v.geometry.RootCluster)}
	for i, component := range components {
		if res.entry != nil && !res.entry.IsDir() {
			res.remaining = components[i:]
			return res, bootfat.ErrNotADirectory.WithMessage(
				"/" + strings.Join(components[:i], "/"))
		}

		entry, err := v.directorySearch(res.cursor, component)
		if err != nil {
			if errors.Is(err, bootfat.ErrNotFound) {
				res.remaining = components[i:]
				return res, bootfat.ErrNotFound.WithMessage(path)
			}
			return res, err
		}

		err = v.checkEntryCluster(&entry)
		if err != nil {
			return res, err
		}

		res.entry = &entry
		err = res.cursor.Retarget(v.entryChain(&entry))
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// creationTarget resolves the parent directory of a new entry at `path`. The
// parent must exist and `path` itself must not.
func (v *Volume) creationTarget(path string) (*dirCursor, string, error) {
	res, err := v.resolve(path)
	if err == nil {
		return nil, "", bootfat.ErrExists.WithMessage(path)
	}
	if !errors.Is(err, bootfat.ErrNotFound) {
		return nil, "", err
	}
	if len(res.remaining) != 1 {
		return nil, "", bootfat.ErrNotFound.WithMessage(
			fmt.Sprintf("%q: parent directory %q doesn't exist", path, res.remaining[0]))
	}
	return res.cursor, res.remaining[0], nil
}
