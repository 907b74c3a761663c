package fat32

import (
	"errors"
	"fmt"

	"github.com/dargueta/bootfat"
)

// ReadFile copies the contents of the file at `path` into `buffer`, starting
// `offset` bytes into the file. At most `size` bytes are copied, or everything
// through the end of the file if `size` is [bootfat.ReadAll]. The copy never
// goes past the end of `buffer`.
//
// It returns the number of bytes copied. If the file's cluster chain ends
// before its stored size says it should, that's fewer than expected but not an
// error.
func (v *Volume) ReadFile(path string, buffer []byte, offset, size int64) (int, error) {
	if offset < 0 {
		return 0, bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("offset can't be negative: %d", offset))
	}
	if size < 0 && size != bootfat.ReadAll {
		return 0, bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("size can't be negative: %d", size))
	}

	res, err := v.resolve(path)
	if err != nil {
		return 0, err
	}
	if res.entry == nil || res.entry.IsDir() {
		return 0, bootfat.ErrIsADirectory.WithMessage(path)
	}

	fileSize := int64(res.entry.Size)
	if offset >= fileSize {
		return 0, nil
	}

	want := fileSize - offset
	if size != bootfat.ReadAll {
		want = min(want, size)
	}
	want = min(want, int64(len(buffer)))
	return v.readChain(res.cursor, buffer[:want], offset)
}

// readChain fills `out` with the contents of the chain `cursor` points at,
// beginning `offset` bytes into it. Clusters that lie entirely before `offset`
// are followed through the FAT without reading them.
func (v *Volume) readChain(cursor *dirCursor, out []byte, offset int64) (int, error) {
	bytesPerCluster := int64(v.geometry.BytesPerCluster())
	start := cursor.firstCluster
	for ; offset >= bytesPerCluster; offset -= bytesPerCluster {
		next, err := v.fat.ReadEntry(start)
		if err != nil {
			return 0, err
		}
		if next >= ClusterEOC {
			return 0, nil
		}
		if !v.geometry.IsDataCluster(next) {
			return 0, bootfat.ErrFileSystemCorrupted.WithMessage(
				fmt.Sprintf("cluster %d links to invalid cluster %d", start, next))
		}
		start = next
	}

	err := cursor.Retarget(start)
	if err != nil {
		return 0, err
	}

	copied := 0
	for copied < len(out) {
		err = cursor.LoadNextCluster()
		if errors.Is(err, errEndOfChain) {
			break
		}
		if err != nil {
			return copied, err
		}
		copied += copy(out[copied:], cursor.Buffer()[offset:])
		offset = 0
	}
	return copied, nil
}

// LoadFile reads an entire file into a new slice. Unlike ReadFile, a cluster
// chain shorter than the file's size is reported as corruption.
func (v *Volume) LoadFile(path string) ([]byte, error) {
	stat, err := v.Stat(path)
	if err != nil {
		return nil, err
	}
	if stat.IsDir() {
		return nil, bootfat.ErrIsADirectory.WithMessage(path)
	}

	data := make([]byte, stat.Size)
	n, err := v.ReadFile(path, data, 0, bootfat.ReadAll)
	if err != nil {
		return nil, err
	}
	if int64(n) != stat.Size {
		return nil, bootfat.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("%q is %d bytes but its clusters only hold %d", path, stat.Size, n))
	}
	return data, nil
}

// Stat describes the entry at `path`. The root directory is reported as an
// empty directory.
func (v *Volume) Stat(path string) (bootfat.FileStat, error) {
	res, err := v.resolve(path)
	if err != nil {
		return bootfat.FileStat{}, err
	}

	blockSize := int64(v.geometry.BytesPerSector)
	if res.entry == nil {
		return bootfat.FileStat{
			BlockSize: blockSize,
			Mode:      bootfat.S_IFDIR | bootfat.S_IRWXU | bootfat.S_IRWXG | bootfat.S_IRWXO,
		}, nil
	}
	return v.statEntry(res.entry), nil
}

func (v *Volume) statEntry(entry *Dirent) bootfat.FileStat {
	var mode uint32
	if entry.IsDir() {
		mode = bootfat.S_IFDIR | bootfat.S_IRWXU | bootfat.S_IRWXG | bootfat.S_IRWXO
	} else {
		mode = bootfat.S_IFREG |
			bootfat.S_IRUSR | bootfat.S_IWUSR |
			bootfat.S_IRGRP | bootfat.S_IWGRP |
			bootfat.S_IROTH | bootfat.S_IWOTH
	}
	if entry.IsReadOnly() {
		mode &^= bootfat.S_IWALL
	}

	blockSize := int64(v.geometry.BytesPerSector)
	size := int64(entry.Size)
	return bootfat.FileStat{
		Size:       size,
		BlockSize:  blockSize,
		BlockCount: size / blockSize,
		Mode:       mode,
	}
}

// ReadDir lists the directory at `path`. The "." and ".." entries aren't
// included.
func (v *Volume) ReadDir(path string) ([]Dirent, error) {
	res, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	if res.entry != nil && !res.entry.IsDir() {
		return nil, bootfat.ErrNotADirectory.WithMessage(path)
	}

	var entries []Dirent
	err = v.scanDirectory(res.cursor, func(entry *Dirent) bool {
		if entry.ShortEntry.Name != dotName && entry.ShortEntry.Name != dotDotName {
			entries = append(entries, *entry)
		}
		return false
	})
	return entries, err
}
