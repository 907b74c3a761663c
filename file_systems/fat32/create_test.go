package fat32

import (
	"fmt"
	"strings"
	"testing"

	"github.com/dargueta/bootfat"
	c "github.com/dargueta/bootfat/file_systems/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chainLength follows a cluster chain through the FAT and returns the number of
// clusters in it.
func chainLength(t *testing.T, volume *Volume, first ClusterID) int {
	length := 0
	for cluster := first; cluster < ClusterEOC; length++ {
		require.Truef(t, volume.geometry.IsDataCluster(cluster), "bad cluster %d in chain", cluster)
		require.Less(t, length, 100000, "chain doesn't end")

		next, err := volume.fat.ReadEntry(cluster)
		require.NoError(t, err)
		cluster = next
	}
	return length
}

func TestMkFile__ReadBack(t *testing.T) {
	cases := []struct {
		sectorsPerCluster uint
		size              int
		clusters          int
	}{
		{1, 0, 1},
		{1, 1, 1},
		{1, 511, 1},
		{1, 512, 1},
		{1, 513, 2},
		{1, 3*512 + 100, 4},
		{8, 4096, 1},
		{8, 2*4096 + 17, 3},
	}

	for _, tc := range cases {
		name := fmt.Sprintf("spc=%d/size=%d", tc.sectorsPerCluster, tc.size)
		t.Run(name, func(t *testing.T) {
			volume, _ := newTestVolume(t, tc.sectorsPerCluster)
			payload := patternData(tc.size)

			require.NoError(t, volume.MkFile("/payload.bin", payload))

			res, err := volume.resolve("/payload.bin")
			require.NoError(t, err)
			assert.EqualValues(t, tc.size, res.entry.Size)
			assert.EqualValues(t, AttrArchived, res.entry.Attributes)
			assert.Equal(t, tc.clusters, chainLength(t, volume, res.entry.FirstCluster))

			out := make([]byte, tc.size+100)
			n, err := volume.ReadFile("/payload.bin", out, 0, bootfat.ReadAll)
			require.NoError(t, err)
			assert.Equal(t, tc.size, n)
			assert.Equal(t, payload, out[:n])
		})
	}
}

// The last sector of a file is padded with zeroes, not whatever was left in
// the scratch buffer.
func TestMkFile__PartialSectorPadded(t *testing.T) {
	volume, device := newTestVolume(t, 1)
	require.NoError(t, volume.MkFile("/short", []byte("hello")))

	res, err := volume.resolve("/short")
	require.NoError(t, err)

	data := clusterData(device, &volume.geometry, res.entry.FirstCluster)
	assert.Equal(t, "hello", string(data[:5]))
	assert.Equal(t, make([]byte, len(data)-5), data[5:])
}

func TestReadFile__Offsets(t *testing.T) {
	volume, _ := newTestVolume(t, 1)
	payload := patternData(5*512 + 33)
	require.NoError(t, volume.MkFile("/kernel.img", payload))

	cases := []struct {
		name   string
		offset int64
		size   int64
		buffer int
		want   []byte
	}{
		{"whole file", 0, bootfat.ReadAll, len(payload), payload},
		{"within first cluster", 10, 20, 100, payload[10:30]},
		{"across clusters", 500, 600, 1000, payload[500:1100]},
		{"starts in later cluster", 2*512 + 7, bootfat.ReadAll, len(payload), payload[2*512+7:]},
		{"cluster boundary", 3 * 512, 512, 512, payload[3*512 : 4*512]},
		{"clamped to file", 5 * 512, 1000, 1000, payload[5*512:]},
		{"clamped to buffer", 0, bootfat.ReadAll, 700, payload[:700]},
		{"at end", int64(len(payload)), 10, 10, []byte{}},
		{"past end", int64(len(payload)) + 100, 10, 10, []byte{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := make([]byte, tc.buffer)
			n, err := volume.ReadFile("/kernel.img", out, tc.offset, tc.size)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out[:n])
		})
	}
}

func TestReadFile__Errors(t *testing.T) {
	volume := newTreeVolume(t)
	buffer := make([]byte, 10)

	_, err := volume.ReadFile("/a", buffer, 0, bootfat.ReadAll)
	assert.ErrorIs(t, err, bootfat.ErrIsADirectory)
	_, err = volume.ReadFile("/", buffer, 0, bootfat.ReadAll)
	assert.ErrorIs(t, err, bootfat.ErrIsADirectory)
	_, err = volume.ReadFile("/a/b/c", buffer, -1, bootfat.ReadAll)
	assert.ErrorIs(t, err, bootfat.ErrInvalidArgument)
	_, err = volume.ReadFile("/a/b/c", buffer, 0, -5)
	assert.ErrorIs(t, err, bootfat.ErrInvalidArgument)
	_, err = volume.ReadFile("/a/b/missing", buffer, 0, bootfat.ReadAll)
	assert.ErrorIs(t, err, bootfat.ErrNotFound)
}

// A chain that ends before the stored size is tolerated by ReadFile but
// reported by LoadFile.
func TestReadFile__TruncatedChain(t *testing.T) {
	volume, _ := newTestVolume(t, 1)
	payload := patternData(3 * 512)
	require.NoError(t, volume.MkFile("/kernel.img", payload))

	res, err := volume.resolve("/kernel.img")
	require.NoError(t, err)
	require.NoError(t, volume.fat.WriteEntry(res.entry.FirstCluster, ClusterEOCMark))

	out := make([]byte, len(payload))
	n, err := volume.ReadFile("/kernel.img", out, 0, bootfat.ReadAll)
	require.NoError(t, err)
	assert.Equal(t, 512, n)
	assert.Equal(t, payload[:512], out[:n])

	_, err = volume.LoadFile("/kernel.img")
	assert.ErrorIs(t, err, bootfat.ErrFileSystemCorrupted)
}

// Reading from far into a file mustn't load the clusters before the offset.
func TestReadFile__SkipsLeadingClusters(t *testing.T) {
	volume, device := newTestVolume(t, 1)
	payload := patternData(40*512 + 9)
	require.NoError(t, volume.MkFile("/kernel.img", payload))

	offset := int64(37*512 + 3)
	out := make([]byte, len(payload))
	before := device.Reads
	n, err := volume.ReadFile("/kernel.img", out, offset, bootfat.ReadAll)
	require.NoError(t, err)
	assert.Equal(t, payload[offset:], out[:n])
	assert.LessOrEqual(t, device.Reads-before, 8, "clusters before the offset were read")
}

func TestReadFile__OffsetPastTruncatedChain(t *testing.T) {
	volume, _ := newTestVolume(t, 1)
	payload := patternData(3 * 512)
	require.NoError(t, volume.MkFile("/kernel.img", payload))

	res, err := volume.resolve("/kernel.img")
	require.NoError(t, err)
	require.NoError(t, volume.fat.WriteEntry(res.entry.FirstCluster, ClusterEOCMark))

	out := make([]byte, len(payload))
	n, err := volume.ReadFile("/kernel.img", out, 2*512, bootfat.ReadAll)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadFile(t *testing.T) {
	volume := newTreeVolume(t)

	data, err := volume.LoadFile("/a/kernel.img")
	require.NoError(t, err)
	assert.Equal(t, patternData(2000), data)

	_, err = volume.LoadFile("/a/b")
	assert.ErrorIs(t, err, bootfat.ErrIsADirectory)
}

func TestMkdir__DotEntries(t *testing.T) {
	volume, device := newTestVolume(t, 1)
	geo := &volume.geometry

	require.NoError(t, volume.Mkdir("/boot"))
	require.NoError(t, volume.Mkdir("/boot/overlays"))

	boot, err := volume.resolve("/boot")
	require.NoError(t, err)
	assert.True(t, boot.entry.IsDir())
	assert.Zero(t, boot.entry.Size)
	assert.Equal(t, 1, chainLength(t, volume, boot.entry.FirstCluster))

	overlays, err := volume.resolve("/boot/overlays")
	require.NoError(t, err)

	check := func(dir, parent ClusterID) {
		data := clusterData(device, geo, dir)
		dot := unpackShortEntry(data[0:])
		dotDot := unpackShortEntry(data[direntSize:])

		assert.Equal(t, dotName, dot.Name)
		assert.True(t, dot.IsDir())
		assert.Equal(t, dir, dot.FirstCluster)
		assert.Equal(t, dotDotName, dotDot.Name)
		assert.True(t, dotDot.IsDir())
		assert.Equal(t, parent, dotDot.FirstCluster)
		assert.EqualValues(t, direntEndOfDirectory, data[2*direntSize], "no end marker")
	}
	check(boot.entry.FirstCluster, geo.RootCluster)
	check(overlays.entry.FirstCluster, boot.entry.FirstCluster)

	entries, err := volume.ReadDir("/boot/overlays")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreate__AlreadyExists(t *testing.T) {
	volume := newTreeVolume(t)
	assert.ErrorIs(t, volume.Mkdir("/a"), bootfat.ErrExists)
	assert.ErrorIs(t, volume.MkFile("/a/b/c", nil), bootfat.ErrExists)
	assert.ErrorIs(t, volume.WriteFile("/a/kernel.img", []byte{1}), bootfat.ErrExists)
	assert.ErrorIs(t, volume.MkFile("/", nil), bootfat.ErrExists)
}

func TestCreate__MissingParent(t *testing.T) {
	volume := newTreeVolume(t)
	assert.ErrorIs(t, volume.Mkdir("/x/y"), bootfat.ErrNotFound)
	assert.ErrorIs(t, volume.MkFile("/a/x/file", nil), bootfat.ErrNotFound)
	assert.ErrorIs(t, volume.MkFile("/a/b/c/file", nil), bootfat.ErrNotADirectory)
}

func TestCreate__InvalidNames(t *testing.T) {
	volume, _ := newTestVolume(t, 1)

	cases := []struct {
		path     string
		expected error
	}{
		{"/bad:name", bootfat.ErrInvalidArgument},
		{"/what?", bootfat.ErrInvalidArgument},
		{"/tab\there", bootfat.ErrInvalidArgument},
		{"/.", bootfat.ErrInvalidArgument},
		{"/\xff\xfe", bootfat.ErrInvalidArgument},
		{"/" + strings.Repeat("x", 256), bootfat.ErrNameTooLong},
		{"relative", bootfat.ErrInvalidArgument},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, volume.MkFile(tc.path, []byte("x")), tc.expected, "%q", tc.path)
	}

	free, err := volume.CountFreeClusters()
	require.NoError(t, err)
	assert.Equal(t, volume.geometry.TotalClusters-1, free, "a failed create leaked clusters")
}

// Short names that collide after truncation don't stop long names from being
// found.
func TestCreate__ShortNameCollision(t *testing.T) {
	volume, _ := newTestVolume(t, 1)
	require.NoError(t, volume.MkFile("/config-raspberrypi4.txt", []byte("four")))
	require.NoError(t, volume.MkFile("/config-raspberrypi5.txt", []byte("five")))

	data, err := volume.LoadFile("/config-raspberrypi5.txt")
	require.NoError(t, err)
	assert.Equal(t, "five", string(data))

	data, err = volume.LoadFile("/config-raspberrypi4.txt")
	require.NoError(t, err)
	assert.Equal(t, "four", string(data))
}

// With one-sector clusters a directory holds 16 slots, so creating enough
// entries forces it to grow.
func TestCreate__DirectoryGrows(t *testing.T) {
	volume, _ := newTestVolume(t, 1)
	geo := &volume.geometry
	require.NoError(t, volume.Mkdir("/dtbs"))

	// Every entry takes one long name slot and one short slot.
	const total = 20
	for i := 0; i < total; i++ {
		path := fmt.Sprintf("/dtbs/board%02d.dtb", i)
		require.NoError(t, volume.MkFile(path, []byte(path)), path)
	}

	dir, err := volume.resolve("/dtbs")
	require.NoError(t, err)
	// 2 dot entries + 40 slots + end marker over 16-slot clusters.
	assert.Equal(t, 3, chainLength(t, volume, dir.entry.FirstCluster))

	entries, err := volume.ReadDir("/dtbs")
	require.NoError(t, err)
	require.Len(t, entries, total)
	for i, entry := range entries {
		assert.Equal(t, fmt.Sprintf("board%02d.dtb", i), entry.Name())
	}

	for i := 0; i < total; i++ {
		path := fmt.Sprintf("/dtbs/board%02d.dtb", i)
		data, err := volume.LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, path, string(data))
	}
	assert.EqualValues(t, 16, geo.EntriesPerCluster())
}

// A 255-character name needs 21 slots. That fits in a 4 KiB cluster but not in
// a 512-byte one.
func TestCreate__LongestName(t *testing.T) {
	name := strings.Repeat("n", MaxNameLength)

	big, _ := newTestVolume(t, 8)
	require.NoError(t, big.MkFile("/"+name, []byte("x")))
	entries, err := big.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, name, entries[0].Name())

	small, _ := newTestVolume(t, 1)
	assert.ErrorIs(t, small.MkFile("/"+name, []byte("x")), bootfat.ErrNameTooLong)
}

// When the parent directory can't grow, the clusters written for the data are
// given back.
func TestCreate__NoSpaceReleasesData(t *testing.T) {
	device, geometry := formatTestDevice(t, 0, smallVolumeSectors, 1)
	geo := &geometry

	// Fill the root directory and the whole FAT, except for one cluster.
	volume, err := Mount(device, 0, nil, MountOptions{})
	require.NoError(t, err)
	entries := make([]ShortEntry, geo.EntriesPerCluster())
	for i := range entries {
		entries[i] = ShortEntry{Name: GenerateShortName(fmt.Sprintf("F%d", i)), Attributes: AttrArchived}
	}
	writeRootEntries(t, volume, entries...)

	fillFAT(device, geo)
	sector := device.Sector(geo.FATStart)
	clear(sector[40:44])
	device.PutSector(geo.FATStart, sector)

	volume, err = Mount(device, 0, nil, MountOptions{})
	require.NoError(t, err)

	err = volume.MkFile("/extra", []byte("data"))
	assert.ErrorIs(t, err, bootfat.ErrNoSpaceOnDevice)

	value, err := volume.fat.ReadEntry(10)
	require.NoError(t, err)
	assert.Equal(t, clusterFree, value, "data cluster wasn't released")

	_, err = volume.resolve("/extra")
	assert.ErrorIs(t, err, bootfat.ErrNotFound)
}

func TestStat(t *testing.T) {
	volume := newTreeVolume(t)

	stat, err := volume.Stat("/")
	require.NoError(t, err)
	assert.True(t, stat.IsDir())
	assert.Zero(t, stat.Size)
	assert.EqualValues(t, 512, stat.BlockSize)

	stat, err = volume.Stat("/a/kernel.img")
	require.NoError(t, err)
	assert.False(t, stat.IsDir())
	assert.EqualValues(t, 2000, stat.Size)
	assert.EqualValues(t, 512, stat.BlockSize)
	assert.EqualValues(t, 3, stat.BlockCount)
	assert.Equal(t, uint32(bootfat.S_IFREG), stat.Mode&bootfat.S_IFMT)
	assert.NotZero(t, stat.Mode&bootfat.S_IWUSR)

	stat, err = volume.Stat("/a/b")
	require.NoError(t, err)
	assert.True(t, stat.IsDir())

	_, err = volume.Stat("/nope")
	assert.ErrorIs(t, err, bootfat.ErrNotFound)
}

func TestStat__ReadOnly(t *testing.T) {
	volume, _ := newTestVolume(t, 1)
	locked := ShortEntry{
		Name:       GenerateShortName("LOCKED"),
		Attributes: AttrReadOnly | AttrArchived,
		Size:       1,
	}
	writeRootEntries(t, volume, locked)

	stat, err := volume.Stat("/LOCKED")
	require.NoError(t, err)
	assert.Zero(t, stat.Mode&bootfat.S_IWALL)
	assert.NotZero(t, stat.Mode&bootfat.S_IRUSR)
}

func TestReadDir(t *testing.T) {
	volume := newTreeVolume(t)

	entries, err := volume.ReadDir("/a")
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i := range entries {
		names[i] = entries[i].Name()
	}
	assert.Equal(t, []string{"b", "kernel.img"}, names)

	root, err := volume.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "a", root[0].Name())

	_, err = volume.ReadDir("/a/kernel.img")
	assert.ErrorIs(t, err, bootfat.ErrNotADirectory)
}

// Everything a volume writes must survive being mounted again.
func TestRemount(t *testing.T) {
	device, _ := formatTestDevice(t, 63, smallVolumeSectors, 1)
	volume, err := Mount(device, 63, nil, MountOptions{WindowSectors: 1})
	require.NoError(t, err)

	require.NoError(t, volume.Mkdir("/boot"))
	for i := 0; i < 10; i++ {
		require.NoError(t, volume.MkFile(fmt.Sprintf("/boot/part%d", i), patternData(700*(i+1))))
	}
	require.NoError(t, volume.Flush())

	again, err := Mount(device, 63, nil, MountOptions{})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		data, err := again.LoadFile(fmt.Sprintf("/boot/part%d", i))
		require.NoError(t, err)
		assert.Equal(t, patternData(700*(i+1)), data)
	}

	// Both FATs must agree.
	geo := again.Geometry()
	for cluster := ClusterID(0); cluster < 200; cluster++ {
		assert.Equal(
			t,
			rawFATEntry(device, &geo, 0, cluster),
			rawFATEntry(device, &geo, 1, cluster),
			"FAT copies disagree at cluster %d", cluster)
	}
	assert.GreaterOrEqual(t, device.UsedSectors()[0], c.PhysicalBlock(63), "wrote before the partition")
}
