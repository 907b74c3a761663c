// Package fat32 implements a small FAT32 driver meant for boot loaders: it
// mounts a volume, resolves absolute paths, reads files, and creates new files
// and directories. Deleting, renaming and truncating are not supported.
//
// # Memory use
//
// A mounted [Volume] uses exactly two buffers, both carved out of one scratch
// region that the caller may supply to [Mount]:
//
//   - The FAT window, a few consecutive sectors of the allocation table. Table
//     reads and writes go through it, and it's written back (to every copy of
//     the table) only when a different part of the table is needed or on
//     [Volume.Flush].
//   - The directory buffer, exactly one cluster. Directory scans and file reads
//     load one cluster at a time into it.
//
// # Concurrency
//
// A Volume is not safe for concurrent use. Callers that share one must
// serialize every call, e.g. with a single mutex.
//
// # Names
//
// Every entry is created with a long name. The accompanying short (8.3) name is
// derived mechanically: the extension is the text after the last dot, and a
// base longer than eight characters is cut to six and suffixed with "~1". No
// attempt is made to keep short names unique within a directory, so two long
// names can share a short name. Lookups compare the exact bytes of either name.
package fat32
