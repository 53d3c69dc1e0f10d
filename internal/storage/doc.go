// Package storage implements the bundle-read collaborator: it translates a
// bundle name into BaseDir/<name> files, reads them on background goroutines
// and exposes the in-flight work as Request values that the cache core polls
// once per tick. A bundle file is a tar stream, optionally compressed with
// zstd, lz4 or xz; regular entries become typed objects, while a `.scene`
// entry marks a streamed scene bundle that skips object extraction.
// The package also ships WriteBundle so tools and tests can produce bundle
// files with the same atomic write semantics (temp file + rename).
package storage
