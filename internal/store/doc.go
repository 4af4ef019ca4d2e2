// Package store defines the disk-backed artifact store responsible for
// translating symbol keys into StoragePath/<name>/<identifier> files. Every
// published artifact is gzip-compressed; writes land on a tmp_ prefixed file
// and become visible only through an atomic rename, so a file at the final
// path is always complete. The store also owns the per-directory lock
// registry that serializes concurrent writers and the transparent
// decompression reader used when a client cannot accept gzip.
package store
