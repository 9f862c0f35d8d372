// Package artifactcache stores provisioned environment trees under cache keys.
//
// An entry is a zstd-compressed tar archive holding one tree per cached path.
// Entries are written to a temporary location and published in a single
// atomic step, so a concurrent Restore either sees the complete entry or no
// entry at all. Entries are never overwritten: saving an existing key is a
// no-op, and a changed specification produces a new key instead.
package artifactcache
