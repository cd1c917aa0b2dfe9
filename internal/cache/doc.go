// Package cache is the in-memory entity index over the backing store.
//
// Every id the cache has seen keeps a permanent Entry. The entry's payload
// slot is separate from its identity: an eviction sweep releases payloads of
// cold entries, and the next read reloads them from the store through a
// Loader. Ids are only ever dropped by an explicit Remove or Tombstone.
//
// Locking:
//   - id-set membership (live, placeholder, tombstoned) is guarded by one
//     RWMutex per cache
//   - payload materialize and release are guarded per entry, so a sweep
//     never blocks lookups of unrelated ids
package cache
