// Package cache implements the two-tier build artifact cache. Store is the
// durable, handle-indexed disk tier: each handle maps to a directory under
// StoragePath/entries holding a JSON manifest and the stored blobs, published
// with a staging directory + rename so readers only ever observe complete
// entries. RemoteTier abstracts a network peer that wraps its own Store.
// Manager composes both tiers, promotes remote hits into the local tier and
// keeps the hit/miss ledger. Callers never receive remote-backed files from
// Manager; transport failures only ever cost a miss.
package cache
