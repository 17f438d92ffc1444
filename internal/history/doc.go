// Package history implements sticky routing: the first resolution for a
// (client, routing key) pair picks a backend from the registry and every
// later resolution for the same pair returns that backend while the entry is
// present.
//
// The table is a single flat map keyed by the composite pair, split into
// independently locked stripes. A get-or-create runs entirely under the lock
// of the stripe owning the key, so concurrent first contacts for one pair can
// never create diverging entries, while unrelated pairs do not contend.
// Each stripe is a bounded LRU; once evicted, an entry may be re-created with
// a different backend.
package history
