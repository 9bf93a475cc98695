// Package tapedb stores JSON documents in SQLite tables.
//
// A [Controller] owns the single configured connection, a [Table] owns one
// collection with plain last-writer-wins upserts, a [VersionedTable] adds a
// compare-and-swap upsert protocol (optimistic concurrency control), and a
// [Repo] binds typed Go records to stored documents.
package tapedb
