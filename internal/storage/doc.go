// Package storage is castbot's relational persistence layer.
//
// It holds the channel registry, the per-channel dedup watermark, the
// recipient table, cached staging assets and the broadcast audit log.
// Two drivers implement Store: "sqlite" (modernc.org/sqlite, default) and
// "postgres" (pgx). The dedup raise is a single upsert statement in both, so
// concurrent deliveries of the same content id resolve inside the database.
package storage
