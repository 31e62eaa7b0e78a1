// Package stores provides the persistence backends for custom orderings.
// SQLiteStore keeps order records and documents in two tables with WAL mode,
// connection pooling and embedded migrations. BoltStore keeps them in bbolt
// buckets encoded with msgpack. Both satisfy Store and hand out the
// ordering.OrderStore and ordering.ResourceStore views the engine consumes.
package stores
